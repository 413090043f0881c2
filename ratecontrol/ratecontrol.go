// Package ratecontrol tunes a reward's per-stream redemption cap and global
// cooldown from the number of items left in its content pool, so viewers cannot
// redeem faster than the pool can serve.
package ratecontrol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// LongCooldown applies when the pool is down to its last item or empty (one day).
const LongCooldown = 86400

// RewardUpdater is the upstream capability used to change reward settings.
// A count or seconds value <= 0 disables the corresponding limit.
type RewardUpdater interface {
	UpdateRedemptionLimit(ctx context.Context, rewardID string, count int) error
	UpdateCooldown(ctx context.Context, rewardID string, seconds int) error
}

// Policy maps a pool size to reward settings.
type Policy struct {
	Name          string
	ShortCooldown int
}

var (
	PollPolicy         = Policy{Name: "polls", ShortCooldown: 900}
	AnnouncementPolicy = Policy{Name: "announcements", ShortCooldown: 300}
)

// For returns the redemption limit (0 = disabled) and cooldown seconds for size.
func (p Policy) For(size int) (limit, cooldown int) {
	switch {
	case size > 1:
		return size, p.ShortCooldown
	case size == 1:
		return 1, LongCooldown
	default:
		return 0, LongCooldown
	}
}

// Controller applies policies through a RewardUpdater.
type Controller struct {
	api RewardUpdater
}

func New(api RewardUpdater) *Controller { return &Controller{api: api} }

// SetRedemptionLimit caps redemptions per stream; count <= 0 means unlimited.
func (c *Controller) SetRedemptionLimit(ctx context.Context, rewardID string, count int) error {
	if count < 0 {
		count = 0
	}
	return c.api.UpdateRedemptionLimit(ctx, rewardID, count)
}

// SetCooldown sets the global cooldown; seconds <= 0 disables it.
func (c *Controller) SetCooldown(ctx context.Context, rewardID string, seconds int) error {
	if seconds < 0 {
		seconds = 0
	}
	return c.api.UpdateCooldown(ctx, rewardID, seconds)
}

// Apply pushes the settings for size. Both updates are attempted; failures are
// logged and returned joined, never retried.
func (c *Controller) Apply(ctx context.Context, rewardID string, policy Policy, size int) error {
	limit, cooldown := policy.For(size)
	log := slog.With(slog.String("reward_id", rewardID), slog.String("pool", policy.Name), slog.String("component", "ratecontrol"))
	var errs []error
	if err := c.SetRedemptionLimit(ctx, rewardID, limit); err != nil {
		log.Warn("update redemption limit failed", slog.Int("limit", limit), slog.Any("err", err))
		errs = append(errs, fmt.Errorf("redemption limit: %w", err))
	}
	if err := c.SetCooldown(ctx, rewardID, cooldown); err != nil {
		log.Warn("update cooldown failed", slog.Int("cooldown_seconds", cooldown), slog.Any("err", err))
		errs = append(errs, fmt.Errorf("cooldown: %w", err))
	}
	if len(errs) == 0 {
		log.Info("reward limits applied", slog.Int("pool_size", size), slog.Int("limit", limit), slog.Int("cooldown_seconds", cooldown))
	}
	return errors.Join(errs...)
}
