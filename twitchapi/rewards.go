package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultRewardColor = "#9146FF"

type CustomReward struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Prompt              string `json:"prompt"`
	Cost                int    `json:"cost"`
	IsEnabled           bool   `json:"is_enabled"`
	IsPaused            bool   `json:"is_paused"`
	IsUserInputRequired bool   `json:"is_user_input_required"`
	BackgroundColor     string `json:"background_color"`
	MaxPerStreamSetting struct {
		IsEnabled    bool `json:"is_enabled"`
		MaxPerStream int  `json:"max_per_stream"`
	} `json:"max_per_stream_setting"`
	GlobalCooldownSetting struct {
		IsEnabled             bool `json:"is_enabled"`
		GlobalCooldownSeconds int  `json:"global_cooldown_seconds"`
	} `json:"global_cooldown_setting"`
	ShouldRedemptionsSkipRequestQueue bool `json:"should_redemptions_skip_request_queue"`
}

// CreateRewardRequest is the body of a custom reward creation.
type CreateRewardRequest struct {
	Title                             string `json:"title"`
	Cost                              int    `json:"cost"`
	Prompt                            string `json:"prompt,omitempty"`
	BackgroundColor                   string `json:"background_color,omitempty"`
	IsEnabled                         bool   `json:"is_enabled"`
	IsUserInputRequired               bool   `json:"is_user_input_required"`
	ShouldRedemptionsSkipRequestQueue bool   `json:"should_redemptions_skip_request_queue"`
}

type Redemption struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	UserLogin  string    `json:"user_login"`
	UserName   string    `json:"user_name"`
	UserInput  string    `json:"user_input"`
	Status     string    `json:"status"`
	RedeemedAt time.Time `json:"redeemed_at"`
	Reward     struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reward"`
}

// RedemptionPage is one page of a reward's queue; Cursor is empty on the last page.
type RedemptionPage struct {
	Redemptions []Redemption
	Cursor      string
}

// ListCustomRewards lists the channel's rewards. onlyManageable restricts the
// result to rewards created by this client id, the only ones it may update.
func (hc *HelixClient) ListCustomRewards(ctx context.Context, onlyManageable bool) ([]CustomReward, error) {
	bid, err := hc.broadcaster()
	if err != nil {
		return nil, err
	}
	q := url.Values{"broadcaster_id": {bid}}
	if onlyManageable {
		q.Set("only_manageable_rewards", "true")
	}
	var out page[CustomReward]
	if err := hc.do(ctx, http.MethodGet, "/channel_points/custom_rewards", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (hc *HelixClient) CreateCustomReward(ctx context.Context, req CreateRewardRequest) (*CustomReward, error) {
	bid, err := hc.broadcaster()
	if err != nil {
		return nil, err
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || req.Cost < 1 {
		return nil, errors.New("reward needs a title and a cost of at least 1")
	}
	if req.BackgroundColor == "" {
		req.BackgroundColor = defaultRewardColor
	}
	var out page[CustomReward]
	if err := hc.do(ctx, http.MethodPost, "/channel_points/custom_rewards", url.Values{"broadcaster_id": {bid}}, req, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, errors.New("create reward: empty response")
	}
	return &out.Data[0], nil
}

func (hc *HelixClient) updateReward(ctx context.Context, rewardID string, body any) error {
	bid, err := hc.broadcaster()
	if err != nil {
		return err
	}
	if rewardID == "" {
		return errors.New("empty reward id")
	}
	q := url.Values{"broadcaster_id": {bid}, "id": {rewardID}}
	return hc.do(ctx, http.MethodPatch, "/channel_points/custom_rewards", q, body, nil)
}

// UpdateRedemptionLimit sets the per-stream cap; count <= 0 disables it.
func (hc *HelixClient) UpdateRedemptionLimit(ctx context.Context, rewardID string, count int) error {
	return hc.updateReward(ctx, rewardID, map[string]any{
		"max_per_stream":            max(count, 1),
		"is_max_per_stream_enabled": count > 0,
	})
}

// UpdateCooldown sets the global cooldown; seconds <= 0 disables it.
func (hc *HelixClient) UpdateCooldown(ctx context.Context, rewardID string, seconds int) error {
	return hc.updateReward(ctx, rewardID, map[string]any{
		"global_cooldown_seconds":    max(seconds, 1),
		"is_global_cooldown_enabled": seconds > 0,
	})
}

// GetRedemptions fetches one page (up to 50, oldest first) of a reward's
// redemptions with the given status, continuing from after.
func (hc *HelixClient) GetRedemptions(ctx context.Context, rewardID, status, after string) (RedemptionPage, error) {
	bid, err := hc.broadcaster()
	if err != nil {
		return RedemptionPage{}, err
	}
	if status == "" {
		status = "UNFULFILLED"
	}
	q := url.Values{
		"broadcaster_id": {bid},
		"reward_id":      {rewardID},
		"status":         {status},
		"sort":           {"OLDEST"},
		"first":          {strconv.Itoa(50)},
	}
	if after != "" {
		q.Set("after", after)
	}
	var out page[Redemption]
	if err := hc.do(ctx, http.MethodGet, "/channel_points/custom_rewards/redemptions", q, nil, &out); err != nil {
		return RedemptionPage{}, err
	}
	return RedemptionPage{Redemptions: out.Data, Cursor: out.Pagination.Cursor}, nil
}
