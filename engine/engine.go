// Package engine runs the redemption polling loop: it watches the poll and
// announcement rewards, turns each new redemption into a Twitch poll or a pinned
// announcement drawn from the matching content pool, and keeps each reward's
// limits in line with what is left in its pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/duclems/pointsbot/dedup"
	"github.com/duclems/pointsbot/pool"
	"github.com/duclems/pointsbot/ratecontrol"
	"github.com/duclems/pointsbot/telemetry"
	"github.com/duclems/pointsbot/twitchapi"
)

// State is the loop lifecycle.
type State int32

const (
	Idle State = iota
	Authenticating
	Loading
	Polling
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case Loading:
		return "loading"
	case Polling:
		return "polling"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Platform is the Helix capability set the loop needs.
type Platform interface {
	ratecontrol.RewardUpdater
	GetRedemptions(ctx context.Context, rewardID, status, after string) (twitchapi.RedemptionPage, error)
	CreatePoll(ctx context.Context, title string, choices []string, duration time.Duration) (*twitchapi.Poll, error)
	SendAnnouncement(ctx context.Context, message, color string) error
}

// Authenticator blocks until a usable credential exists.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context) error { return f(ctx) }

// Announcer records the question currently pinned in chat.
type Announcer interface {
	Set(ctx context.Context, subject string) error
	Clear(ctx context.Context) error
}

// Reloadable is a document (the command table) picked up again when edited.
type Reloadable interface {
	Load(ctx context.Context)
	CheckAndReloadIfModified(ctx context.Context) bool
}

type Options struct {
	PollRewardID         string
	AnnouncementRewardID string
	Interval             time.Duration
	PollDuration         time.Duration
	AnnouncementPrefix   string
	AnnouncementColor    string
	ReminderSchedule     string
	ReminderMessage      string
	// ActionTimeout bounds the Helix work of a single iteration.
	ActionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.PollDuration <= 0 {
		o.PollDuration = time.Minute
	}
	if o.AnnouncementColor == "" {
		o.AnnouncementColor = "purple"
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = time.Minute
	}
	return o
}

// Deps are the collaborators the loop owns for its lifetime.
type Deps struct {
	Auth          Authenticator
	API           Platform
	Polls         *pool.Pool
	Announcements *pool.Pool
	Commands      Reloadable // optional
	Dedup         *dedup.Set
	Current       Announcer
	Clock         clockwork.Clock
}

// Engine is the polling loop. Run it once.
type Engine struct {
	opts  Options
	deps  Deps
	rates *ratecontrol.Controller
	clock clockwork.Clock
	cron  *cron.Cron

	state atomic.Int32

	// cursors and generations are only touched from the loop goroutine
	pollCursor         string
	announcementCursor string
	pollGen            uint64
	announcementGen    uint64
}

func New(deps Deps, opts Options) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		opts:  opts.withDefaults(),
		deps:  deps,
		rates: ratecontrol.New(deps.API),
		clock: clock,
	}
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	if prev != s {
		slog.Info("engine state", slog.String("from", prev.String()), slog.String("to", s.String()), slog.String("component", "engine"))
	}
}

// Run authenticates, loads state and polls until ctx is cancelled. Only a failed
// authentication or an invalid reminder schedule makes it return an error.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setState(Stopped)

	e.setState(Authenticating)
	if e.deps.Auth != nil {
		if err := e.deps.Auth.Authenticate(ctx); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	e.setState(Loading)
	if err := e.load(ctx); err != nil {
		return err
	}
	defer func() {
		if e.cron != nil {
			<-e.cron.Stop().Done()
		}
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.deps.Dedup.Flush(flushCtx); err != nil {
			slog.Warn("dedup flush on stop failed", slog.Any("err", err), slog.String("component", "engine"))
		}
	}()

	e.setState(Polling)
	slog.Info("engine polling", slog.Duration("interval", e.opts.Interval), slog.String("component", "engine"))
	ticker := e.clock.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		// one bad iteration never stops the loop
		e.Iterate(ctx)
		select {
		case <-ctx.Done():
			slog.Info("engine stopped", slog.String("component", "engine"))
			return nil
		case <-ticker.Chan():
		}
	}
}

func (e *Engine) load(ctx context.Context) error {
	e.deps.Polls.Load(ctx)
	e.deps.Announcements.Load(ctx)
	if e.deps.Commands != nil {
		e.deps.Commands.Load(ctx)
	}
	e.deps.Dedup.Load(ctx)

	if e.opts.ReminderSchedule != "" && e.opts.ReminderMessage != "" {
		c := cron.New()
		if _, err := c.AddFunc(e.opts.ReminderSchedule, func() { e.sendReminder(ctx) }); err != nil {
			return fmt.Errorf("reminder schedule %q: %w", e.opts.ReminderSchedule, err)
		}
		c.Start()
		e.cron = c
		slog.Info("reminder scheduled", slog.String("schedule", e.opts.ReminderSchedule), slog.String("component", "engine"))
	}

	e.pollGen = e.deps.Polls.Generation()
	e.announcementGen = e.deps.Announcements.Generation()
	e.applyRates(ctx, e.deps.Polls, e.opts.PollRewardID, ratecontrol.PollPolicy)
	e.applyRates(ctx, e.deps.Announcements, e.opts.AnnouncementRewardID, ratecontrol.AnnouncementPolicy)
	return nil
}

func (e *Engine) sendReminder(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.ActionTimeout)
	defer cancel()
	if err := e.deps.API.SendAnnouncement(ctx, e.opts.ReminderMessage, e.opts.AnnouncementColor); err != nil {
		slog.Warn("reminder announcement failed", slog.Any("err", err), slog.String("component", "engine"))
		return
	}
	slog.Info("reminder announcement sent", slog.String("component", "engine"))
}

func (e *Engine) applyRates(ctx context.Context, p *pool.Pool, rewardID string, policy ratecontrol.Policy) {
	n := p.AvailableCount()
	telemetry.SetPoolRemaining(p.Name(), n)
	if rewardID == "" {
		return
	}
	// failures are logged by the controller; the loop carries on
	_ = e.rates.Apply(ctx, rewardID, policy, n)
}

// Iterate runs one polling pass: reload edited documents, fetch both reward
// queues, then handle poll redemptions before announcement redemptions, each in
// the order the queue returned them.
func (e *Engine) Iterate(ctx context.Context) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "engine", "engine.iteration")
	defer span.End()
	// in-flight Helix work finishes on its own timeout after shutdown starts
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ActionTimeout)
	defer cancel()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "engine"))

	telemetry.TimeFunc(telemetry.IterationDuration, func() {
		e.reloadIfModified(ctx)

		polls, announcements, err := e.fetch(ctx)
		if err != nil {
			telemetry.RecordError(span, err)
			if errors.Is(err, twitchapi.ErrAuthRequired) {
				log.Error("redemption fetch needs re-authentication", slog.Any("err", err))
			} else {
				log.Warn("redemption fetch failed", slog.Any("err", err))
			}
			return
		}
		span.SetAttributes(attribute.Int("redemptions.polls", len(polls)), attribute.Int("redemptions.announcements", len(announcements)))

		for _, r := range polls {
			if e.claim(ctx, r) {
				e.handlePoll(ctx, r)
			}
		}
		for _, r := range announcements {
			if e.claim(ctx, r) {
				e.handleAnnouncement(ctx, r)
			}
		}
		if err := e.deps.Dedup.Flush(ctx); err != nil {
			log.Warn("dedup flush failed", slog.Any("err", err))
		}
		telemetry.SetSpanSuccess(span)
	})
}

// reloadIfModified picks up edited documents. The pools are shared with the
// query server, which may have reloaded one first, so rates follow the pool
// generation rather than the result of this pass's check.
func (e *Engine) reloadIfModified(ctx context.Context) {
	e.deps.Polls.CheckAndReloadIfModified(ctx)
	if g := e.deps.Polls.Generation(); g != e.pollGen {
		e.pollGen = g
		slog.Info("poll pool reloaded", slog.String("component", "engine"))
		e.applyRates(ctx, e.deps.Polls, e.opts.PollRewardID, ratecontrol.PollPolicy)
	}
	e.deps.Announcements.CheckAndReloadIfModified(ctx)
	if g := e.deps.Announcements.Generation(); g != e.announcementGen {
		e.announcementGen = g
		slog.Info("announcement pool reloaded", slog.String("component", "engine"))
		e.applyRates(ctx, e.deps.Announcements, e.opts.AnnouncementRewardID, ratecontrol.AnnouncementPolicy)
	}
	if e.deps.Commands != nil && e.deps.Commands.CheckAndReloadIfModified(ctx) {
		slog.Info("command table reloaded", slog.String("component", "engine"))
	}
}

// fetch reads both queues concurrently. Each queue keeps its own cursor; an
// exhausted page list resets it so the next pass starts over.
func (e *Engine) fetch(ctx context.Context) (polls, announcements []twitchapi.Redemption, err error) {
	var (
		wg                sync.WaitGroup
		pollPage, annPage twitchapi.RedemptionPage
		pollErr, annErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		pollPage, pollErr = e.deps.API.GetRedemptions(ctx, e.opts.PollRewardID, "", e.pollCursor)
	}()
	go func() {
		defer wg.Done()
		annPage, annErr = e.deps.API.GetRedemptions(ctx, e.opts.AnnouncementRewardID, "", e.announcementCursor)
	}()
	wg.Wait()
	if err := errors.Join(pollErr, annErr); err != nil {
		return nil, nil, err
	}
	e.pollCursor = pollPage.Cursor
	e.announcementCursor = annPage.Cursor
	return pollPage.Redemptions, annPage.Redemptions, nil
}

// claim records r as processed before anything acts on it. A redemption that
// cannot be recorded is not acted on.
func (e *Engine) claim(ctx context.Context, r twitchapi.Redemption) bool {
	if e.deps.Dedup.Has(r.ID) {
		e.deps.Dedup.Touch(r.ID)
		telemetry.IncDuplicate()
		return false
	}
	if err := e.deps.Dedup.Add(ctx, r.ID); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("persist processed redemption failed, skipping", slog.String("redemption_id", r.ID), slog.Any("err", err), slog.String("component", "engine"))
		telemetry.IncActionFailed("dedup")
		return false
	}
	return true
}

func requester(r twitchapi.Redemption) string {
	switch {
	case r.UserInput != "":
		return r.UserInput
	case r.UserName != "":
		return r.UserName
	}
	return "viewer"
}

func (e *Engine) handlePoll(ctx context.Context, r twitchapi.Redemption) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("redemption_id", r.ID), slog.String("kind", "poll"), slog.String("component", "engine"))
	log.Info("poll redemption", slog.String("by", requester(r)))

	it, remaining, err := e.deps.Polls.Take(ctx, func(ctx context.Context, it pool.Item) error {
		_, err := e.deps.API.CreatePoll(ctx, it.Question, it.Answers, e.opts.PollDuration)
		return err
	})
	if e.failed(log, "poll", it, err) {
		return
	}
	telemetry.IncRedemption("poll")
	log.Info("poll created", slog.String("question", it.Question), slog.Int("remaining", remaining))
	e.applyRates(ctx, e.deps.Polls, e.opts.PollRewardID, ratecontrol.PollPolicy)
}

func (e *Engine) handleAnnouncement(ctx context.Context, r twitchapi.Redemption) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("redemption_id", r.ID), slog.String("kind", "announcement"), slog.String("component", "engine"))
	log.Info("announcement redemption", slog.String("by", requester(r)))

	it, remaining, err := e.deps.Announcements.Take(ctx, func(ctx context.Context, it pool.Item) error {
		if err := e.deps.Current.Set(ctx, it.Question); err != nil {
			log.Warn("persist current announcement failed", slog.Any("err", err))
		}
		msg := it.Question
		if e.opts.AnnouncementPrefix != "" {
			msg = e.opts.AnnouncementPrefix + " " + it.Question
		}
		if err := e.deps.API.SendAnnouncement(ctx, msg, e.opts.AnnouncementColor); err != nil {
			if cerr := e.deps.Current.Clear(ctx); cerr != nil {
				log.Warn("clear current announcement failed", slog.Any("err", cerr))
			}
			return err
		}
		return nil
	})
	if e.failed(log, "announcement", it, err) {
		return
	}
	telemetry.IncRedemption("announcement")
	log.Info("announcement pinned", slog.String("question", it.Question), slog.Int("remaining", remaining))
	e.applyRates(ctx, e.deps.Announcements, e.opts.AnnouncementRewardID, ratecontrol.AnnouncementPolicy)
}

// failed logs err by taxonomy and reports whether the redemption was abandoned.
func (e *Engine) failed(log *slog.Logger, kind string, it pool.Item, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, pool.ErrPersist):
		// the action happened and memory is authoritative; the next write retries
		log.Warn(kind+" done but pool not persisted", slog.String("question", it.Question), slog.Any("err", err))
		return false
	case errors.Is(err, pool.ErrEmptyPool):
		log.Warn("no content left, redemption skipped")
	case errors.Is(err, pool.ErrInvalidItem), errors.Is(err, twitchapi.ErrInvalidPoll):
		log.Warn("invalid content item, redemption skipped", slog.String("question", it.Question), slog.Any("err", err))
		telemetry.IncActionFailed(kind)
	default:
		log.Error(kind+" action failed", slog.String("question", it.Question), slog.Any("err", err))
		telemetry.IncActionFailed(kind)
	}
	return true
}
