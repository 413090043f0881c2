// Package current tracks the "currently displayed" announcement question and
// shoutout target. The record is persisted with its expiry, and every read goes
// back to the store, so readers in another process (or after a restart) see the
// real state. An in-process timer clears the record promptly when the window ends.
package current

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/duclems/pointsbot/store"
)

const (
	AnnouncementWindow = 5 * time.Minute
	ShoutoutWindow     = time.Minute
)

// Record is the persisted form. Subject is stored under the tracker's field name
// ("question" or "username").
type Record struct {
	Subject         string
	StartTime       time.Time
	DurationSeconds int
	ExpiresAt       time.Time
	IsActive        bool
}

// Snapshot is what readers get for an active record.
type Snapshot struct {
	Subject   string
	StartTime time.Time
	// Elapsed is the number of whole seconds since StartTime.
	Elapsed   int
	ExpiresAt time.Time
}

// Tracker owns one singleton record.
type Tracker struct {
	field   string
	key     string
	window  time.Duration
	backend store.Backend
	clock   clockwork.Clock

	mu    sync.Mutex
	timer clockwork.Timer
	gen   uint64
}

// New returns a tracker persisting under key with the given auto-clear window.
func New(field, key string, window time.Duration, backend store.Backend, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{field: field, key: key, window: window, backend: backend, clock: clock}
}

// NewAnnouncement tracks the pinned announcement question (5 minutes).
func NewAnnouncement(backend store.Backend, clock clockwork.Clock) *Tracker {
	return New("question", store.KeyCurrentAnnouncement, AnnouncementWindow, backend, clock)
}

// NewShoutout tracks the current shoutout target (1 minute).
func NewShoutout(backend store.Backend, clock clockwork.Clock) *Tracker {
	return New("username", store.KeyCurrentShoutout, ShoutoutWindow, backend, clock)
}

// Field is the JSON name of the subject ("question" or "username").
func (t *Tracker) Field() string { return t.field }

// Set stamps subject as active from now until now+window, persists it and arms
// the auto-clear timer. A later Set supersedes the earlier timer.
func (t *Tracker) Set(ctx context.Context, subject string) error {
	now := t.clock.Now()
	rec := Record{
		Subject:         subject,
		StartTime:       now,
		DurationSeconds: int(t.window / time.Second),
		ExpiresAt:       now.Add(t.window),
		IsActive:        true,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.save(ctx, rec); err != nil {
		return err
	}
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.AfterFunc(t.window, func() { t.expire(gen) })
	return nil
}

func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.timer = nil
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.clearLocked(ctx); err != nil {
		slog.Warn("auto-clear failed", slog.String("key", t.key), slog.Any("err", err))
		return
	}
	slog.Info("current state auto-cleared", slog.String("key", t.key))
}

// Get re-reads the persisted record. ok is false when nothing is active: no
// record, an explicit tombstone, or an expired window.
func (t *Tracker) Get(ctx context.Context) (Snapshot, bool, error) {
	rec, err := t.load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	now := t.clock.Now()
	if !rec.IsActive || rec.Subject == "" || !now.Before(rec.ExpiresAt) {
		return Snapshot{}, false, nil
	}
	elapsed := int(now.Sub(rec.StartTime) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	return Snapshot{Subject: rec.Subject, StartTime: rec.StartTime, Elapsed: elapsed, ExpiresAt: rec.ExpiresAt}, true, nil
}

// Clear persists an inactive tombstone and disarms the timer.
func (t *Tracker) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return t.clearLocked(ctx)
}

func (t *Tracker) clearLocked(ctx context.Context) error {
	return t.save(ctx, Record{DurationSeconds: int(t.window / time.Second)})
}

// Stop disarms the pending timer without touching the record.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) save(ctx context.Context, rec Record) error {
	doc := map[string]any{
		t.field:     nil,
		"startTime": nil,
		"duration":  rec.DurationSeconds,
		"expiresAt": nil,
		"isActive":  rec.IsActive,
	}
	if rec.Subject != "" {
		doc[t.field] = rec.Subject
	}
	if !rec.StartTime.IsZero() {
		doc["startTime"] = rec.StartTime.UTC().Format(time.RFC3339Nano)
		doc["expiresAt"] = rec.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if err := store.SaveJSON(ctx, t.backend, t.key, doc); err != nil {
		return fmt.Errorf("persist %s: %w", t.key, err)
	}
	return nil
}

func (t *Tracker) load(ctx context.Context) (Record, error) {
	var raw map[string]json.RawMessage
	if err := store.LoadJSON(ctx, t.backend, t.key, &raw); err != nil {
		return Record{}, err
	}
	var rec Record
	var start, expires *time.Time
	_ = json.Unmarshal(raw[t.field], &rec.Subject)
	_ = json.Unmarshal(raw["startTime"], &start)
	_ = json.Unmarshal(raw["expiresAt"], &expires)
	_ = json.Unmarshal(raw["duration"], &rec.DurationSeconds)
	_ = json.Unmarshal(raw["isActive"], &rec.IsActive)
	if start != nil {
		rec.StartTime = *start
	}
	switch {
	case expires != nil:
		rec.ExpiresAt = *expires
	case start != nil:
		// records written before expiresAt existed
		d := time.Duration(rec.DurationSeconds) * time.Second
		if d <= 0 {
			d = t.window
		}
		rec.ExpiresAt = start.Add(d)
	}
	return rec, nil
}
