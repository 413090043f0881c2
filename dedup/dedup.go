// Package dedup remembers which redemptions were already handled. An id is added
// and persisted before its action runs, so a crash in between skips the action
// instead of repeating it.
//
// Ids are kept while the upstream queue keeps returning them: Touch refreshes an
// id's last-seen time, and ids unseen for longer than the retention horizon are
// dropped when the set is next written. The horizon counts running time only;
// time spent stopped is added back to every id on Load.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/duclems/pointsbot/store"
)

// DefaultRetention is how long an id survives without being seen again.
const DefaultRetention = 7 * 24 * time.Hour

type document struct {
	// Processed keeps the original list form so older state files still load.
	Processed []string             `json:"processed"`
	LastSeen  map[string]time.Time `json:"lastSeen,omitempty"`
	SavedAt   time.Time            `json:"savedAt,omitempty"`
}

// Set is the persisted processed-id set.
type Set struct {
	backend   store.Backend
	clock     clockwork.Clock
	retention time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
	dirty    bool
}

// New returns an empty set; call Load before use.
func New(backend store.Backend, clock clockwork.Clock, retention time.Duration) *Set {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Set{backend: backend, clock: clock, retention: retention, lastSeen: map[string]time.Time{}}
}

// Load reads the persisted set. A missing or corrupt document yields an empty set.
func (s *Set) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = map[string]time.Time{}
	var doc document
	err := store.LoadJSON(ctx, s.backend, store.KeyEngineState, &doc)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return
	case err != nil:
		slog.Error("dedup state unreadable, starting empty", slog.Any("err", err), slog.String("component", "dedup"))
		return
	}
	now := s.clock.Now()
	// the queue was not polled while stopped, so downtime must not age any id
	var downtime time.Duration
	if !doc.SavedAt.IsZero() && now.After(doc.SavedAt) {
		downtime = now.Sub(doc.SavedAt)
	}
	for _, id := range doc.Processed {
		ts, ok := doc.LastSeen[id]
		if !ok || doc.SavedAt.IsZero() {
			// no save time recorded: the horizon starts now
			ts = now
		} else {
			ts = ts.Add(downtime)
		}
		s.lastSeen[id] = ts
	}
	slog.Info("dedup state loaded", slog.Int("ids", len(s.lastSeen)), slog.Duration("downtime", downtime), slog.String("component", "dedup"))
}

// Has reports whether id was already processed.
func (s *Set) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lastSeen[id]
	return ok
}

// Len is the number of remembered ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lastSeen)
}

// Add records id and persists the whole set before returning. Adding an id that
// is already present does not grow the set. The returned error is a persist
// failure; the id stays recorded in memory either way.
func (s *Set) Add(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[id] = s.clock.Now()
	return s.persistLocked(ctx)
}

// Touch refreshes the last-seen time of an already processed id. It only marks
// the set dirty; Flush or the next Add writes it.
func (s *Set) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lastSeen[id]; ok {
		s.lastSeen[id] = s.clock.Now()
		s.dirty = true
	}
}

// Flush persists pending Touch updates, if any.
func (s *Set) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.persistLocked(ctx)
}

func (s *Set) persistLocked(ctx context.Context) error {
	now := s.clock.Now()
	cutoff := now.Add(-s.retention)
	for id, ts := range s.lastSeen {
		if ts.Before(cutoff) {
			delete(s.lastSeen, id)
		}
	}
	doc := document{
		Processed: make([]string, 0, len(s.lastSeen)),
		LastSeen:  make(map[string]time.Time, len(s.lastSeen)),
		SavedAt:   now.UTC(),
	}
	for id, ts := range s.lastSeen {
		doc.Processed = append(doc.Processed, id)
		doc.LastSeen[id] = ts.UTC()
	}
	// oldest first keeps the file diff-friendly
	sort.Slice(doc.Processed, func(i, j int) bool {
		a, b := doc.Processed[i], doc.Processed[j]
		if !s.lastSeen[a].Equal(s.lastSeen[b]) {
			return s.lastSeen[a].Before(s.lastSeen[b])
		}
		return a < b
	})
	if err := store.SaveJSON(ctx, s.backend, store.KeyEngineState, doc); err != nil {
		s.dirty = true
		return fmt.Errorf("persist dedup state: %w", err)
	}
	s.dirty = false
	return nil
}
