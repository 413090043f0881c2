// Package pool implements the rotating content pools (poll questions and announcement
// questions). Each item carries an availability flag; picking an item and marking it
// used retires it until an explicit reset. Readers get an immutable snapshot, so a
// reload triggered by an external edit swaps the whole pool in one step.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duclems/pointsbot/store"
)

var (
	// ErrEmptyPool is returned when no item is available for selection.
	ErrEmptyPool = errors.New("no available item in pool")
	// ErrInvalidItem wraps every validation failure.
	ErrInvalidItem = errors.New("invalid content item")
	// ErrItemNotFound is returned when no item matches the given text.
	ErrItemNotFound = errors.New("item not found")
	// ErrPersist marks a change applied in memory that could not be written.
	ErrPersist = errors.New("pool change not persisted")
)

const (
	MinAnswers = 2
	MaxAnswers = 5
)

// Item is one question. Identity is the exact Question text.
type Item struct {
	Question  string   `json:"question"`
	Answers   []string `json:"answers,omitempty"`
	Available bool     `json:"status"`
}

type document struct {
	Poll []Item `json:"poll"`
}

// Pool is a persisted, rotating collection of items.
type Pool struct {
	name           string
	key            string
	backend        store.Backend
	requireAnswers bool

	// mu serializes mutations; reads go through snap without locking.
	mu        sync.Mutex
	snap      atomic.Pointer[[]Item]
	watermark time.Time
	// generation counts loads from the backend, whoever triggered them
	generation atomic.Uint64

	// intn returns a uniform value in [0, n); replaced in tests.
	intn func(n int) int
}

// New returns an empty pool persisted under key. Polls set requireAnswers.
func New(name, key string, backend store.Backend, requireAnswers bool) *Pool {
	p := &Pool{name: name, key: key, backend: backend, requireAnswers: requireAnswers, intn: rand.IntN}
	empty := []Item{}
	p.snap.Store(&empty)
	return p
}

// NewPolls returns the poll-question pool.
func NewPolls(backend store.Backend) *Pool { return New("polls", store.KeyPolls, backend, true) }

// NewAnnouncements returns the announcement-question pool.
func NewAnnouncements(backend store.Backend) *Pool {
	return New("announcements", store.KeyAnnouncements, backend, false)
}

// Name identifies the pool in logs and metrics.
func (p *Pool) Name() string { return p.name }

// RequiresAnswers reports whether items in this pool need answers.
func (p *Pool) RequiresAnswers() bool { return p.requireAnswers }

// Load replaces the pool with the persisted document. A missing or unreadable
// document yields an empty pool; the anomaly is logged, never returned.
func (p *Pool) Load(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadLocked(ctx)
}

func (p *Pool) loadLocked(ctx context.Context) {
	log := slog.With(slog.String("pool", p.name), slog.String("component", "pool"))
	if mt, err := p.backend.ModTime(ctx, p.key); err == nil {
		p.watermark = mt
	}
	var doc document
	err := store.LoadJSON(ctx, p.backend, p.key, &doc)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("pool document missing, starting empty")
		doc.Poll = nil
	case err != nil:
		log.Error("pool document unreadable, starting empty", slog.Any("err", err))
		doc.Poll = nil
	}
	items := doc.Poll
	if items == nil {
		items = []Item{}
	}
	p.snap.Store(&items)
	p.generation.Add(1)
	log.Info("pool loaded", slog.Int("items", len(items)), slog.Int("available", countAvailable(items)))
}

// Generation increases every time the pool is (re)loaded from the backend.
// Callers that react to edits compare it with the value they last acted on,
// since any reader may be the one whose check picked the edit up.
func (p *Pool) Generation() uint64 { return p.generation.Load() }

// Items returns the full ordered pool. Callers must not mutate the result.
func (p *Pool) Items() []Item { return *p.snap.Load() }

// Available returns the ordered subsequence of available items.
func (p *Pool) Available() []Item {
	items := p.Items()
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Available {
			out = append(out, it)
		}
	}
	return out
}

// AvailableCount is len(Available()) without the copy.
func (p *Pool) AvailableCount() int { return countAvailable(p.Items()) }

// Find returns the first item whose question equals text.
func (p *Pool) Find(text string) (Item, bool) {
	for _, it := range p.Items() {
		if it.Question == text {
			return it, true
		}
	}
	return Item{}, false
}

// PickRandom returns a uniformly chosen available item, or ErrEmptyPool.
func (p *Pool) PickRandom() (Item, error) {
	avail := p.Available()
	if len(avail) == 0 {
		return Item{}, ErrEmptyPool
	}
	return avail[p.intn(len(avail))], nil
}

// Take picks a random available item, runs act on it and marks it used only when
// act succeeds. The pool stays locked for the whole sequence, so no other caller
// can pick the same item in between. It returns the item and the remaining
// available count. An error matching ErrPersist means act succeeded and the
// item is retired in memory, but the pool could not be written.
func (p *Pool) Take(ctx context.Context, act func(ctx context.Context, it Item) error) (Item, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, err := p.PickRandom()
	if err != nil {
		return Item{}, 0, err
	}
	if p.requireAnswers {
		// content files are hand-edited; re-check before acting on the item
		if err := ValidateItem(it, true); err != nil {
			return it, p.AvailableCount(), err
		}
	}
	if err := act(ctx, it); err != nil {
		return it, p.AvailableCount(), err
	}
	if err := p.markUsedLocked(ctx, it.Question); err != nil {
		return it, p.AvailableCount(), err
	}
	return it, p.AvailableCount(), nil
}

// MarkUsed retires the first available item whose question equals text and persists.
func (p *Pool) MarkUsed(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.markUsedLocked(ctx, text)
}

func (p *Pool) markUsedLocked(ctx context.Context, text string) error {
	cur := p.Items()
	idx := -1
	for i, it := range cur {
		if it.Question == text {
			if it.Available {
				idx = i
				break
			}
			if idx < 0 {
				idx = -2 // present, already used
			}
		}
	}
	switch idx {
	case -1:
		return fmt.Errorf("%w: %q", ErrItemNotFound, text)
	case -2:
		return nil
	}
	next := append([]Item(nil), cur...)
	next[idx].Available = false
	return p.commitLocked(ctx, next)
}

// ResetAll makes every item available again and persists.
func (p *Pool) ResetAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := append([]Item(nil), p.Items()...)
	for i := range next {
		next[i].Available = true
	}
	return p.commitLocked(ctx, next)
}

// Add validates and appends an available item, then persists.
func (p *Pool) Add(ctx context.Context, it Item) error {
	it.Question = strings.TrimSpace(it.Question)
	it.Answers = append([]string(nil), it.Answers...)
	for i := range it.Answers {
		it.Answers[i] = strings.TrimSpace(it.Answers[i])
	}
	if err := ValidateItem(it, p.requireAnswers); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.Find(it.Question); dup {
		return fmt.Errorf("%w: question already exists", ErrInvalidItem)
	}
	it.Available = true
	next := append(append([]Item(nil), p.Items()...), it)
	return p.commitLocked(ctx, next)
}

// Remove deletes every item whose question equals text and persists.
func (p *Pool) Remove(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.Items()
	next := make([]Item, 0, len(cur))
	for _, it := range cur {
		if it.Question != text {
			next = append(next, it)
		}
	}
	if len(next) == len(cur) {
		return fmt.Errorf("%w: %q", ErrItemNotFound, text)
	}
	return p.commitLocked(ctx, next)
}

// CheckAndReloadIfModified reloads the pool when the backing document changed
// since the last load or save and reports whether it did.
func (p *Pool) CheckAndReloadIfModified(ctx context.Context) bool {
	mt, err := p.backend.ModTime(ctx, p.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("pool mod time check failed", slog.String("pool", p.name), slog.Any("err", err))
		}
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !mt.After(p.watermark) {
		return false
	}
	p.loadLocked(ctx)
	return true
}

// commitLocked swaps in next and persists it. The in-memory snapshot stays
// authoritative when the write fails.
func (p *Pool) commitLocked(ctx context.Context, next []Item) error {
	p.snap.Store(&next)
	if err := store.SaveJSON(ctx, p.backend, p.key, document{Poll: next}); err != nil {
		return fmt.Errorf("%w: pool %s: %w", ErrPersist, p.name, err)
	}
	// our own write must not look like an external edit
	if mt, err := p.backend.ModTime(ctx, p.key); err == nil {
		p.watermark = mt
	}
	return nil
}

// ValidateItem checks a question and, when requireAnswers is set, its 2-5 answers.
func ValidateItem(it Item, requireAnswers bool) error {
	if strings.TrimSpace(it.Question) == "" {
		return fmt.Errorf("%w: question must not be empty", ErrInvalidItem)
	}
	if !requireAnswers {
		return nil
	}
	if len(it.Answers) < MinAnswers {
		return fmt.Errorf("%w: at least %d answers required", ErrInvalidItem, MinAnswers)
	}
	if len(it.Answers) > MaxAnswers {
		return fmt.Errorf("%w: at most %d answers allowed", ErrInvalidItem, MaxAnswers)
	}
	for i, a := range it.Answers {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("%w: answer %d is empty", ErrInvalidItem, i+1)
		}
	}
	return nil
}

func countAvailable(items []Item) int {
	n := 0
	for _, it := range items {
		if it.Available {
			n++
		}
	}
	return n
}
