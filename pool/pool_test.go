package pool

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/duclems/pointsbot/store"
)

func newFileBackend(t *testing.T) *store.File {
	t.Helper()
	b, err := store.NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func seed(t *testing.T, b store.Backend, key string, items []Item) {
	t.Helper()
	if err := store.SaveJSON(context.Background(), b, key, document{Poll: items}); err != nil {
		t.Fatal(err)
	}
}

func pollItems() []Item {
	return []Item{
		{Question: "Pizza ou burger ?", Answers: []string{"Pizza", "Burger"}, Available: true},
		{Question: "Chat ou chien ?", Answers: []string{"Chat", "Chien"}, Available: false},
		{Question: "Mer ou montagne ?", Answers: []string{"Mer", "Montagne", "Les deux"}, Available: true},
	}
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	b := newFileBackend(t)
	p := NewPolls(b)
	p.Load(context.Background())
	if len(p.Items()) != 0 {
		t.Fatalf("missing document should load empty, got %d items", len(p.Items()))
	}
	if err := os.WriteFile(b.Path(store.KeyPolls), []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.Load(context.Background())
	if len(p.Items()) != 0 {
		t.Fatalf("corrupt document should load empty, got %d items", len(p.Items()))
	}
	if _, err := p.PickRandom(); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("PickRandom() on empty pool error = %v, want ErrEmptyPool", err)
	}
}

func TestAvailableIsSubsetAndMarkUsed(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	seed(t, b, store.KeyPolls, pollItems())
	p := NewPolls(b)
	p.Load(ctx)

	avail := p.Available()
	if len(avail) != 2 {
		t.Fatalf("Available() = %d items, want 2", len(avail))
	}
	for _, a := range avail {
		if _, ok := p.Find(a.Question); !ok {
			t.Errorf("available item %q not in pool", a.Question)
		}
	}

	if err := p.MarkUsed(ctx, "Pizza ou burger ?"); err != nil {
		t.Fatalf("MarkUsed() error = %v", err)
	}
	for _, a := range p.Available() {
		if a.Question == "Pizza ou burger ?" {
			t.Fatal("used item still available")
		}
	}
	if err := p.MarkUsed(ctx, "nope"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("MarkUsed(unknown) error = %v, want ErrItemNotFound", err)
	}

	if err := p.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll() error = %v", err)
	}
	if got := p.AvailableCount(); got != 3 {
		t.Errorf("after ResetAll AvailableCount() = %d, want 3", got)
	}
}

func TestPickRandomReturnsAvailableMember(t *testing.T) {
	b := newFileBackend(t)
	seed(t, b, store.KeyPolls, pollItems())
	p := NewPolls(b)
	p.Load(context.Background())
	for i := 0; i < 50; i++ {
		it, err := p.PickRandom()
		if err != nil {
			t.Fatalf("PickRandom() error = %v", err)
		}
		if !it.Available {
			t.Fatalf("picked unavailable item %q", it.Question)
		}
	}
	// index selection goes through intn over the available subset only
	p.intn = func(n int) int { return n - 1 }
	it, _ := p.PickRandom()
	if it.Question != "Mer ou montagne ?" {
		t.Errorf("PickRandom() with last index = %q", it.Question)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	p := NewPolls(b)
	p.Load(ctx)
	for _, it := range pollItems() {
		if err := p.Add(ctx, it); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if err := p.MarkUsed(ctx, "Chat ou chien ?"); err != nil {
		t.Fatal(err)
	}
	reloaded := NewPolls(b)
	reloaded.Load(ctx)
	if !reflect.DeepEqual(p.Items(), reloaded.Items()) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", reloaded.Items(), p.Items())
	}
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	p := NewPolls(newFileBackend(t))
	p.Load(ctx)
	tests := []struct {
		name string
		item Item
	}{
		{"empty question", Item{Question: "  ", Answers: []string{"a", "b"}}},
		{"one answer", Item{Question: "q", Answers: []string{"a"}}},
		{"six answers", Item{Question: "q", Answers: []string{"a", "b", "c", "d", "e", "f"}}},
		{"blank answer", Item{Question: "q", Answers: []string{"a", " "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.Add(ctx, tt.item); !errors.Is(err, ErrInvalidItem) {
				t.Errorf("Add() error = %v, want ErrInvalidItem", err)
			}
		})
	}
	ann := NewAnnouncements(newFileBackend(t))
	ann.Load(ctx)
	if err := ann.Add(ctx, Item{Question: "Votre jeu préféré ?"}); err != nil {
		t.Errorf("announcement without answers should be valid: %v", err)
	}
	if err := ann.Add(ctx, Item{Question: "Votre jeu préféré ?"}); !errors.Is(err, ErrInvalidItem) {
		t.Errorf("duplicate question error = %v, want ErrInvalidItem", err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	seed(t, b, store.KeyPolls, pollItems())
	p := NewPolls(b)
	p.Load(ctx)
	if err := p.Remove(ctx, "Chat ou chien ?"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(p.Items()) != 2 {
		t.Errorf("len(Items()) = %d, want 2", len(p.Items()))
	}
	if err := p.Remove(ctx, "Chat ou chien ?"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("second Remove() error = %v, want ErrItemNotFound", err)
	}
}

func TestCheckAndReloadIfModified(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	seed(t, b, store.KeyPolls, pollItems())
	p := NewPolls(b)
	p.Load(ctx)

	if p.CheckAndReloadIfModified(ctx) {
		t.Fatal("unchanged document must not reload")
	}
	// own writes move the watermark
	if err := p.MarkUsed(ctx, "Pizza ou burger ?"); err != nil {
		t.Fatal(err)
	}
	if p.CheckAndReloadIfModified(ctx) {
		t.Fatal("own write must not trigger a reload")
	}

	// external edit with a strictly newer mtime
	edited := append(pollItems(), Item{Question: "Thé ou café ?", Answers: []string{"Thé", "Café"}, Available: true})
	seed(t, b, store.KeyPolls, edited)
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(b.Path(store.KeyPolls), future, future); err != nil {
		t.Fatal(err)
	}
	if !p.CheckAndReloadIfModified(ctx) {
		t.Fatal("external edit should trigger a reload")
	}
	if len(p.Items()) != 4 {
		t.Errorf("after reload len(Items()) = %d, want 4", len(p.Items()))
	}
	if p.CheckAndReloadIfModified(ctx) {
		t.Error("second check without change must not reload")
	}
}

func TestTakeMarksOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	seed(t, b, store.KeyPolls, pollItems())
	p := NewPolls(b)
	p.Load(ctx)

	boom := errors.New("upstream down")
	_, remaining, err := p.Take(ctx, func(context.Context, Item) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Take() error = %v, want %v", err, boom)
	}
	if remaining != 2 {
		t.Errorf("failed action must not consume an item, remaining = %d", remaining)
	}

	it, remaining, err := p.Take(ctx, func(context.Context, Item) error { return nil })
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}
	if got, _ := p.Find(it.Question); got.Available {
		t.Errorf("taken item %q still available", it.Question)
	}
}

func TestTakeRevalidatesHandEditedItems(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	seed(t, b, store.KeyPolls, []Item{{Question: "Broken", Answers: []string{"only one"}, Available: true}})
	p := NewPolls(b)
	p.Load(ctx)
	called := false
	_, _, err := p.Take(ctx, func(context.Context, Item) error { called = true; return nil })
	if !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("Take() error = %v, want ErrInvalidItem", err)
	}
	if called {
		t.Error("action must not run for an invalid item")
	}
}

func TestConcurrentTakeNeverRepeats(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	items := make([]Item, 0, 20)
	for i := 0; i < 20; i++ {
		items = append(items, Item{Question: "q" + string(rune('a'+i)), Answers: []string{"x", "y"}, Available: true})
	}
	seed(t, b, store.KeyPolls, items)
	p := NewPolls(b)
	p.Load(ctx)

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = p.Take(ctx, func(_ context.Context, it Item) error {
				mu.Lock()
				seen[it.Question]++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Errorf("expected all 20 items taken once, got %d distinct", len(seen))
	}
	for q, n := range seen {
		if n != 1 {
			t.Errorf("item %q taken %d times", q, n)
		}
	}
	if p.AvailableCount() != 0 {
		t.Errorf("AvailableCount() = %d, want 0", p.AvailableCount())
	}
}

// readOnly wraps a backend whose writes fail once broken is set.
type readOnly struct {
	store.Backend
	broken bool
}

func (r *readOnly) Save(ctx context.Context, key string, data []byte) error {
	if r.broken {
		return errors.New("disk full")
	}
	return r.Backend.Save(ctx, key, data)
}

func TestTakePersistFailureKeepsMemoryAuthoritative(t *testing.T) {
	ctx := context.Background()
	b := &readOnly{Backend: newFileBackend(t)}
	seed(t, b, store.KeyPolls, pollItems())
	p := NewPolls(b)
	p.Load(ctx)

	b.broken = true
	acted := 0
	it, remaining, err := p.Take(ctx, func(context.Context, Item) error { acted++; return nil })
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("Take() error = %v, want ErrPersist", err)
	}
	if acted != 1 {
		t.Fatalf("act ran %d times, want 1", acted)
	}
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}
	if got, _ := p.Find(it.Question); got.Available {
		t.Errorf("item %q still available in memory after a failed write", it.Question)
	}
}

func TestGenerationSeenByEveryReader(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	seed(t, b, store.KeyAnnouncements, []Item{{Question: "Ton jeu préféré ?", Available: true}})
	p := NewAnnouncements(b)
	p.Load(ctx)
	seen := p.Generation()

	if err := p.MarkUsed(ctx, "Ton jeu préféré ?"); err != nil {
		t.Fatal(err)
	}
	if p.Generation() != seen {
		t.Error("own write must not count as a reload")
	}

	seed(t, b, store.KeyAnnouncements, []Item{{Question: "A ?", Available: true}, {Question: "B ?", Available: true}})
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(b.Path(store.KeyAnnouncements), future, future); err != nil {
		t.Fatal(err)
	}
	// one reader picks the edit up; another that checks later sees no change
	// but can still tell from the generation that a reload happened
	if !p.CheckAndReloadIfModified(ctx) {
		t.Fatal("edit not picked up")
	}
	if p.CheckAndReloadIfModified(ctx) {
		t.Fatal("second check must not reload again")
	}
	if p.Generation() == seen {
		t.Error("generation unchanged after a reload")
	}
}
