// Package birthdays stores viewers' birthdays. Each viewer registers once; the
// date cannot be changed from chat afterwards.
package birthdays

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duclems/pointsbot/store"
)

var (
	ErrInvalidDate       = errors.New("invalid date, expected DD/MM/YYYY")
	ErrAlreadyRegistered = errors.New("birthday already registered")
	datePattern          = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)
)

// DateLayout is the only accepted input format.
const DateLayout = "02/01/2006"

// Record is one viewer's birthday. Login is the lowercased map key.
type Record struct {
	Login       string `json:"-"`
	DisplayName string `json:"displayName"`
	Date        string `json:"date"`
}

// Book is the persisted login -> Record map.
type Book struct {
	backend store.Backend

	mu      sync.Mutex
	records map[string]Record
	loaded  bool
}

func New(backend store.Backend) *Book {
	return &Book{backend: backend, records: map[string]Record{}}
}

// ParseDate validates a DD/MM/YYYY string as a real calendar date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if !datePattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		// 31/02/2001 and friends
		return time.Time{}, fmt.Errorf("%w: %q is not a calendar date", ErrInvalidDate, s)
	}
	if d.Year() < 1900 {
		return time.Time{}, fmt.Errorf("%w: year %d", ErrInvalidDate, d.Year())
	}
	return d, nil
}

func (b *Book) loadLocked(ctx context.Context) {
	if b.loaded {
		return
	}
	b.loaded = true
	var raw map[string]Record
	if err := store.LoadJSON(ctx, b.backend, store.KeyBirthdays, &raw); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("birthdays document unreadable, starting empty", slog.Any("err", err), slog.String("component", "birthdays"))
		}
		return
	}
	for k, r := range raw {
		r.Login = strings.ToLower(k)
		b.records[r.Login] = r
	}
}

// Register stores the birthday of login. A second registration for the same
// login returns the existing record with ErrAlreadyRegistered.
func (b *Book) Register(ctx context.Context, login, displayName, date string) (Record, error) {
	if _, err := ParseDate(date); err != nil {
		return Record{}, err
	}
	key := strings.ToLower(strings.TrimSpace(login))
	if key == "" {
		return Record{}, errors.New("empty login")
	}
	if displayName == "" {
		displayName = login
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadLocked(ctx)
	if existing, ok := b.records[key]; ok {
		return existing, ErrAlreadyRegistered
	}
	rec := Record{Login: key, DisplayName: displayName, Date: strings.TrimSpace(date)}
	b.records[key] = rec
	if err := store.SaveJSON(ctx, b.backend, store.KeyBirthdays, b.records); err != nil {
		return rec, fmt.Errorf("persist birthdays: %w", err)
	}
	return rec, nil
}

// Get returns the record of login; a leading @ is ignored.
func (b *Book) Get(ctx context.Context, login string) (Record, bool) {
	key := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(login), "@"))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadLocked(ctx)
	r, ok := b.records[key]
	return r, ok
}

// On returns the records whose day and month match day, sorted by login.
func (b *Book) On(ctx context.Context, day time.Time) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadLocked(ctx)
	var out []Record
	for _, r := range b.records {
		d, err := ParseDate(r.Date)
		if err != nil {
			continue
		}
		if d.Day() == day.Day() && d.Month() == day.Month() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out
}
