// Package commands holds the chat command table: a global table anyone can use
// and a moderator table reserved for moderators and the broadcaster. Each entry
// answers with a literal text, a random pick among choices, or an automatically
// computed response.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duclems/pointsbot/store"
)

// ErrInvalidCommand wraps every validation failure on add.
var ErrInvalidCommand = errors.New("invalid command")

// Scope selects one of the two tables.
type Scope string

const (
	Global    Scope = "global"
	Moderator Scope = "moderator"
)

// Kind tags a Response.
type Kind int

const (
	Literal Kind = iota
	Random
	Auto
)

// AutoList is the only computed response: the list of visible global commands.
const AutoList = "list"

// EmptyListText answers an auto list when no command is visible.
const EmptyListText = "Aucune commande disponible"

// Response is what a command answers with. Text is set for Literal, Choices for
// Random and AutoKind for Auto.
type Response struct {
	Kind     Kind
	Text     string
	Choices  []string
	AutoKind string
}

func LiteralResponse(text string) Response { return Response{Kind: Literal, Text: text} }
func RandomResponse(choices ...string) Response { return Response{Kind: Random, Choices: choices} }
func AutoResponse(kind string) Response { return Response{Kind: Auto, AutoKind: kind} }

type Entry struct {
	Name         string
	Response     Response
	Description  string
	RequiresArgs bool
	HideFromList bool
}

// entryJSON is the on-disk form, where the response kind is folded into the
// response string ("random", "auto" or the literal text).
type entryJSON struct {
	Response        string   `json:"response"`
	RandomResponses []string `json:"randomResponses,omitempty"`
	Auto            string   `json:"auto,omitempty"`
	Description     string   `json:"description,omitempty"`
	RequiresArgs    bool     `json:"requiresArgs,omitempty"`
	HideFromList    bool     `json:"hideFromList,omitempty"`
}

type document struct {
	Commands struct {
		Global    map[string]entryJSON `json:"global"`
		Moderator map[string]entryJSON `json:"moderator"`
	} `json:"commands"`
}

func decodeEntry(name string, ej entryJSON) Entry {
	e := Entry{Name: name, Description: ej.Description, RequiresArgs: ej.RequiresArgs, HideFromList: ej.HideFromList}
	switch ej.Response {
	case "random":
		e.Response = RandomResponse(ej.RandomResponses...)
	case "auto":
		kind := ej.Auto
		if kind == "" && isListName(name) {
			kind = AutoList
		}
		e.Response = AutoResponse(kind)
	default:
		e.Response = LiteralResponse(ej.Response)
	}
	return e
}

func encodeEntry(e Entry) entryJSON {
	ej := entryJSON{Description: e.Description, RequiresArgs: e.RequiresArgs, HideFromList: e.HideFromList}
	switch e.Response.Kind {
	case Random:
		ej.Response, ej.RandomResponses = "random", e.Response.Choices
	case Auto:
		ej.Response = "auto"
		if !isListName(e.Name) {
			ej.Auto = e.Response.AutoKind
		}
	default:
		ej.Response = e.Response.Text
	}
	return ej
}

func isListName(name string) bool {
	n := strings.ToLower(name)
	return n == "list" || n == "liste"
}

// Table is the persisted pair of command tables. Lookups are case-insensitive.
type Table struct {
	backend store.Backend

	mu        sync.RWMutex
	tables    map[Scope]map[string]Entry // keyed by lowercased name
	watermark time.Time

	intn func(n int) int
}

func New(backend store.Backend) *Table {
	return &Table{
		backend: backend,
		tables:  map[Scope]map[string]Entry{Global: {}, Moderator: {}},
		intn:    rand.IntN,
	}
}

// Load replaces both tables with the persisted document. A missing or
// unreadable document yields empty tables.
func (t *Table) Load(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked(ctx)
}

func (t *Table) loadLocked(ctx context.Context) {
	log := slog.With(slog.String("component", "commands"))
	if mt, err := t.backend.ModTime(ctx, store.KeyCommands); err == nil {
		t.watermark = mt
	}
	var doc document
	if err := store.LoadJSON(ctx, t.backend, store.KeyCommands, &doc); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("commands document unreadable, starting empty", slog.Any("err", err))
		}
		t.tables = map[Scope]map[string]Entry{Global: {}, Moderator: {}}
		return
	}
	next := map[Scope]map[string]Entry{Global: {}, Moderator: {}}
	for name, ej := range doc.Commands.Global {
		next[Global][strings.ToLower(name)] = decodeEntry(name, ej)
	}
	for name, ej := range doc.Commands.Moderator {
		next[Moderator][strings.ToLower(name)] = decodeEntry(name, ej)
	}
	t.tables = next
	log.Info("commands loaded", slog.Int("global", len(next[Global])), slog.Int("moderator", len(next[Moderator])))
}

// CheckAndReloadIfModified reloads when the document changed since the last
// load or save and reports whether it did.
func (t *Table) CheckAndReloadIfModified(ctx context.Context) bool {
	mt, err := t.backend.ModTime(ctx, store.KeyCommands)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !mt.After(t.watermark) {
		return false
	}
	t.loadLocked(ctx)
	return true
}

// Find looks name up in the global table, then in the moderator table when
// privileged is set.
func (t *Table) Find(name string, privileged bool) (Entry, bool) {
	key := strings.ToLower(strings.TrimPrefix(name, "!"))
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.tables[Global][key]; ok {
		return e, true
	}
	if privileged {
		if e, ok := t.tables[Moderator][key]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// List returns the entries of scope sorted by name.
func (t *Table) List(scope Scope) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.tables[scope]))
	for _, e := range t.tables[scope] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

// Add validates e and stores it in scope, replacing any entry of the same name.
func (t *Table) Add(ctx context.Context, scope Scope, e Entry) error {
	if err := validScope(scope); err != nil {
		return err
	}
	e.Name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(e.Name), "!"))
	if err := Validate(e); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next := cloneTables(t.tables)
	next[scope][strings.ToLower(e.Name)] = e
	return t.commitLocked(ctx, next)
}

// Remove deletes name from scope. It reports false when nothing matched.
func (t *Table) Remove(ctx context.Context, scope Scope, name string) (bool, error) {
	if err := validScope(scope); err != nil {
		return false, err
	}
	key := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "!"))
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tables[scope][key]; !ok {
		return false, nil
	}
	next := cloneTables(t.tables)
	delete(next[scope], key)
	return true, t.commitLocked(ctx, next)
}

// Resolve computes the raw response text of e, before variable substitution.
func (t *Table) Resolve(e Entry) string {
	switch e.Response.Kind {
	case Random:
		if len(e.Response.Choices) == 0 {
			return ""
		}
		return e.Response.Choices[t.intn(len(e.Response.Choices))]
	case Auto:
		if e.Response.AutoKind != AutoList {
			return "Commande automatique non reconnue"
		}
		return t.listing(e.Name)
	default:
		return e.Response.Text
	}
}

// listing joins the visible global command names, leaving out self.
func (t *Table) listing(self string) string {
	var names []string
	for _, e := range t.List(Global) {
		if e.HideFromList || strings.EqualFold(e.Name, self) {
			continue
		}
		names = append(names, e.Name)
	}
	if len(names) == 0 {
		return EmptyListText
	}
	return strings.Join(names, " • ")
}

func (t *Table) commitLocked(ctx context.Context, next map[Scope]map[string]Entry) error {
	t.tables = next
	var doc document
	doc.Commands.Global = make(map[string]entryJSON, len(next[Global]))
	doc.Commands.Moderator = make(map[string]entryJSON, len(next[Moderator]))
	for _, e := range next[Global] {
		doc.Commands.Global[e.Name] = encodeEntry(e)
	}
	for _, e := range next[Moderator] {
		doc.Commands.Moderator[e.Name] = encodeEntry(e)
	}
	if err := store.SaveJSON(ctx, t.backend, store.KeyCommands, doc); err != nil {
		return fmt.Errorf("persist commands: %w", err)
	}
	if mt, err := t.backend.ModTime(ctx, store.KeyCommands); err == nil {
		t.watermark = mt
	}
	return nil
}

// Validate checks a command entry before it is stored.
func Validate(e Entry) error {
	switch {
	case e.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidCommand)
	case strings.ContainsAny(e.Name, " \t\n"):
		return fmt.Errorf("%w: name %q contains whitespace", ErrInvalidCommand, e.Name)
	}
	switch e.Response.Kind {
	case Literal:
		if strings.TrimSpace(e.Response.Text) == "" {
			return fmt.Errorf("%w: empty response", ErrInvalidCommand)
		}
		if t := strings.TrimSpace(e.Response.Text); t == "random" || t == "auto" {
			return fmt.Errorf("%w: %q is reserved", ErrInvalidCommand, t)
		}
	case Random:
		if len(e.Response.Choices) == 0 {
			return fmt.Errorf("%w: random response needs at least one choice", ErrInvalidCommand)
		}
		for i, c := range e.Response.Choices {
			if strings.TrimSpace(c) == "" {
				return fmt.Errorf("%w: choice %d is empty", ErrInvalidCommand, i+1)
			}
		}
	case Auto:
		if e.Response.AutoKind != AutoList {
			return fmt.Errorf("%w: unknown auto response %q", ErrInvalidCommand, e.Response.AutoKind)
		}
	default:
		return fmt.Errorf("%w: unknown response kind", ErrInvalidCommand)
	}
	return nil
}

func validScope(s Scope) error {
	if s != Global && s != Moderator {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidCommand, s)
	}
	return nil
}

func cloneTables(in map[Scope]map[string]Entry) map[Scope]map[string]Entry {
	out := make(map[Scope]map[string]Entry, len(in))
	for s, tbl := range in {
		cp := make(map[string]Entry, len(tbl))
		for k, v := range tbl {
			cp[k] = v
		}
		out[s] = cp
	}
	return out
}
