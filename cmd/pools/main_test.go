package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/duclems/pointsbot/pool"
	"github.com/duclems/pointsbot/store"
)

func newPool(t *testing.T, name string) *pool.Pool {
	t.Helper()
	b, err := store.NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, err := selectPool(name, b)
	if err != nil {
		t.Fatal(err)
	}
	p.Load(context.Background())
	return p
}

func TestPoolLifecycle(t *testing.T) {
	p := newPool(t, "polls")
	ctx := context.Background()
	var out bytes.Buffer

	steps := []struct {
		args []string
		want string
	}{
		{[]string{"add", "Pizza ou burger ?", "Pizza", "Burger"}, "added to polls"},
		{[]string{"add", "Mer ou montagne ?", "Mer", "Montagne", "Les deux"}, "added to polls"},
		{[]string{"status"}, "polls: 2/2 available"},
		{[]string{"list"}, "- Montagne"},
		{[]string{"remove", "Mer ou montagne ?"}, "removed from polls"},
		{[]string{"status"}, "polls: 1/1 available"},
	}
	for _, s := range steps {
		out.Reset()
		if err := run(ctx, p, s.args, &out); err != nil {
			t.Fatalf("run(%v) error = %v", s.args, err)
		}
		if !strings.Contains(out.String(), s.want) {
			t.Fatalf("run(%v) output %q does not contain %q", s.args, out.String(), s.want)
		}
	}
}

func TestPoolReset(t *testing.T) {
	p := newPool(t, "announcements")
	ctx := context.Background()
	var out bytes.Buffer
	if err := run(ctx, p, []string{"add", "Votre jeu préféré ?"}, &out); err != nil {
		t.Fatal(err)
	}
	if err := p.MarkUsed(ctx, "Votre jeu préféré ?"); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := run(ctx, p, []string{"list"}, &out); err != nil || !strings.Contains(out.String(), "✗") {
		t.Fatalf("list after use = %q, %v", out.String(), err)
	}
	if err := run(ctx, p, []string{"reset"}, &out); err != nil {
		t.Fatal(err)
	}
	if p.AvailableCount() != 1 {
		t.Errorf("available after reset = %d", p.AvailableCount())
	}
}

func TestPoolErrors(t *testing.T) {
	p := newPool(t, "polls")
	ctx := context.Background()
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"no command", nil, errUsage},
		{"unknown command", []string{"shuffle"}, errUsage},
		{"add without question", []string{"add"}, errUsage},
		{"poll with one answer", []string{"add", "Oui ?", "Oui"}, pool.ErrInvalidItem},
		{"remove unknown", []string{"remove", "Absente ?"}, pool.ErrItemNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(ctx, p, tt.args, &bytes.Buffer{}); !errors.Is(err, tt.want) {
				t.Errorf("run(%v) error = %v, want %v", tt.args, err, tt.want)
			}
		})
	}
}

func TestSelectPool(t *testing.T) {
	b, err := store.NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := selectPool("giveaways", b); err == nil {
		t.Error("expected error for unknown pool")
	}
	p, err := selectPool("announcements", b)
	if err != nil || p.RequiresAnswers() {
		t.Errorf("announcement pool = %v, %v", p, err)
	}
}
