// Command pools manages the poll and announcement question pools.
//
// Usage:
//
//	pools [-pool polls|announcements] list
//	pools [-pool polls|announcements] status
//	pools -pool polls add "Question ?" "Réponse 1" "Réponse 2" [...]
//	pools -pool announcements add "Question ?"
//	pools [-pool ...] remove "Question ?"
//	pools [-pool ...] reset
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/duclems/pointsbot/app"
	"github.com/duclems/pointsbot/config"
	"github.com/duclems/pointsbot/pool"
	"github.com/duclems/pointsbot/store"
)

var errUsage = errors.New("usage: pools [-pool polls|announcements] list|status|add|remove|reset [args]")

func main() {
	which := flag.String("pool", "polls", "Pool to manage: polls or announcements")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	app.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	backend, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", slog.Any("err", err))
		os.Exit(1)
	}
	defer backend.Close()

	p, err := selectPool(*which, backend)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	p.Load(ctx)
	if err := run(ctx, p, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func selectPool(name string, backend store.Backend) (*pool.Pool, error) {
	switch strings.ToLower(name) {
	case "polls", "poll", "sondage":
		return pool.NewPolls(backend), nil
	case "announcements", "announcement", "questions":
		return pool.NewAnnouncements(backend), nil
	}
	return nil, fmt.Errorf("unknown pool %q (want polls or announcements)", name)
}

func run(ctx context.Context, p *pool.Pool, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "list":
		items := p.Items()
		if len(items) == 0 {
			fmt.Fprintf(out, "%s: empty pool\n", p.Name())
			return nil
		}
		for i, it := range items {
			mark := "✓"
			if !it.Available {
				mark = "✗"
			}
			fmt.Fprintf(out, "%3d %s %s\n", i, mark, it.Question)
			for _, a := range it.Answers {
				fmt.Fprintf(out, "        - %s\n", a)
			}
		}
	case "status":
		fmt.Fprintf(out, "%s: %d/%d available\n", p.Name(), p.AvailableCount(), len(p.Items()))
	case "add":
		if len(args) < 2 {
			return errUsage
		}
		it := pool.Item{Question: args[1], Answers: args[2:]}
		if err := p.Add(ctx, it); err != nil {
			return err
		}
		fmt.Fprintf(out, "added to %s: %s\n", p.Name(), strings.TrimSpace(args[1]))
	case "remove":
		if len(args) != 2 {
			return errUsage
		}
		if err := p.Remove(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed from %s: %s\n", p.Name(), args[1])
	case "reset":
		if err := p.ResetAll(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: all %d questions available again\n", p.Name(), len(p.Items()))
	default:
		return errUsage
	}
	return nil
}
