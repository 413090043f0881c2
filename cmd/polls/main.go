// Command polls starts, lists and ends Twitch polls from the command line.
//
// Usage:
//
//	polls create [-duration 60s]   start a poll with a random question from the pool
//	polls list                     show recent polls
//	polls end                      terminate every active poll
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
	"time"

	"github.com/duclems/pointsbot/app"
	"github.com/duclems/pointsbot/pool"
	"github.com/duclems/pointsbot/twitchapi"
)

var errUsage = errors.New("usage: polls create [-duration 60s] | list | end")

// pollAPI is the Helix subset the command uses.
type pollAPI interface {
	CreatePoll(ctx context.Context, title string, choices []string, duration time.Duration) (*twitchapi.Poll, error)
	ListPolls(ctx context.Context) ([]twitchapi.Poll, error)
	ActivePolls(ctx context.Context) ([]twitchapi.Poll, error)
	EndPoll(ctx context.Context, pollID string) error
	IsLive(ctx context.Context, userID string) (bool, error)
}

type env struct {
	api           pollAPI
	polls         *pool.Pool
	broadcasterID string
	defaultDur    time.Duration
	out           io.Writer
}

func main() {
	flag.Parse()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := app.Connect(ctx)
	if err != nil {
		slog.Error("startup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer a.Close()
	a.Polls.Load(ctx)

	e := &env{api: a.Helix, polls: a.Polls, broadcasterID: a.Helix.Broadcaster(), defaultDur: a.Config.PollDuration, out: os.Stdout}
	if err := e.run(ctx, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func (e *env) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		dur := fs.Duration("duration", e.defaultDur, "Poll duration (15s-30m)")
		if err := fs.Parse(args[1:]); err != nil {
			return errUsage
		}
		return e.create(ctx, *dur)
	case "list":
		polls, err := e.api.ListPolls(ctx)
		if err != nil {
			return err
		}
		if len(polls) == 0 {
			fmt.Fprintln(e.out, "no polls")
		}
		for _, p := range polls {
			choices := make([]string, 0, len(p.Choices))
			for _, c := range p.Choices {
				choices = append(choices, fmt.Sprintf("%s (%d)", c.Title, c.Votes))
			}
			fmt.Fprintf(e.out, "%-10s %s  [%s]  %s\n", p.Status, p.Title, strings.Join(choices, ", "), p.ID)
		}
		return nil
	case "end":
		active, err := e.api.ActivePolls(ctx)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			fmt.Fprintln(e.out, "no active poll")
			return nil
		}
		var errs []error
		for _, p := range active {
			if err := e.api.EndPoll(ctx, p.ID); err != nil {
				errs = append(errs, fmt.Errorf("end poll %s: %w", p.ID, err))
				continue
			}
			fmt.Fprintf(e.out, "ended: %s\n", p.Title)
		}
		return errors.Join(errs...)
	}
	return errUsage
}

// create draws a question from the pool, starts the poll and retires the question.
func (e *env) create(ctx context.Context, dur time.Duration) error {
	if live, err := e.api.IsLive(ctx, e.broadcasterID); err != nil {
		slog.Warn("live status check failed", slog.Any("err", err))
	} else if !live {
		fmt.Fprintln(e.out, "warning: the channel is offline, the poll will not be visible")
	}
	var poll *twitchapi.Poll
	it, remaining, err := e.polls.Take(ctx, func(ctx context.Context, it pool.Item) error {
		var err error
		poll, err = e.api.CreatePoll(ctx, it.Question, it.Answers, dur)
		return err
	})
	switch {
	case errors.Is(err, pool.ErrPersist):
		slog.Warn("poll started but pool not persisted", slog.Any("err", err))
	case err != nil:
		return err
	}
	fmt.Fprintf(e.out, "poll started: %s (%s) id=%s, %d questions left\n", it.Question, dur, poll.ID, remaining)
	return nil
}
