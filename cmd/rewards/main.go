// Command rewards lists the channel's custom rewards and creates new ones, so
// POLL_REWARD_ID and ANNOUNCEMENT_REWARD_ID can be filled in.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/duclems/pointsbot/app"
	"github.com/duclems/pointsbot/twitchapi"
)

var errUsage = errors.New("usage: rewards list [-manageable] | create -title T -cost N [-prompt P] [-color #RRGGBB] [-input-required] [-skip-queue] [-paused]")

type rewardAPI interface {
	ListCustomRewards(ctx context.Context, onlyManageable bool) ([]twitchapi.CustomReward, error)
	CreateCustomReward(ctx context.Context, req twitchapi.CreateRewardRequest) (*twitchapi.CustomReward, error)
}

func main() {
	flag.Parse()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, err := app.Connect(ctx)
	if err != nil {
		slog.Error("startup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer a.Close()

	if err := run(ctx, a.Helix, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, api rewardAPI, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		manageable := fs.Bool("manageable", false, "Only rewards this application may update")
		if err := fs.Parse(args[1:]); err != nil {
			return errUsage
		}
		rewards, err := api.ListCustomRewards(ctx, *manageable)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tCOST\tSTATE\tINPUT")
		for _, r := range rewards {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\n", r.ID, r.Title, r.Cost, state(r), r.IsUserInputRequired)
		}
		return tw.Flush()
	case "create":
		fs := flag.NewFlagSet("create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		title := fs.String("title", "", "Reward title")
		cost := fs.Int("cost", 0, "Cost in channel points")
		prompt := fs.String("prompt", "", "Text shown to viewers")
		color := fs.String("color", "", "Background color")
		input := fs.Bool("input-required", false, "Viewers must type a message")
		skip := fs.Bool("skip-queue", false, "Redemptions skip the request queue")
		paused := fs.Bool("paused", false, "Create the reward disabled")
		if err := fs.Parse(args[1:]); err != nil {
			return errUsage
		}
		if *title == "" || *cost < 1 {
			return errUsage
		}
		r, err := api.CreateCustomReward(ctx, twitchapi.CreateRewardRequest{
			Title:                             *title,
			Cost:                              *cost,
			Prompt:                            *prompt,
			BackgroundColor:                   *color,
			IsEnabled:                         !*paused,
			IsUserInputRequired:               *input,
			ShouldRedemptionsSkipRequestQueue: *skip,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %q (%d points) id=%s\n", r.Title, r.Cost, r.ID)
		return nil
	}
	return errUsage
}

func state(r twitchapi.CustomReward) string {
	switch {
	case !r.IsEnabled:
		return "disabled"
	case r.IsPaused:
		return "paused"
	}
	return "enabled"
}
