// Command commands manages the chat command table.
//
// Usage:
//
//	commands list
//	commands add -name discord -response "@username rejoins le discord : ..." [-moderator] [-description ...] [-requires-args] [-hidden]
//	commands add -name blague -random "première|deuxième|troisième"
//	commands add -name list -auto
//	commands remove [-moderator] -name discord
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
	"github.com/duclems/pointsbot/commands"
	"github.com/duclems/pointsbot/config"
	"github.com/duclems/pointsbot/store"
)

var errUsage = errors.New("usage: commands list | add -name N (-response R | -random a|b|c | -auto) [flags] | remove -name N [-moderator]")

func main() {
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

	table := commands.New(backend)
	table.Load(ctx)
	if err := run(ctx, table, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, table *commands.Table, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "list":
		for _, scope := range []commands.Scope{commands.Global, commands.Moderator} {
			entries := table.List(scope)
			fmt.Fprintf(out, "%s (%d)\n", scope, len(entries))
			for _, e := range entries {
				fmt.Fprintf(out, "  !%-16s %s\n", e.Name, describe(e))
			}
		}
		return nil
	case "add":
		return add(ctx, table, args[1:], out)
	case "remove":
		fs := flag.NewFlagSet("remove", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		name := fs.String("name", "", "Command name")
		moderator := fs.Bool("moderator", false, "Remove from the moderator table")
		if err := fs.Parse(args[1:]); err != nil || *name == "" {
			return errUsage
		}
		ok, err := table.Remove(ctx, scopeOf(*moderator), *name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("command !%s not found in %s", strings.TrimPrefix(*name, "!"), scopeOf(*moderator))
		}
		fmt.Fprintf(out, "removed !%s\n", strings.TrimPrefix(*name, "!"))
		return nil
	}
	return errUsage
}

func add(ctx context.Context, table *commands.Table, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "Command name, without !")
	response := fs.String("response", "", "Literal response; supports @username, $(display_name) and $(args)")
	random := fs.String("random", "", "Pipe-separated responses, one picked at random")
	auto := fs.Bool("auto", false, "Computed list of visible commands")
	moderator := fs.Bool("moderator", false, "Add to the moderator table")
	description := fs.String("description", "", "Description")
	requiresArgs := fs.Bool("requires-args", false, "Ignore the command when called without arguments")
	hidden := fs.Bool("hidden", false, "Hide from the command list")
	if err := fs.Parse(args); err != nil || *name == "" {
		return errUsage
	}

	e := commands.Entry{Name: *name, Description: *description, RequiresArgs: *requiresArgs, HideFromList: *hidden}
	switch {
	case *auto:
		e.Response = commands.AutoResponse(commands.AutoList)
	case *random != "":
		e.Response = commands.RandomResponse(strings.Split(*random, "|")...)
	case *response != "":
		e.Response = commands.LiteralResponse(*response)
	default:
		return errUsage
	}
	if err := table.Add(ctx, scopeOf(*moderator), e); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved !%s in %s\n", strings.TrimPrefix(strings.TrimSpace(*name), "!"), scopeOf(*moderator))
	return nil
}

func scopeOf(moderator bool) commands.Scope {
	if moderator {
		return commands.Moderator
	}
	return commands.Global
}

func describe(e commands.Entry) string {
	var s string
	switch e.Response.Kind {
	case commands.Random:
		s = fmt.Sprintf("[random x%d] %s", len(e.Response.Choices), strings.Join(e.Response.Choices, " | "))
	case commands.Auto:
		s = "[auto " + e.Response.AutoKind + "]"
	default:
		s = e.Response.Text
	}
	if e.HideFromList {
		s += " (hidden)"
	}
	if e.RequiresArgs {
		s += " (args)"
	}
	return s
}
