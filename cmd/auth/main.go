// Command auth manages the broadcaster credential outside the bot.
//
//	auth login      open the printed URL, approve, and the credential is stored
//	auth validate   check the stored credential against Twitch
//	auth refresh    force a token refresh now
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/duclems/pointsbot/app"
	"github.com/duclems/pointsbot/auth"
	"github.com/duclems/pointsbot/config"
	"github.com/duclems/pointsbot/server"
)

var errUsage = errors.New("usage: auth login | validate | refresh")

func main() {
	timeout := flag.Duration("timeout", 10*time.Minute, "How long login waits for the browser callback")
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, errUsage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "login":
		err = login(ctx, *timeout)
	case "validate":
		err = withApp(ctx, func(a *app.App) error {
			printCredentials(os.Stdout, a.Auth.Current())
			return nil
		})
	case "refresh":
		err = withApp(ctx, func(a *app.App) error {
			if _, err := a.Auth.ForceRefresh(ctx); err != nil {
				return err
			}
			printCredentials(os.Stdout, a.Auth.Current())
			return nil
		})
	default:
		err = errUsage
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := app.Connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// login serves the OAuth callback on the redirect URI until a credential is installed.
func login(ctx context.Context, timeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return err
	}
	addr, err := callbackAddr(cfg.TwitchRedirectURI)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h := server.NewHandlers(server.Deps{Service: "pointsbot-auth", Login: a.OAuth, Installer: a, Clock: a.Clock})
	mux := server.NewMux(ctx, h, server.Options{Service: "pointsbot-auth"})
	errc := make(chan error, 1)
	go func() { errc <- server.Start(ctx, addr, mux) }()

	fmt.Printf("Open http://%s/auth/start in a browser and approve access for %s.\n", displayHost(addr), cfg.ScopeString())
	select {
	case <-a.LoggedIn():
	case err := <-errc:
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("callback server: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("no login completed: %w", ctx.Err())
	}
	creds := a.Auth.Current()
	slog.Info("credential stored", slog.String("login", creds.Login))
	printCredentials(os.Stdout, creds)
	return nil
}

// callbackAddr is the listen address for a local redirect URI such as
// http://localhost:3002/auth/callback.
func callbackAddr(redirect string) (string, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return "", fmt.Errorf("redirect uri: %w", err)
	}
	if u.Path != "/auth/callback" {
		return "", fmt.Errorf("redirect uri %q must end in /auth/callback", redirect)
	}
	host, port := u.Hostname(), u.Port()
	if host != "localhost" && host != "127.0.0.1" && host != "::1" {
		return "", fmt.Errorf("redirect uri %q is not local; log in through the bot's HTTP server instead", redirect)
	}
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(host, port), nil
}

func displayHost(addr string) string {
	if strings.HasPrefix(addr, "[::1]") {
		return strings.Replace(addr, "[::1]", "localhost", 1)
	}
	return addr
}

func printCredentials(w io.Writer, c *auth.Credentials) {
	if c == nil {
		fmt.Fprintln(w, "no credential")
		return
	}
	fmt.Fprintf(w, "login:        %s (%s)\n", c.Login, c.UserID)
	fmt.Fprintf(w, "scopes:       %s\n", strings.Join(c.Scopes, " "))
	if !c.EstimatedExpiry.IsZero() {
		fmt.Fprintf(w, "expires:      %s (in %s)\n", c.EstimatedExpiry.Format(time.RFC3339), time.Until(c.EstimatedExpiry).Round(time.Second))
	}
	if !c.LastRefresh.IsZero() {
		fmt.Fprintf(w, "last refresh: %s\n", c.LastRefresh.Format(time.RFC3339))
	}
}
