// Command pointsbot is the channel-points automation bot. It:
//   - Loads configuration and initializes structured logging and tracing.
//   - Opens the document store (files, Postgres or Redis).
//   - Serves the read-only query API, /metrics and the Twitch login callback.
//   - Waits for a usable broadcaster credential, then runs the redemption
//     polling loop, the chat command dispatcher and the token refresher.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/duclems/pointsbot/app"
	"github.com/duclems/pointsbot/chat"
	"github.com/duclems/pointsbot/config"
	"github.com/duclems/pointsbot/engine"
	"github.com/duclems/pointsbot/oauth"
	"github.com/duclems/pointsbot/server"
	"github.com/duclems/pointsbot/telemetry"
)

const version = "2.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	app.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("pointsbot", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}()

	startPprof()

	var wg sync.WaitGroup
	// the query API comes up first so /auth/start is reachable before login
	handlers := server.NewHandlers(server.Deps{
		Service:             "pointsbot-api",
		Announcements:       a.Announcements,
		CurrentAnnouncement: a.CurrentAnnouncement,
		CurrentShoutout:     a.CurrentShoutout,
		Channels:            a.Helix,
		Login:               a.OAuth,
		Installer:           a,
		Clock:               a.Clock,
	})
	mux := server.NewMux(ctx, handlers, server.Options{
		RateLimitEnabled:   cfg.RateLimitEnabled,
		RequestsPerIP:      cfg.RateLimitRequestsPerIP,
		Window:             time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx, cfg.HTTPAddr, mux); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()
	a.Announcements.Load(ctx)

	creds, err := a.WaitForLogin(ctx, loginURL(cfg.HTTPAddr))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("twitch authentication failed", slog.Any("err", err))
		}
		stop()
		wg.Wait()
		return
	}
	slog.Info("authenticated", slog.String("login", creds.Login), slog.String("broadcaster_id", creds.UserID))

	oauth.StartRefresher(ctx, a.Clock, "twitch", 5*time.Minute, 15*time.Minute, a.Auth)

	if cfg.ChatEnabled {
		d := chat.NewDispatcher(cfg.TwitchBotUsername, a.Commands, a.Birthdays, a.CurrentShoutout, a.Helix, a.Clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := chat.Run(ctx, cfg.TwitchChannel, cfg.TwitchBotUsername, a.Auth, d); err != nil {
				slog.Error("chat exited with error", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("chat commands disabled (CHAT_ENABLED=false)")
	}

	eng := engine.New(engine.Deps{
		Auth: engine.AuthenticatorFunc(func(ctx context.Context) error {
			_, err := a.Authenticate(ctx)
			return err
		}),
		API:           a.Helix,
		Polls:         a.Polls,
		Announcements: a.Announcements,
		Commands:      a.Commands,
		Dedup:         a.Dedup,
		Current:       a.CurrentAnnouncement,
		Clock:         a.Clock,
	}, engine.Options{
		PollRewardID:         cfg.PollRewardID,
		AnnouncementRewardID: cfg.AnnouncementRewardID,
		Interval:             cfg.PollInterval,
		PollDuration:         cfg.PollDuration,
		AnnouncementPrefix:   cfg.AnnouncementPrefix,
		AnnouncementColor:    cfg.AnnouncementColor,
		ReminderSchedule:     cfg.ReminderSchedule,
		ReminderMessage:      cfg.ReminderMessage,
		ActionTimeout:        cfg.APITimeout * 2,
	})
	if err := eng.Run(ctx); err != nil {
		slog.Error("engine stopped with error", slog.Any("err", err))
		stop()
	}

	wg.Wait()
	slog.Info("shut down")
}

func loginURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/auth/start"
}

// startPprof exposes /debug/pprof when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
