// Command api runs the read-only query API on its own, next to a bot that
// shares the same store. Channel lookups use an app access token, so this
// process never touches the broadcaster credential.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/duclems/pointsbot/app"
	"github.com/duclems/pointsbot/config"
	"github.com/duclems/pointsbot/current"
	"github.com/duclems/pointsbot/pool"
	"github.com/duclems/pointsbot/server"
	"github.com/duclems/pointsbot/store"
	"github.com/duclems/pointsbot/telemetry"
	"github.com/duclems/pointsbot/twitchapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	app.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("pointsbot-api", "2.0.0", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("open store failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer backend.Close()

	mux := newMux(ctx, cfg, backend, clockwork.NewRealClock(), endpoints{})
	if err := server.Start(ctx, cfg.HTTPAddr, mux); err != nil {
		os.Exit(1)
	}
}

// endpoints overrides the Twitch URLs; zero values mean production.
type endpoints struct {
	helixURL   string
	tokenURL   string
	httpClient *http.Client
}

// newMux builds the query routes over backend.
func newMux(ctx context.Context, cfg *config.Config, backend store.Backend, clock clockwork.Clock, ep endpoints) http.Handler {
	announcements := pool.NewAnnouncements(backend)
	announcements.Load(ctx)

	var channels server.ChannelAPI
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		channels = newChannelClient(cfg, ep)
	} else {
		slog.Warn("TWITCH_CLIENT_ID/SECRET missing, channel lookups disabled")
	}

	h := server.NewHandlers(server.Deps{
		Service:             "pointsbot-api",
		Announcements:       announcements,
		CurrentAnnouncement: current.NewAnnouncement(backend, clock),
		CurrentShoutout:     current.NewShoutout(backend, clock),
		Channels:            channels,
		Clock:               clock,
	})
	return server.NewMux(ctx, h, server.Options{
		RateLimitEnabled:   cfg.RateLimitEnabled,
		RequestsPerIP:      cfg.RateLimitRequestsPerIP,
		Window:             time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
}

// newChannelClient returns a Helix client authorized with an app access token.
func newChannelClient(cfg *config.Config, ep endpoints) *twitchapi.HelixClient {
	return &twitchapi.HelixClient{
		ClientID: cfg.TwitchClientID,
		Tokens: &twitchapi.AppTokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			TokenURL:     ep.tokenURL,
			HTTPClient:   ep.httpClient,
		},
		BaseURL:       ep.helixURL,
		HTTPClient:    ep.httpClient,
		Timeout:       cfg.APITimeout,
		RatePerSecond: cfg.HelixRatePerSecond,
		Burst:         cfg.HelixBurst,
	}
}
