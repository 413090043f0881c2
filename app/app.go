// Package app wires configuration, storage, credentials and the Helix client
// together for the binaries under cmd/ and the bot entrypoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/duclems/pointsbot/auth"
	"github.com/duclems/pointsbot/birthdays"
	"github.com/duclems/pointsbot/commands"
	"github.com/duclems/pointsbot/config"
	"github.com/duclems/pointsbot/crypto"
	"github.com/duclems/pointsbot/current"
	"github.com/duclems/pointsbot/dedup"
	"github.com/duclems/pointsbot/pool"
	"github.com/duclems/pointsbot/store"
	"github.com/duclems/pointsbot/twitchapi"
)

// SetupLogging installs the default slog logger. level is debug, info, warn or
// error; format is text or json. Unknown values fall back to info and text.
func SetupLogging(level, format string) {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	if unknown {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
}

// App holds the long-lived collaborators built from one Config.
type App struct {
	Config *config.Config
	Clock  clockwork.Clock
	Store  store.Backend
	OAuth  *twitchapi.OAuth
	Auth   *auth.Authenticator
	Helix  *twitchapi.HelixClient

	Polls               *pool.Pool
	Announcements       *pool.Pool
	Commands            *commands.Table
	Birthdays           *birthdays.Book
	Dedup               *dedup.Set
	CurrentAnnouncement *current.Tracker
	CurrentShoutout     *current.Tracker

	loginOnce sync.Once
	loggedIn  chan struct{}
}

// New opens the configured store and builds every collaborator. Nothing talks to
// Twitch yet; call Authenticate for that.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	backend, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("encryption key: %w", err)
		}
		enc = aes
	}
	clock := clockwork.NewRealClock()
	oc := twitchapi.NewOAuth(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
	authn := auth.New(auth.NewStore(backend, enc), oc, clock, auth.Options{
		ValidateTimeout:  cfg.TokenValidateTimeout,
		RetryDelay:       cfg.TokenRetryDelay,
		MaxRetries:       cfg.TokenMaxRetries,
		RefreshThreshold: cfg.TokenRefreshThreshold,
	})
	return &App{
		Config: cfg,
		Clock:  clock,
		Store:  backend,
		OAuth:  oc,
		Auth:   authn,
		Helix: &twitchapi.HelixClient{
			ClientID:      cfg.TwitchClientID,
			Tokens:        authn,
			Timeout:       cfg.APITimeout,
			RatePerSecond: cfg.HelixRatePerSecond,
			Burst:         cfg.HelixBurst,
		},
		Polls:               pool.NewPolls(backend),
		Announcements:       pool.NewAnnouncements(backend),
		Commands:            commands.New(backend),
		Birthdays:           birthdays.New(backend),
		Dedup:               dedup.New(backend, clock, cfg.DedupRetention),
		CurrentAnnouncement: current.NewAnnouncement(backend, clock),
		CurrentShoutout:     current.NewShoutout(backend, clock),
		loggedIn:            make(chan struct{}),
	}, nil
}

// Authenticate makes the stored credential usable and points the Helix client at
// the broadcaster it belongs to. It may run again while other goroutines use Helix.
func (a *App) Authenticate(ctx context.Context) (*auth.Credentials, error) {
	creds, err := a.Auth.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	a.Helix.SetBroadcasterID(creds.UserID)
	return creds, nil
}

// Install stores a credential from the login callback and wakes WaitForLogin.
func (a *App) Install(ctx context.Context, tok *oauth2.Token) (*auth.Credentials, error) {
	creds, err := a.Auth.Install(ctx, tok)
	if err != nil {
		return nil, err
	}
	a.loginOnce.Do(func() { close(a.loggedIn) })
	return creds, nil
}

// WaitForLogin authenticates, and when no credential exists blocks until one is
// installed through the login callback.
func (a *App) WaitForLogin(ctx context.Context, loginURL string) (*auth.Credentials, error) {
	creds, err := a.Authenticate(ctx)
	if !errors.Is(err, twitchapi.ErrAuthRequired) {
		return creds, err
	}
	slog.Warn("twitch login required", slog.String("url", loginURL), slog.Any("err", err))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.loggedIn:
	}
	return a.Authenticate(ctx)
}

// Close stops the current-state timers and releases the store.
func (a *App) Close() error {
	a.CurrentAnnouncement.Stop()
	a.CurrentShoutout.Stop()
	return a.Store.Close()
}

// Connect is the bootstrap of the one-shot binaries: load the config, set up
// logging, build the App and authenticate with the stored credential.
func Connect(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	SetupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := a.Authenticate(ctx); err != nil {
		_ = a.Close()
		if errors.Is(err, twitchapi.ErrAuthRequired) {
			return nil, fmt.Errorf("%w (run the auth command first)", err)
		}
		return nil, err
	}
	return a, nil
}

// LoggedIn is closed once a credential has been installed through Install.
func (a *App) LoggedIn() <-chan struct{} { return a.loggedIn }
