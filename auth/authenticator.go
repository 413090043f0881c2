package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/duclems/pointsbot/twitchapi"
)

// OAuthClient is the subset of twitchapi.OAuth the authenticator needs.
type OAuthClient interface {
	Validate(ctx context.Context, accessToken string) (*twitchapi.Validation, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Options tune startup validation and proactive refresh.
type Options struct {
	ValidateTimeout  time.Duration
	RetryDelay       time.Duration
	MaxRetries       int
	RefreshThreshold time.Duration
}

func (o Options) withDefaults() Options {
	if o.ValidateTimeout <= 0 {
		o.ValidateTimeout = 15 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RefreshThreshold <= 0 {
		o.RefreshThreshold = 24 * time.Hour
	}
	return o
}

// Authenticator owns the live credential. It implements twitchapi.TokenProvider
// and twitchapi.Refresher.
type Authenticator struct {
	store *Store
	oauth OAuthClient
	clock clockwork.Clock
	opts  Options

	mu    sync.Mutex
	creds *Credentials
}

func New(st *Store, oc OAuthClient, clock clockwork.Clock, opts Options) *Authenticator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Authenticator{store: st, oauth: oc, clock: clock, opts: opts.withDefaults()}
}

// Authenticate loads the stored record and makes sure it is usable: the token is
// validated (transient failures retried), refreshed when rejected or close to
// expiry, and the result persisted. ErrAuthRequired means a new login is needed.
func (a *Authenticator) Authenticate(ctx context.Context) (*Credentials, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	log := slog.With(slog.String("component", "auth"))

	c, err := a.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	a.creds = c

	var lastErr error
	for attempt := 1; attempt <= a.opts.MaxRetries; attempt++ {
		vctx, cancel := context.WithTimeout(ctx, a.opts.ValidateTimeout)
		v, err := a.oauth.Validate(vctx, a.creds.AccessToken)
		cancel()
		switch {
		case err == nil:
			now := a.clock.Now()
			a.creds.UserID, a.creds.Login, a.creds.Scopes = v.UserID, v.Login, v.Scopes
			a.creds.EstimatedExpiry = twitchapi.ComputeExpiry(now, v.ExpiresIn)
			if a.creds.EstimatedExpiry.Sub(now) < a.opts.RefreshThreshold {
				if rerr := a.refreshLocked(ctx); rerr != nil {
					// the validated token still works until it expires
					log.Warn("proactive refresh failed", slog.Any("err", rerr))
				}
			}
			if err := a.store.Save(ctx, a.creds); err != nil {
				return nil, fmt.Errorf("persist credentials: %w", err)
			}
			log.Info("credentials valid", slog.String("login", a.creds.Login), slog.Time("expires", a.creds.EstimatedExpiry))
			return a.snapshotLocked(), nil
		case errors.Is(err, twitchapi.ErrAuthRequired):
			log.Info("stored token rejected, refreshing")
			if rerr := a.refreshLocked(ctx); rerr != nil {
				if errors.Is(rerr, twitchapi.ErrAuthRequired) {
					return nil, rerr
				}
				lastErr = rerr
			} else {
				// validate the new token on the next pass without waiting
				continue
			}
		default:
			lastErr = err
		}
		if attempt == a.opts.MaxRetries {
			break
		}
		log.Warn("credential validation failed, retrying", slog.Int("attempt", attempt), slog.Duration("delay", a.opts.RetryDelay), slog.Any("err", lastErr))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.clock.After(a.opts.RetryDelay):
		}
	}
	return nil, fmt.Errorf("validate credentials after %d attempts: %w", a.opts.MaxRetries, lastErr)
}

// AccessToken returns the current user token, refreshing it when already expired.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds == nil {
		c, err := a.store.Load(ctx)
		if err != nil {
			return "", err
		}
		a.creds = c
	}
	if !a.creds.EstimatedExpiry.IsZero() && !a.clock.Now().Before(a.creds.EstimatedExpiry) && a.creds.RefreshToken != "" {
		if err := a.refreshLocked(ctx); err != nil {
			return "", err
		}
	}
	return a.creds.AccessToken, nil
}

// ForceRefresh is called after a 401. A token rotated by another process (the
// login CLI) is picked up from the store instead of spending a refresh.
func (a *Authenticator) ForceRefresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if stored, err := a.store.Load(ctx); err == nil && (a.creds == nil || stored.AccessToken != a.creds.AccessToken) {
		a.creds = stored
		return stored.AccessToken, nil
	}
	if a.creds == nil {
		return "", fmt.Errorf("%w: no stored credentials", twitchapi.ErrAuthRequired)
	}
	if err := a.refreshLocked(ctx); err != nil {
		return "", err
	}
	return a.creds.AccessToken, nil
}

// ExpiresAt reports the estimated expiry of the live token.
func (a *Authenticator) ExpiresAt() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds == nil || a.creds.RefreshToken == "" {
		return time.Time{}, false
	}
	return a.creds.EstimatedExpiry, true
}

// Refresh rotates the token now.
func (a *Authenticator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds == nil {
		return fmt.Errorf("%w: no stored credentials", twitchapi.ErrAuthRequired)
	}
	return a.refreshLocked(ctx)
}

// Install stores a token obtained through the login flow and makes it live.
func (a *Authenticator) Install(ctx context.Context, tok *oauth2.Token) (*Credentials, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("empty token")
	}
	v, err := a.oauth.Validate(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	c := &Credentials{
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		UserID:          v.UserID,
		Login:           v.Login,
		Scopes:          v.Scopes,
		Timestamp:       now,
		EstimatedExpiry: twitchapi.ComputeExpiry(now, v.ExpiresIn),
		Version:         RecordVersion,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.Save(ctx, c); err != nil {
		return nil, err
	}
	a.creds = c
	slog.Info("credentials installed", slog.String("login", c.Login), slog.String("component", "auth"))
	return a.snapshotLocked(), nil
}

// Current returns a copy of the live record, or nil before any load.
func (a *Authenticator) Current() *Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Authenticator) snapshotLocked() *Credentials {
	if a.creds == nil {
		return nil
	}
	c := *a.creds
	c.Scopes = append([]string(nil), a.creds.Scopes...)
	return &c
}

func (a *Authenticator) refreshLocked(ctx context.Context) error {
	tok, err := a.oauth.Refresh(ctx, a.creds.RefreshToken)
	if err != nil {
		return err
	}
	now := a.clock.Now()
	a.creds.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		a.creds.RefreshToken = tok.RefreshToken
	}
	a.creds.LastRefresh = now
	if tok.Expiry.IsZero() {
		a.creds.EstimatedExpiry = twitchapi.ComputeExpiry(now, 0)
	} else {
		a.creds.EstimatedExpiry = tok.Expiry
	}
	if err := a.store.Save(ctx, a.creds); err != nil {
		return fmt.Errorf("persist refreshed credentials: %w", err)
	}
	slog.Info("token refreshed", slog.Time("expires", a.creds.EstimatedExpiry), slog.String("component", "auth"))
	return nil
}
