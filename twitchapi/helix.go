// Package twitchapi is the bot's Helix capability client: polls, custom rewards and
// their redemption queues, chat announcements and messages, shoutouts, moderators,
// users, streams and channels, plus the OAuth calls against id.twitch.tv.
//
// Every Helix call carries a per-request timeout, waits on a client-side rate
// limiter and runs inside a circuit breaker. A 401 triggers one forced credential
// refresh when the token provider supports it; after that it surfaces as
// ErrAuthRequired.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/duclems/pointsbot/telemetry"
)

const (
	defaultBaseURL = "https://api.twitch.tv/helix"
	// helixMaxRetries bounds attempts for rate-limited and 5xx responses.
	helixMaxRetries = 3
)

// TokenProvider supplies the bearer token for Helix calls.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// Refresher is implemented by providers that can force a new token after a 401.
type Refresher interface {
	ForceRefresh(ctx context.Context) (string, error)
}

// HelixClient calls Helix on behalf of one broadcaster. The zero value of the
// tuning fields picks sane defaults, so a struct literal is enough.
//
// BroadcasterID is the initial broadcaster. Once the client is shared between
// goroutines, change it only through SetBroadcasterID.
type HelixClient struct {
	ClientID      string
	Tokens        TokenProvider
	BroadcasterID string
	HTTPClient    *http.Client
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int

	initOnce    sync.Once
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	broadcastID atomic.Pointer[string]
}

// SetBroadcasterID switches the broadcaster the client acts for. Safe for
// concurrent use with in-flight calls.
func (hc *HelixClient) SetBroadcasterID(id string) { hc.broadcastID.Store(&id) }

// Broadcaster returns the current broadcaster id, or "" when unknown.
func (hc *HelixClient) Broadcaster() string {
	if id := hc.broadcastID.Load(); id != nil {
		return *id
	}
	return hc.BroadcasterID
}

func (hc *HelixClient) init() {
	hc.initOnce.Do(func() {
		rps, burst := hc.RatePerSecond, hc.Burst
		if rps <= 0 {
			rps = 13 // ~800 points/minute
		}
		if burst <= 0 {
			burst = 20
		}
		hc.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		hc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "helix",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
			IsSuccessful: func(err error) bool {
				// only upstream trouble counts against the breaker
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					return !apiErr.Retryable()
				}
				return err == nil || errors.Is(err, ErrAuthRequired) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change", slog.String("name", name), slog.String("from", from.String()), slog.String("to", to.String()))
				telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
			},
		})
	})
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return defaultBaseURL
}

func (hc *HelixClient) timeout() time.Duration {
	if hc.Timeout > 0 {
		return hc.Timeout
	}
	return 30 * time.Second
}

func (hc *HelixClient) broadcaster() (string, error) {
	bid := hc.Broadcaster()
	if bid == "" {
		return "", fmt.Errorf("%w: broadcaster id unknown", ErrAuthRequired)
	}
	return bid, nil
}

// do performs one logical Helix call. body (if non-nil) is sent as JSON and a 2xx
// response is decoded into out (if non-nil).
func (hc *HelixClient) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	hc.init()
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix "+method+" "+endpoint,
		attribute.String("http.method", method), attribute.String("helix.endpoint", endpoint))
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s body: %w", endpoint, err)
		}
	}

	refreshed := false
	for attempt := 1; ; attempt++ {
		err := hc.attempt(ctx, method, endpoint, query, payload, out)
		if err == nil {
			telemetry.SetSpanSuccess(span)
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.Status == http.StatusUnauthorized {
				if r, ok := hc.Tokens.(Refresher); ok && !refreshed {
					refreshed = true
					if _, rerr := r.ForceRefresh(ctx); rerr == nil {
						continue
					}
				}
				err = fmt.Errorf("%w: %s", ErrAuthRequired, apiErr.Error())
			} else if apiErr.Retryable() && attempt < helixMaxRetries && (apiErr.Status == http.StatusTooManyRequests || method == http.MethodGet) {
				wait := apiErr.retryAfter
				if wait <= 0 {
					wait = time.Duration(attempt) * 500 * time.Millisecond
				}
				slog.Debug("helix retry", slog.String("endpoint", endpoint), slog.Int("status", apiErr.Status), slog.Duration("wait", wait))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
		}
		telemetry.RecordError(span, err)
		return err
	}
}

func (hc *HelixClient) attempt(ctx context.Context, method, endpoint string, query url.Values, payload []byte, out any) error {
	if err := hc.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := hc.breaker.Execute(func() (interface{}, error) {
		return nil, hc.roundTrip(ctx, method, endpoint, query, payload, out)
	})
	return err
}

func (hc *HelixClient) roundTrip(ctx context.Context, method, endpoint string, query url.Values, payload []byte, out any) error {
	if hc.Tokens == nil {
		return fmt.Errorf("%w: no token provider", ErrAuthRequired)
	}
	tok, err := hc.Tokens.AccessToken(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthRequired) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	ctx, cancel := context.WithTimeout(ctx, hc.timeout())
	defer cancel()

	u := hc.baseURL() + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		telemetry.ObserveHelix(method+" "+endpoint, 0)
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.ObserveHelix(method+" "+endpoint, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Endpoint: method + " " + endpoint, Status: resp.StatusCode, Body: string(b)}
		if resp.StatusCode == http.StatusTooManyRequests {
			apiErr.retryAfter = parseRetryAfter(resp.Header)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// parseRetryAfter reads Retry-After (seconds) or Ratelimit-Reset (unix seconds).
func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s >= 0 {
			return time.Duration(s) * time.Second
		}
	}
	if v := h.Get("Ratelimit-Reset"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(ts, 0)); d > 0 && d < time.Minute {
				return d
			}
		}
	}
	return 0
}

// page is the common Helix list envelope.
type page[T any] struct {
	Data       []T `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}
