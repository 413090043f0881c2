// Package oauth schedules proactive refreshes of a credential that expires. It
// performs jittered checks and refreshes when expiry falls within a window, so
// Helix calls rarely meet an expired token.
package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Refreshable is a credential holder; auth.Authenticator implements it.
// ExpiresAt returns false when there is nothing that can be refreshed.
type Refreshable interface {
	ExpiresAt() (time.Time, bool)
	Refresh(ctx context.Context) error
}

// StartRefresher launches a goroutine that wakes up about every interval and
// refreshes r when its remaining lifetime is <= window. It stops with ctx.
func StartRefresher(ctx context.Context, clock clockwork.Clock, name string, interval, window time.Duration, r Refreshable) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	log := slog.With(slog.String("component", "oauth_refresher"), slog.String("credential", name))
	go func() {
		for {
			// ±20% jitter keeps several instances from refreshing in lockstep
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter, not security sensitive
			nextSleep := interval + time.Duration(rand.Int64N(jitterRange*2+1)-jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-clock.After(nextSleep):
			}
			exp, ok := r.ExpiresAt()
			if !ok || exp.Sub(clock.Now()) > window {
				continue
			}
			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := r.Refresh(ctx2)
			cancel()
			if err != nil {
				log.Warn("token refresh failed", slog.Any("err", err))
				continue
			}
			log.Info("token refreshed ahead of expiry")
		}
	}()
}
