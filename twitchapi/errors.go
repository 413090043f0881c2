package twitchapi

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthRequired means no usable user credential: missing, revoked or not refreshable.
	ErrAuthRequired = errors.New("twitch authentication required")
	// ErrNotFound is returned by lookups that come back empty (unknown user, no channel).
	ErrNotFound = errors.New("not found on twitch")
)

// APIError is a non-2xx Helix or id.twitch.tv response.
type APIError struct {
	Endpoint string
	Status   int
	Body     string

	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch %s failed: %d: %s", e.Endpoint, e.Status, e.Body)
}

// Retryable reports whether the response is a rate limit or a server error.
func (e *APIError) Retryable() bool { return e.Status == 429 || e.Status >= 500 }
