// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/duclems/pointsbot/auth"
	"github.com/duclems/pointsbot/current"
	"github.com/duclems/pointsbot/pool"
	"github.com/duclems/pointsbot/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// CurrentReader reads a current announcement or shoutout record.
type CurrentReader interface {
	Field() string
	Get(ctx context.Context) (current.Snapshot, bool, error)
}

// ChannelAPI is the Helix subset behind /api/twitch/channel.
type ChannelAPI interface {
	GetChannel(ctx context.Context, broadcasterID string) (*twitchapi.Channel, error)
	IsLive(ctx context.Context, userID string) (bool, error)
}

// LoginFlow drives the authorization-code login.
type LoginFlow interface {
	AuthorizeURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// CredentialInstaller persists the credential obtained at login.
type CredentialInstaller interface {
	Install(ctx context.Context, tok *oauth2.Token) (*auth.Credentials, error)
}

// Deps are the handler collaborators. Nil Login or Installer disables /auth/*;
// nil Channels answers the channel route with 503.
type Deps struct {
	Service             string
	Announcements       *pool.Pool
	CurrentAnnouncement CurrentReader
	CurrentShoutout     CurrentReader
	Channels            ChannelAPI
	Login               LoginFlow
	Installer           CredentialInstaller
	Clock               clockwork.Clock
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	clock      clockwork.Clock
	stateStore map[string]time.Time
	stateMu    sync.Mutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if deps.Service == "" {
		deps.Service = "pointsbot-api"
	}
	return &Handlers{deps: deps, clock: clock, stateStore: make(map[string]time.Time)}
}

// envelope is the shape of every API response.
type envelope struct {
	Success   bool     `json:"success"`
	Data      any      `json:"data,omitempty"`
	Count     *int     `json:"count,omitempty"`
	Filtered  *bool    `json:"filtered,omitempty"`
	Error     string   `json:"error,omitempty"`
	Message   string   `json:"message,omitempty"`
	Endpoints []string `json:"availableEndpoints,omitempty"`
	Timestamp string   `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	if body.Timestamp == "" {
		body.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func (h *Handlers) ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Timestamp: h.now()})
}

func (h *Handlers) okList(w http.ResponseWriter, items []pool.Item, filtered *bool) {
	if items == nil {
		items = []pool.Item{}
	}
	n := len(items)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: items, Count: &n, Filtered: filtered, Timestamp: h.now()})
}

func writeError(w http.ResponseWriter, status int, title, message string) {
	writeJSON(w, status, envelope{Error: title, Message: message})
}

func (h *Handlers) now() string { return h.clock.Now().UTC().Format(time.RFC3339Nano) }

// addOAuthState remembers state until it expires. Returns false when the store is full.
func (h *Handlers) addOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	now := h.clock.Now()
	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		for s, exp := range h.stateStore {
			if now.After(exp) {
				delete(h.stateStore, s)
			}
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = now.Add(oauthStateTTL)
	return true
}

// consumeOAuthState reports whether state is known and unexpired, and forgets it.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && !h.clock.Now().After(exp)
}
