// Package testutil holds shared fixtures: a fake Twitch (Helix plus id.twitch.tv)
// and a migrated Postgres handle for the optional database tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// MockTwitchServer serves canned Helix and OAuth responses keyed by path.
// Point a HelixClient at HelixURL() and an OAuth client at URL.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	// Requests records every request path with its raw query, in order.
	Requests []string
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.Requests = append(m.Requests, r.Method+" "+r.URL.RequestURI())
		handler, ok := m.Handlers[r.Method+" "+r.URL.Path]
		if !ok {
			handler, ok = m.Handlers[r.URL.Path]
		}
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the base URL to configure on a HelixClient.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// Handle registers h for pattern, either "METHOD /path" or a bare path.
func (m *MockTwitchServer) Handle(pattern string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[pattern] = h
}

// Seen returns a copy of the recorded requests.
func (m *MockTwitchServer) Seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Requests...)
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{{"id": userID, "login": login, "display_name": login}},
		})
	})
}

// MockChannelResponse adds a handler for /helix/channels. An empty title yields an empty data array.
func (m *MockTwitchServer) MockChannelResponse(broadcasterID, name, title string) {
	m.Handle("/helix/channels", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]any{}
		if title != "" && r.URL.Query().Get("broadcaster_id") == broadcasterID {
			data = append(data, map[string]any{
				"broadcaster_id":       broadcasterID,
				"broadcaster_login":    name,
				"broadcaster_name":     name,
				"broadcaster_language": "fr",
				"game_id":              "509658",
				"game_name":            "Just Chatting",
				"title":                title,
				"delay":                0,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": data})
	})
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": streams})
	})
}

// MockRedemptionPages serves the redemption queue of one reward as consecutive
// pages. Page i is returned for cursor "page-i" (the first for no cursor).
func (m *MockTwitchServer) MockRedemptionPages(rewardID string, pages ...[]map[string]any) {
	m.Handle("GET /helix/channel_points/custom_rewards/redemptions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("reward_id") != rewardID {
			WriteJSON(w, http.StatusOK, map[string]any{"data": []any{}})
			return
		}
		idx := 0
		if after := r.URL.Query().Get("after"); after != "" {
			for i := range pages {
				if after == pageCursor(i) {
					idx = i
				}
			}
		}
		resp := map[string]any{"data": []map[string]any{}, "pagination": map[string]string{}}
		if idx < len(pages) {
			resp["data"] = pages[idx]
		}
		if idx+1 < len(pages) {
			resp["pagination"] = map[string]string{"cursor": pageCursor(idx + 1)}
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

func pageCursor(i int) string { return "page-" + strconv.Itoa(i) }

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	})
}

// MockValidateResponse adds a handler for /oauth2/validate. An empty userID answers 401.
func (m *MockTwitchServer) MockValidateResponse(userID, login string, scopes []string, expiresIn int) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if userID == "" {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "invalid access token"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"client_id":  "test-client-id",
			"login":      login,
			"user_id":    userID,
			"scopes":     scopes,
			"expires_in": expiresIn,
		})
	})
}
