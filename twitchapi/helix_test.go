package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

type stubTokens struct {
	mu         sync.Mutex
	token      string
	fresh      string
	refreshes  int
	refreshErr error
}

func (s *stubTokens) AccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *stubTokens) ForceRefresh(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if s.refreshErr != nil {
		return "", s.refreshErr
	}
	s.token = s.fresh
	return s.token, nil
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*HelixClient, *stubTokens) {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	tokens := &stubTokens{token: "test-token", fresh: "fresh-token"}
	return &HelixClient{
		ClientID:      "test-client-id",
		Tokens:        tokens,
		BroadcasterID: "b-1",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL},
		},
	}, tokens
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHelixClient_GetUserID(t *testing.T) {
	tests := []struct {
		response   any
		name       string
		login      string
		wantUserID string
		wantErr    error
		wantAny    bool
	}{
		{
			name:       "successful user lookup",
			login:      "testuser",
			response:   map[string]any{"data": []map[string]string{{"id": "12345", "login": "testuser"}}},
			wantUserID: "12345",
		},
		{
			name:       "at sign stripped",
			login:      "@TestUser",
			response:   map[string]any{"data": []map[string]string{{"id": "12345", "login": "testuser"}}},
			wantUserID: "12345",
		},
		{
			name:     "user not found",
			login:    "nonexistent",
			response: map[string]any{"data": []map[string]string{}},
			wantErr:  ErrNotFound,
		},
		{
			name:    "empty login",
			login:   "",
			wantAny: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if got := r.URL.Query().Get("login"); got != "testuser" && got != "nonexistent" {
					t.Errorf("login query param = %q", got)
				}
				writeJSON(w, http.StatusOK, tt.response)
			})

			userID, err := client.GetUserID(context.Background(), tt.login)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("GetUserID() error = %v, want %v", err, tt.wantErr)
				}
				return
			case tt.wantAny:
				if err == nil {
					t.Fatal("GetUserID() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUserID() unexpected error = %v", err)
			}
			if userID != tt.wantUserID {
				t.Errorf("GetUserID() = %s, want %s", userID, tt.wantUserID)
			}
		})
	}
}

func TestHelixClient_GetRedemptions(t *testing.T) {
	var gotCursor string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/channel_points/custom_rewards/redemptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("broadcaster_id") != "b-1" || q.Get("reward_id") != "reward-1" || q.Get("status") != "UNFULFILLED" || q.Get("first") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		gotCursor = q.Get("after")
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "r-1", "user_login": "viewer", "user_name": "Viewer", "user_input": "hello", "status": "UNFULFILLED", "redeemed_at": "2024-01-01T10:00:00Z"},
				{"id": "r-2", "user_login": "other", "user_input": "", "status": "UNFULFILLED", "redeemed_at": "2024-01-01T10:01:00Z"},
			},
			"pagination": map[string]string{"cursor": "next-cursor"},
		})
	})

	page, err := client.GetRedemptions(context.Background(), "reward-1", "", "prev-cursor")
	if err != nil {
		t.Fatalf("GetRedemptions() error = %v", err)
	}
	if gotCursor != "prev-cursor" {
		t.Errorf("after = %q, want prev-cursor", gotCursor)
	}
	if len(page.Redemptions) != 2 || page.Cursor != "next-cursor" {
		t.Fatalf("page = %+v", page)
	}
	if page.Redemptions[0].UserInput != "hello" || page.Redemptions[0].UserName != "Viewer" {
		t.Errorf("first redemption = %+v", page.Redemptions[0])
	}
}

func TestHelixClient_RewardSettings(t *testing.T) {
	tests := []struct {
		name     string
		call     func(*HelixClient) error
		wantBody map[string]any
	}{
		{
			name:     "limit enabled",
			call:     func(c *HelixClient) error { return c.UpdateRedemptionLimit(context.Background(), "reward-1", 4) },
			wantBody: map[string]any{"max_per_stream": 4.0, "is_max_per_stream_enabled": true},
		},
		{
			name:     "limit disabled",
			call:     func(c *HelixClient) error { return c.UpdateRedemptionLimit(context.Background(), "reward-1", 0) },
			wantBody: map[string]any{"max_per_stream": 1.0, "is_max_per_stream_enabled": false},
		},
		{
			name:     "cooldown enabled",
			call:     func(c *HelixClient) error { return c.UpdateCooldown(context.Background(), "reward-1", 900) },
			wantBody: map[string]any{"global_cooldown_seconds": 900.0, "is_global_cooldown_enabled": true},
		},
		{
			name:     "cooldown disabled",
			call:     func(c *HelixClient) error { return c.UpdateCooldown(context.Background(), "reward-1", 0) },
			wantBody: map[string]any{"global_cooldown_seconds": 1.0, "is_global_cooldown_enabled": false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPatch {
					t.Errorf("method = %s, want PATCH", r.Method)
				}
				if r.URL.Query().Get("id") != "reward-1" {
					t.Errorf("id = %q", r.URL.Query().Get("id"))
				}
				var body map[string]any
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Fatal(err)
				}
				for k, v := range tt.wantBody {
					if body[k] != v {
						t.Errorf("body[%s] = %v, want %v", k, body[k], v)
					}
				}
				writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
			})
			if err := tt.call(client); err != nil {
				t.Fatalf("update error = %v", err)
			}
		})
	}
}

func TestHelixClient_CreatePoll(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			BroadcasterID string `json:"broadcaster_id"`
			Title         string `json:"title"`
			Duration      int    `json:"duration"`
			Choices       []struct {
				Title string `json:"title"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.BroadcasterID != "b-1" || body.Title != "Pizza?" || body.Duration != 60 || len(body.Choices) != 2 {
			t.Errorf("body = %+v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"id": "p-1", "title": body.Title, "status": "ACTIVE"}}})
	})

	poll, err := client.CreatePoll(context.Background(), " Pizza? ", []string{"Oui", "Non"}, time.Minute)
	if err != nil {
		t.Fatalf("CreatePoll() error = %v", err)
	}
	if poll.ID != "p-1" {
		t.Errorf("poll id = %q", poll.ID)
	}

	_, err = client.CreatePoll(context.Background(), "Pizza?", []string{"Oui"}, time.Minute)
	if !errors.Is(err, ErrInvalidPoll) {
		t.Fatalf("CreatePoll() one choice error = %v, want ErrInvalidPoll", err)
	}
	if calls.Load() != 1 {
		t.Errorf("invalid poll must not reach the API, calls = %d", calls.Load())
	}
}

func TestValidatePoll(t *testing.T) {
	long := strings.Repeat("x", MaxPollTitle+1)
	tests := []struct {
		name     string
		title    string
		choices  []string
		duration time.Duration
		wantErr  bool
	}{
		{"ok", "Question", []string{"a", "b"}, time.Minute, false},
		{"five choices", "Question", []string{"a", "b", "c", "d", "e"}, time.Minute, false},
		{"empty title", " ", []string{"a", "b"}, time.Minute, true},
		{"title too long", long, []string{"a", "b"}, time.Minute, true},
		{"too many choices", "Q", []string{"a", "b", "c", "d", "e", "f"}, time.Minute, true},
		{"blank choice", "Q", []string{"a", " "}, time.Minute, true},
		{"choice too long", "Q", []string{"a", strings.Repeat("é", MaxChoiceTitle+1)}, time.Minute, true},
		{"too short", "Q", []string{"a", "b"}, 5 * time.Second, true},
		{"too long", "Q", []string{"a", "b"}, time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePoll(tt.title, tt.choices, tt.duration)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePoll() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHelixClient_SendChatMessageDropped(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{
			"message_id": "", "is_sent": false,
			"drop_reason": map[string]string{"code": "msg_duplicate", "message": "duplicate"},
		}}})
	})
	err := client.SendChatMessage(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "msg_duplicate") {
		t.Fatalf("SendChatMessage() error = %v, want drop reason", err)
	}
}

func TestHelixClient_GetModeratorsPaginates(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"data":       []map[string]string{{"user_login": "ModOne"}},
				"pagination": map[string]string{"cursor": "c1"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{{"user_login": "modtwo"}}, "pagination": map[string]string{}})
	})
	mods, err := client.GetModerators(context.Background())
	if err != nil {
		t.Fatalf("GetModerators() error = %v", err)
	}
	if len(mods) != 2 || mods[0] != "modone" || mods[1] != "modtwo" {
		t.Errorf("mods = %v", mods)
	}
}

func TestHelixClient_IsLive(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user_id") != "b-1" {
			t.Errorf("user_id = %q", r.URL.Query().Get("user_id"))
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"id": "s1", "type": "live", "viewer_count": 10}}})
	})
	live, err := client.IsLive(context.Background(), "b-1")
	if err != nil || !live {
		t.Fatalf("IsLive() = %v, %v", live, err)
	}
}

func TestHelixClient_MissingBroadcaster(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	client.BroadcasterID = ""
	if _, err := client.ListCustomRewards(context.Background(), true); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("ListCustomRewards() error = %v, want ErrAuthRequired", err)
	}
}

func TestHelixClient_429Retry(t *testing.T) {
	var attempts atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "Too Many Requests", "status": 429})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	})
	if err := client.SendAnnouncement(context.Background(), "duclemRami hello", "purple"); err != nil {
		t.Fatalf("SendAnnouncement() error after 429 retry = %v", err)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts (429 + success), got %d", attempts.Load())
	}
}

func TestHelixClient_5xxRetryOnlyForReads(t *testing.T) {
	var reads, writes atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if reads.Add(1) < helixMaxRetries {
				writeJSON(w, http.StatusBadGateway, map[string]any{"status": 502})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"id": "p-1", "status": "ACTIVE"}}})
			return
		}
		writes.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": 500})
	})

	polls, err := client.ActivePolls(context.Background())
	if err != nil || len(polls) != 1 {
		t.Fatalf("ActivePolls() = %v, %v", polls, err)
	}
	if reads.Load() != helixMaxRetries {
		t.Errorf("reads = %d, want %d", reads.Load(), helixMaxRetries)
	}

	err = client.EndPoll(context.Background(), "p-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("EndPoll() error = %v, want APIError 500", err)
	}
	if writes.Load() != 1 {
		t.Errorf("writes must not be retried on 5xx, got %d attempts", writes.Load())
	}
}

func TestHelixClient_401RefreshRetry(t *testing.T) {
	var attempts atomic.Int32
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
				t.Errorf("first attempt auth = %q", got)
			}
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized", "status": 401})
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
			t.Errorf("second attempt auth = %q, want refreshed token", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{{"id": "u-123"}}})
	})

	userID, err := client.GetUserID(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("GetUserID() unexpected error = %v", err)
	}
	if userID != "u-123" {
		t.Fatalf("GetUserID() = %q, want u-123", userID)
	}
	if tokens.refreshes != 1 || attempts.Load() != 2 {
		t.Fatalf("refreshes = %d, attempts = %d, want 1 and 2", tokens.refreshes, attempts.Load())
	}
}

func TestHelixClient_401AfterRefreshIsAuthRequired(t *testing.T) {
	var attempts atomic.Int32
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401})
	})
	_, err := client.GetUserID(context.Background(), "testuser")
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("error = %v, want ErrAuthRequired", err)
	}
	if tokens.refreshes != 1 || attempts.Load() != 2 {
		t.Errorf("refreshes = %d, attempts = %d, want 1 and 2", tokens.refreshes, attempts.Load())
	}
}

func TestHelixClient_FailedRefreshIsAuthRequired(t *testing.T) {
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401})
	})
	tokens.refreshErr = errors.New("refresh token revoked")
	if err := client.Shoutout(context.Background(), "u-9"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("Shoutout() error = %v, want ErrAuthRequired", err)
	}
}

func TestHelixClient_BreakerOpensOnUpstreamFailures(t *testing.T) {
	var attempts atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": 503})
	})
	for i := 0; i < 5; i++ {
		_ = client.SendChatMessage(context.Background(), "hi")
	}
	err := client.SendChatMessage(context.Background(), "hi")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want open breaker", err)
	}
	if attempts.Load() != 5 {
		t.Errorf("attempts = %d, want 5 before the breaker opened", attempts.Load())
	}
}

// rewriteTransport rewrites all requests to use the test server
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}

func TestHelixClient_SetBroadcasterIDWhileInUse(t *testing.T) {
	seen := make(chan string, 64)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL.Query().Get("broadcaster_id")
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{}})
	})
	if got := client.Broadcaster(); got != "b-1" {
		t.Fatalf("Broadcaster() = %q, want the struct field value", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := client.GetModerators(context.Background()); err != nil {
				t.Errorf("GetModerators() error = %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			client.SetBroadcasterID("b-2")
		}()
	}
	wg.Wait()
	for i := 0; i < 8; i++ {
		if id := <-seen; id != "b-1" && id != "b-2" {
			t.Errorf("request for broadcaster %q", id)
		}
	}

	if _, err := client.GetModerators(context.Background()); err != nil {
		t.Fatal(err)
	}
	if id := <-seen; id != "b-2" {
		t.Errorf("request after SetBroadcasterID for %q, want b-2", id)
	}
}
