package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/duclems/pointsbot/config"
	"github.com/duclems/pointsbot/store"
	"github.com/duclems/pointsbot/testutil"
)

func newBackend(t *testing.T) store.Backend {
	t.Helper()
	dir := t.TempDir()
	doc := `{"poll":[{"question":"Ton jeu préféré ?","status":true},{"question":"Déjà posée","status":false}]}`
	if err := os.WriteFile(filepath.Join(dir, store.KeyAnnouncements+".json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := store.NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
	return rec.Code, body
}

func TestChannelLookupUsesAppToken(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("app-token", "", 3600)
	m.MockStreamsResponse(nil)
	auth := make(chan string, 4)
	m.Handle("/helix/channels", func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{
			"broadcaster_id":    "1234",
			"broadcaster_login": "duclems",
			"title":             "Soirée quiz",
		}}})
	})

	cfg := &config.Config{TwitchClientID: "cid", TwitchClientSecret: "secret", APITimeout: 5 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newMux(ctx, cfg, newBackend(t), clockwork.NewFakeClock(), endpoints{
		helixURL:   m.HelixURL(),
		tokenURL:   m.URL + "/oauth2/token",
		httpClient: m.Client(),
	})

	code, body := get(t, h, "/api/twitch/channel/1234")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body %v", code, body)
	}
	data := body["data"].(map[string]any)
	if data["title"] != "Soirée quiz" || data["isLive"] != false {
		t.Errorf("data = %v", data)
	}
	if got := <-auth; got != "Bearer app-token" {
		t.Errorf("Authorization = %q, want the app token", got)
	}
}

func TestQueriesWithoutTwitchCredentials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newMux(ctx, &config.Config{}, newBackend(t), clockwork.NewFakeClock(), endpoints{})

	code, body := get(t, h, "/api/announcements")
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("announcements = %d %v", code, body)
	}
	if code, _ := get(t, h, "/api/twitch/channel/1234"); code != http.StatusServiceUnavailable {
		t.Errorf("channel without credentials = %d, want 503", code)
	}
	if code, _ := get(t, h, "/api/shoutout/current"); code != http.StatusNotFound {
		t.Errorf("shoutout = %d, want 404", code)
	}
	if code, _ := get(t, h, "/auth/start"); code != http.StatusServiceUnavailable {
		t.Errorf("auth/start = %d, want 503", code)
	}
}
