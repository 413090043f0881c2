package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

// AppTokenSource fetches and caches a Twitch app access (client credentials) token.
// It can read public data (users, streams, channels) but cannot act on the
// channel: polls, rewards, announcements and chat need the broadcaster's user token.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client

	once sync.Once
	src  oauth2.TokenSource
}

// AccessToken returns a valid (fresh or cached) app access token.
func (ts *AppTokenSource) AccessToken(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	ts.once.Do(func() {
		tokenURL := ts.TokenURL
		if tokenURL == "" {
			tokenURL = twitch.Endpoint.TokenURL
		}
		cc := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		// the source outlives ctx, so it gets its own
		bg := context.Background()
		if ts.HTTPClient != nil {
			bg = context.WithValue(bg, oauth2.HTTPClient, ts.HTTPClient)
		}
		ts.src = cc.TokenSource(bg)
	})
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := ts.src.Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	return tok.AccessToken, nil
}
