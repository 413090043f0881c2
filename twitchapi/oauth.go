package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

const defaultValidateURL = "https://id.twitch.tv/oauth2/validate"

// OAuth wraps the authorization code grant, refresh and token validation
// against id.twitch.tv.
type OAuth struct {
	Config      *oauth2.Config
	HTTPClient  *http.Client
	ValidateURL string
}

// NewOAuth builds the user-token flow for the given app registration.
func NewOAuth(clientID, clientSecret, redirectURI string, scopes []string) *OAuth {
	ep := twitch.Endpoint
	ep.AuthStyle = oauth2.AuthStyleInParams
	return &OAuth{Config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint:     ep,
	}}
}

func (o *OAuth) ctx(ctx context.Context) context.Context {
	if o.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}
	return ctx
}

// AuthorizeURL is where the broadcaster grants the bot its scopes.
func (o *OAuth) AuthorizeURL(state string) (string, error) {
	if o.Config.ClientID == "" || o.Config.RedirectURL == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return o.Config.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true")), nil
}

// Exchange trades an authorization code for access and refresh tokens.
func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	tok, err := o.Config.Exchange(o.ctx(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	return tok, nil
}

// Refresh runs the refresh_token grant. A rejected refresh token maps to
// ErrAuthRequired since only a new login can recover from it.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrAuthRequired)
	}
	// an empty access token is always treated as expired, forcing the grant
	tok, err := o.Config.TokenSource(o.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("%w: refresh rejected: %v", ErrAuthRequired, err)
		}
		return nil, fmt.Errorf("twitch refresh failed: %w", err)
	}
	return tok, nil
}

// Validation is the body of a successful token validation.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	ExpiresIn int      `json:"expires_in"`
}

// Validate checks an access token. A 401 returns ErrAuthRequired; any other
// failure is transient.
func (o *OAuth) Validate(ctx context.Context, accessToken string) (*Validation, error) {
	u := o.ValidateURL
	if u == "" {
		u = defaultValidateURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	hc := o.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: token invalid", ErrAuthRequired)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Endpoint: "GET /oauth2/validate", Status: resp.StatusCode, Body: string(b)}
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +7 days when unknown.
func ComputeExpiry(now time.Time, seconds int) time.Time {
	if seconds <= 0 {
		return now.Add(7 * 24 * time.Hour)
	}
	return now.Add(time.Duration(seconds) * time.Second)
}
