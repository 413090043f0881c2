package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type User struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	Type            string    `json:"type"`
	BroadcasterType string    `json:"broadcaster_type"`
	Description     string    `json:"description"`
	ProfileImageURL string    `json:"profile_image_url"`
	CreatedAt       time.Time `json:"created_at"`
}

type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	GameName    string    `json:"game_name"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

type Channel struct {
	BroadcasterID       string   `json:"broadcaster_id"`
	BroadcasterLogin    string   `json:"broadcaster_login"`
	BroadcasterName     string   `json:"broadcaster_name"`
	BroadcasterLanguage string   `json:"broadcaster_language"`
	GameID              string   `json:"game_id"`
	GameName            string   `json:"game_name"`
	Title               string   `json:"title"`
	Delay               int      `json:"delay"`
	Tags                []string `json:"tags"`
}

func (hc *HelixClient) getUser(ctx context.Context, key, value string) (*User, error) {
	var out page[User]
	if err := hc.do(ctx, http.MethodGet, "/users", url.Values{key: {value}}, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("user %s=%s: %w", key, value, ErrNotFound)
	}
	return &out.Data[0], nil
}

// GetUserByLogin looks a user up by login; a leading @ is ignored.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	login = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(login), "@"))
	if login == "" {
		return nil, errors.New("login empty")
	}
	return hc.getUser(ctx, "login", login)
}

func (hc *HelixClient) GetUserByID(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, errors.New("user id empty")
	}
	return hc.getUser(ctx, "id", id)
}

// GetUserID resolves a login to its numeric user id.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUserByLogin(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// GetStreams returns the live stream of userID, if any.
func (hc *HelixClient) GetStreams(ctx context.Context, userID string) ([]Stream, error) {
	var out page[Stream]
	if err := hc.do(ctx, http.MethodGet, "/streams", url.Values{"user_id": {userID}}, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (hc *HelixClient) IsLive(ctx context.Context, userID string) (bool, error) {
	streams, err := hc.GetStreams(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, s := range streams {
		if s.Type == "live" {
			return true, nil
		}
	}
	return false, nil
}

func (hc *HelixClient) GetChannel(ctx context.Context, broadcasterID string) (*Channel, error) {
	var out page[Channel]
	if err := hc.do(ctx, http.MethodGet, "/channels", url.Values{"broadcaster_id": {broadcasterID}}, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("channel %s: %w", broadcasterID, ErrNotFound)
	}
	return &out.Data[0], nil
}
