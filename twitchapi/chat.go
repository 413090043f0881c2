package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// SendAnnouncement posts a highlighted announcement. Color is one of blue,
// green, orange, purple or primary.
func (hc *HelixClient) SendAnnouncement(ctx context.Context, message, color string) error {
	bid, err := hc.broadcaster()
	if err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("empty announcement")
	}
	if color == "" {
		color = "primary"
	}
	q := url.Values{"broadcaster_id": {bid}, "moderator_id": {bid}}
	return hc.do(ctx, http.MethodPost, "/chat/announcements", q, map[string]string{"message": message, "color": color}, nil)
}

// SendChatMessage posts a plain chat message as the broadcaster.
func (hc *HelixClient) SendChatMessage(ctx context.Context, message string) error {
	bid, err := hc.broadcaster()
	if err != nil {
		return err
	}
	body := map[string]string{"broadcaster_id": bid, "sender_id": bid, "message": message}
	var out page[struct {
		MessageID  string `json:"message_id"`
		IsSent     bool   `json:"is_sent"`
		DropReason *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"drop_reason"`
	}]
	if err := hc.do(ctx, http.MethodPost, "/chat/messages", nil, body, &out); err != nil {
		return err
	}
	if len(out.Data) > 0 && !out.Data[0].IsSent {
		if dr := out.Data[0].DropReason; dr != nil {
			return fmt.Errorf("chat message dropped: %s: %s", dr.Code, dr.Message)
		}
		return errors.New("chat message dropped")
	}
	return nil
}

// Shoutout sends an official shoutout to another broadcaster.
func (hc *HelixClient) Shoutout(ctx context.Context, toBroadcasterID string) error {
	bid, err := hc.broadcaster()
	if err != nil {
		return err
	}
	if toBroadcasterID == "" {
		return errors.New("empty shoutout target")
	}
	q := url.Values{"from_broadcaster_id": {bid}, "to_broadcaster_id": {toBroadcasterID}, "moderator_id": {bid}}
	return hc.do(ctx, http.MethodPost, "/chat/shoutouts", q, nil, nil)
}

// GetModerators returns the lowercased logins of the channel's moderators.
func (hc *HelixClient) GetModerators(ctx context.Context) ([]string, error) {
	bid, err := hc.broadcaster()
	if err != nil {
		return nil, err
	}
	var logins []string
	cursor := ""
	for {
		q := url.Values{"broadcaster_id": {bid}, "first": {"100"}}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var out page[struct {
			UserLogin string `json:"user_login"`
		}]
		if err := hc.do(ctx, http.MethodGet, "/moderation/moderators", q, nil, &out); err != nil {
			return nil, err
		}
		for _, m := range out.Data {
			logins = append(logins, strings.ToLower(m.UserLogin))
		}
		if out.Pagination.Cursor == "" || len(out.Data) == 0 {
			return logins, nil
		}
		cursor = out.Pagination.Cursor
	}
}
