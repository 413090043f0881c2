package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Helix poll limits.
const (
	MaxPollTitle    = 60
	MaxChoiceTitle  = 25
	MinPollChoices  = 2
	MaxPollChoices  = 5
	MinPollDuration = 15 * time.Second
	MaxPollDuration = 30 * time.Minute
)

var ErrInvalidPoll = errors.New("invalid poll")

type PollChoice struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Votes int    `json:"votes,omitempty"`
}

type Poll struct {
	ID            string       `json:"id"`
	BroadcasterID string       `json:"broadcaster_id"`
	Title         string       `json:"title"`
	Choices       []PollChoice `json:"choices"`
	Status        string       `json:"status"`
	Duration      int          `json:"duration"`
	StartedAt     time.Time    `json:"started_at"`
}

// ValidatePoll checks a poll against the platform limits before it is sent.
func ValidatePoll(title string, choices []string, duration time.Duration) error {
	title = strings.TrimSpace(title)
	switch {
	case title == "":
		return fmt.Errorf("%w: empty title", ErrInvalidPoll)
	case utf8.RuneCountInString(title) > MaxPollTitle:
		return fmt.Errorf("%w: title longer than %d characters", ErrInvalidPoll, MaxPollTitle)
	case len(choices) < MinPollChoices || len(choices) > MaxPollChoices:
		return fmt.Errorf("%w: need %d-%d choices, got %d", ErrInvalidPoll, MinPollChoices, MaxPollChoices, len(choices))
	case duration < MinPollDuration || duration > MaxPollDuration:
		return fmt.Errorf("%w: duration %s outside %s-%s", ErrInvalidPoll, duration, MinPollDuration, MaxPollDuration)
	}
	for i, c := range choices {
		c = strings.TrimSpace(c)
		if c == "" {
			return fmt.Errorf("%w: choice %d is empty", ErrInvalidPoll, i+1)
		}
		if utf8.RuneCountInString(c) > MaxChoiceTitle {
			return fmt.Errorf("%w: choice %q longer than %d characters", ErrInvalidPoll, c, MaxChoiceTitle)
		}
	}
	return nil
}

// CreatePoll starts a poll on the broadcaster's channel.
func (hc *HelixClient) CreatePoll(ctx context.Context, title string, choices []string, duration time.Duration) (*Poll, error) {
	if err := ValidatePoll(title, choices, duration); err != nil {
		return nil, err
	}
	bid, err := hc.broadcaster()
	if err != nil {
		return nil, err
	}
	body := struct {
		BroadcasterID string       `json:"broadcaster_id"`
		Title         string       `json:"title"`
		Choices       []PollChoice `json:"choices"`
		Duration      int          `json:"duration"`
	}{BroadcasterID: bid, Title: strings.TrimSpace(title), Duration: int(duration / time.Second)}
	for _, c := range choices {
		body.Choices = append(body.Choices, PollChoice{Title: strings.TrimSpace(c)})
	}
	var out page[Poll]
	if err := hc.do(ctx, http.MethodPost, "/polls", nil, body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, errors.New("create poll: empty response")
	}
	return &out.Data[0], nil
}

// ListPolls returns the most recent polls, newest first.
func (hc *HelixClient) ListPolls(ctx context.Context) ([]Poll, error) {
	bid, err := hc.broadcaster()
	if err != nil {
		return nil, err
	}
	var out page[Poll]
	if err := hc.do(ctx, http.MethodGet, "/polls", url.Values{"broadcaster_id": {bid}}, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ActivePolls filters ListPolls down to running polls.
func (hc *HelixClient) ActivePolls(ctx context.Context) ([]Poll, error) {
	polls, err := hc.ListPolls(ctx)
	if err != nil {
		return nil, err
	}
	var active []Poll
	for _, p := range polls {
		if p.Status == "ACTIVE" {
			active = append(active, p)
		}
	}
	return active, nil
}

// EndPoll terminates a poll; results stay visible to viewers.
func (hc *HelixClient) EndPoll(ctx context.Context, pollID string) error {
	bid, err := hc.broadcaster()
	if err != nil {
		return err
	}
	if pollID == "" {
		return fmt.Errorf("%w: empty poll id", ErrInvalidPoll)
	}
	body := map[string]string{"broadcaster_id": bid, "id": pollID, "status": "TERMINATED"}
	return hc.do(ctx, http.MethodPatch, "/polls", nil, body, nil)
}
