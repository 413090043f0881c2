package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/duclems/pointsbot/twitchapi"
)

type fakeRewards struct {
	rewards    []twitchapi.CustomReward
	manageable bool
	created    []twitchapi.CreateRewardRequest
}

func (f *fakeRewards) ListCustomRewards(_ context.Context, onlyManageable bool) ([]twitchapi.CustomReward, error) {
	f.manageable = onlyManageable
	return f.rewards, nil
}

func (f *fakeRewards) CreateCustomReward(_ context.Context, req twitchapi.CreateRewardRequest) (*twitchapi.CustomReward, error) {
	f.created = append(f.created, req)
	return &twitchapi.CustomReward{ID: "rw-9", Title: req.Title, Cost: req.Cost}, nil
}

func TestList(t *testing.T) {
	api := &fakeRewards{rewards: []twitchapi.CustomReward{
		{ID: "rw-1", Title: "Sondage", Cost: 500, IsEnabled: true},
		{ID: "rw-2", Title: "Question", Cost: 300, IsEnabled: true, IsPaused: true, IsUserInputRequired: true},
	}}
	var out bytes.Buffer
	if err := run(context.Background(), api, []string{"list", "-manageable"}, &out); err != nil {
		t.Fatal(err)
	}
	if !api.manageable {
		t.Error("-manageable not forwarded")
	}
	for _, want := range []string{"rw-1", "Sondage", "enabled", "paused"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCreate(t *testing.T) {
	api := &fakeRewards{}
	var out bytes.Buffer
	args := []string{"create", "-title", "Sondage", "-cost", "500", "-skip-queue", "-paused"}
	if err := run(context.Background(), api, args, &out); err != nil {
		t.Fatal(err)
	}
	if len(api.created) != 1 {
		t.Fatalf("created = %v", api.created)
	}
	req := api.created[0]
	if req.Title != "Sondage" || req.Cost != 500 || !req.ShouldRedemptionsSkipRequestQueue || req.IsEnabled {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(out.String(), "id=rw-9") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRewardsUsage(t *testing.T) {
	api := &fakeRewards{}
	cases := [][]string{
		nil,
		{"delete"},
		{"create", "-cost", "10"},
		{"create", "-title", "x", "-cost", "0"},
		{"list", "-bogus"},
	}
	for _, args := range cases {
		if err := run(context.Background(), api, args, &bytes.Buffer{}); !errors.Is(err, errUsage) {
			t.Errorf("run(%v) error = %v, want usage", args, err)
		}
	}
	if len(api.created) != 0 {
		t.Error("invalid create reached the API")
	}
}
