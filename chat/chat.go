package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/duclems/pointsbot/telemetry"
	"github.com/duclems/pointsbot/twitchapi"
)

const (
	inboxSize    = 64
	replyTimeout = 30 * time.Second
	// IRC reconnects reuse the token the client holds; keep it current.
	tokenRefreshEvery = 10 * time.Minute
)

// Run connects to channel's chat as botUser and feeds commands into d until ctx
// is done. The IRC token is the broadcaster's user token from tokens.
func Run(ctx context.Context, channel, botUser string, tokens twitchapi.TokenProvider, d *Dispatcher) error {
	tok, err := tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	client := twitch.NewClient(botUser, "oauth:"+tok)
	inbox := make(chan Message, inboxSize)

	client.OnConnect(func() {
		slog.Info("chat connected", slog.String("channel", channel), slog.String("component", "chat"))
		go d.RefreshModerators(ctx)
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		m := toMessage(msg)
		if !strings.HasPrefix(m.Text, Prefix) {
			return
		}
		select {
		case inbox <- m:
		default:
			slog.Warn("chat inbox full, dropping command", slog.String("user", m.User), slog.String("component", "chat"))
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-inbox:
				handle(ctx, d, m)
			}
		}
	}()

	go func() {
		t := time.NewTicker(tokenRefreshEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := client.Disconnect(); err != nil {
					slog.Debug("chat disconnect", slog.Any("err", err))
				}
				return
			case <-t.C:
				if tok, err := tokens.AccessToken(ctx); err == nil {
					client.SetIRCToken("oauth:" + tok)
				}
			}
		}
	}()

	client.Join(channel)
	err = client.Connect()
	<-done
	if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
		return err
	}
	return nil
}

func handle(ctx context.Context, d *Dispatcher, m Message) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if _, err := d.Handle(ctx, m); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("chat command failed", slog.String("user", m.User), slog.Any("err", err), slog.String("component", "chat"))
	}
}

func toMessage(msg twitch.PrivateMessage) Message {
	_, broadcaster := msg.User.Badges["broadcaster"]
	return Message{
		User:        strings.ToLower(msg.User.Name),
		DisplayName: msg.User.DisplayName,
		Text:        strings.TrimSpace(msg.Message),
		Mod:         msg.Tags["mod"] == "1",
		Broadcaster: broadcaster,
	}
}
