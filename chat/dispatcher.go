package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/duclems/pointsbot/birthdays"
	"github.com/duclems/pointsbot/commands"
	"github.com/duclems/pointsbot/telemetry"
	"github.com/duclems/pointsbot/twitchapi"
)

const (
	Prefix       = "!"
	actionMarker = "/me "
)

// Message is one inbound chat line, already stripped of transport details.
type Message struct {
	User        string // login
	DisplayName string
	Text        string
	Mod         bool // IRC mod tag
	Broadcaster bool // broadcaster badge
}

// Platform is the subset of Helix the dispatcher acts through.
type Platform interface {
	SendChatMessage(ctx context.Context, message string) error
	GetUserByLogin(ctx context.Context, login string) (*twitchapi.User, error)
	Shoutout(ctx context.Context, toBroadcasterID string) error
	GetModerators(ctx context.Context) ([]string, error)
}

// ShoutoutState records the current shoutout target.
type ShoutoutState interface {
	Set(ctx context.Context, subject string) error
}

// Dispatcher answers chat commands from the command table and handles the
// stateful shoutout and birthday commands.
type Dispatcher struct {
	botLogin  string
	commands  *commands.Table
	birthdays *birthdays.Book
	shoutouts ShoutoutState
	api       Platform
	clock     clockwork.Clock

	mu   sync.RWMutex
	mods map[string]struct{}
}

func NewDispatcher(botLogin string, cmds *commands.Table, book *birthdays.Book, shoutouts ShoutoutState, api Platform, clock clockwork.Clock) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{
		botLogin:  strings.ToLower(botLogin),
		commands:  cmds,
		birthdays: book,
		shoutouts: shoutouts,
		api:       api,
		clock:     clock,
		mods:      map[string]struct{}{},
	}
}

// RefreshModerators replaces the moderator set. On failure the previous set is kept.
func (d *Dispatcher) RefreshModerators(ctx context.Context) {
	logins, err := d.api.GetModerators(ctx)
	if err != nil {
		slog.Warn("refresh moderators failed", slog.Any("err", err), slog.String("component", "chat"))
		return
	}
	next := make(map[string]struct{}, len(logins))
	for _, l := range logins {
		next[strings.ToLower(l)] = struct{}{}
	}
	d.mu.Lock()
	d.mods = next
	d.mu.Unlock()
	slog.Info("moderators loaded", slog.Int("count", len(next)), slog.String("component", "chat"))
}

// IsModerator reports whether m comes from a moderator or the broadcaster.
func (d *Dispatcher) IsModerator(m Message) bool {
	if m.Mod || m.Broadcaster {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.mods[strings.ToLower(m.User)]
	return ok
}

// Handle processes one message and returns the reply it sent, if any. Messages
// from the bot itself and lines without the command prefix are ignored.
func (d *Dispatcher) Handle(ctx context.Context, m Message) (string, error) {
	if strings.EqualFold(m.User, d.botLogin) {
		return "", nil
	}
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, Prefix) {
		return "", nil
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(text, Prefix), " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)
	if name == "" {
		return "", nil
	}
	privileged := d.IsModerator(m)

	var (
		reply string
		err   error
	)
	switch name {
	case "so":
		if !privileged {
			return "", nil
		}
		reply, err = d.shoutout(ctx, m, args)
	case "monanniv":
		reply, err = d.registerBirthday(ctx, m, args)
	case "anniv":
		reply = d.queryBirthdays(ctx, args)
	default:
		e, ok := d.commands.Find(name, privileged)
		if !ok || (e.RequiresArgs && args == "") {
			return "", nil
		}
		reply = Substitute(d.commands.Resolve(e), m.User, m.DisplayName, args)
	}
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", nil
	}
	telemetry.IncChatCommand(name)
	reply = withActionMarker(reply)
	if err := d.api.SendChatMessage(ctx, reply); err != nil {
		return "", fmt.Errorf("send reply to !%s: %w", name, err)
	}
	return reply, nil
}

// shoutout records the target as the current shoutout, then asks Twitch for the
// native shoutout. An unknown user or a failed shoutout call does not stop the reply.
func (d *Dispatcher) shoutout(ctx context.Context, m Message, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "", nil
	}
	target := strings.TrimPrefix(fields[0], "@")
	if target == "" {
		return "", nil
	}
	log := slog.With(slog.String("target", target), slog.String("component", "chat"))
	if err := d.shoutouts.Set(ctx, target); err != nil {
		log.Warn("persist current shoutout failed", slog.Any("err", err))
	}
	user, err := d.api.GetUserByLogin(ctx, target)
	switch {
	case errors.Is(err, twitchapi.ErrNotFound):
		log.Info("shoutout target not found on twitch")
	case err != nil:
		log.Warn("shoutout lookup failed", slog.Any("err", err))
	default:
		if err := d.api.Shoutout(ctx, user.ID); err != nil {
			log.Warn("twitch shoutout failed", slog.Any("err", err))
		}
	}
	e, ok := d.commands.Find("so", true)
	if !ok {
		return "", nil
	}
	return Substitute(d.commands.Resolve(e), m.User, m.DisplayName, target), nil
}

func (d *Dispatcher) registerBirthday(ctx context.Context, m Message, args string) (string, error) {
	display := m.DisplayName
	if display == "" {
		display = m.User
	}
	if args == "" {
		return fmt.Sprintf("@%s utilise !monanniv JJ/MM/AAAA", display), nil
	}
	rec, err := d.birthdays.Register(ctx, m.User, display, args)
	switch {
	case err == nil:
		return fmt.Sprintf("@%s ton anniversaire (%s) est enregistré 🎂", display, rec.Date), nil
	case errors.Is(err, birthdays.ErrAlreadyRegistered):
		return fmt.Sprintf("@%s ton anniversaire est déjà enregistré : %s", display, rec.Date), nil
	case errors.Is(err, birthdays.ErrInvalidDate):
		return fmt.Sprintf("@%s date invalide, utilise !monanniv JJ/MM/AAAA", display), nil
	default:
		return "", err
	}
}

func (d *Dispatcher) queryBirthdays(ctx context.Context, args string) string {
	if args != "" {
		who := strings.TrimPrefix(strings.Fields(args)[0], "@")
		rec, ok := d.birthdays.Get(ctx, who)
		if !ok {
			return fmt.Sprintf("Pas d'anniversaire enregistré pour %s", who)
		}
		return fmt.Sprintf("L'anniversaire de %s est le %s", rec.DisplayName, rec.Date)
	}
	today := d.birthdays.On(ctx, d.clock.Now())
	if len(today) == 0 {
		return "Aucun anniversaire aujourd'hui"
	}
	names := make([]string, len(today))
	for i, r := range today {
		names[i] = "@" + r.DisplayName
	}
	return "Joyeux anniversaire à " + strings.Join(names, ", ") + " 🎉"
}

// Substitute replaces the first occurrence of each placeholder.
func Substitute(resp, user, displayName, args string) string {
	if displayName == "" {
		displayName = user
	}
	resp = strings.Replace(resp, "@username", "@"+user, 1)
	resp = strings.Replace(resp, "$(display_name)", displayName, 1)
	return strings.Replace(resp, "$(args)", args, 1)
}

func withActionMarker(s string) string {
	if strings.HasPrefix(s, actionMarker) {
		return s
	}
	return actionMarker + s
}
