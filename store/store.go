// Package store persists the bot's JSON documents. Every piece of durable state
// (content pools, command table, birthdays, current announcement/shoutout, the
// processed-redemption set, the credential record) is a single document addressed
// by key. Backends report a modification time so callers can detect external edits
// by polling instead of locking.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load and ModTime when no document exists for a key.
var ErrNotFound = errors.New("document not found")

// Document keys.
const (
	KeyPolls               = "sondage"
	KeyAnnouncements       = "questions"
	KeyCommands            = "commands"
	KeyBirthdays           = "birthdays"
	KeyCurrentAnnouncement = "current-announcement"
	KeyCurrentShoutout     = "current-shoutout"
	KeyEngineState         = "engine-state"
	KeyCredentials         = "twitch-tokens"
)

// Backend is a last-writer-wins document store.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	ModTime(ctx context.Context, key string) (time.Time, error)
	Close() error
}

// LoadJSON decodes the document stored under key into v.
func LoadJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := b.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SaveJSON encodes v (indented, so files stay hand-editable) and stores it under key.
func SaveJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Save(ctx, key, data)
}
