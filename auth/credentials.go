// Package auth keeps the broadcaster's user credential usable: it persists the
// token record, validates it at startup, refreshes it before expiry and serves
// bearer tokens to the Helix client.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duclems/pointsbot/crypto"
	"github.com/duclems/pointsbot/store"
	"github.com/duclems/pointsbot/twitchapi"
)

// RecordVersion tags the credential document layout.
const RecordVersion = "2.0"

// Credentials is the persisted user token record.
type Credentials struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	UserID          string    `json:"userId"`
	Login           string    `json:"login,omitempty"`
	Scopes          []string  `json:"scopes,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	LastRefresh     time.Time `json:"lastRefresh,omitempty"`
	EstimatedExpiry time.Time `json:"estimatedExpiry"`
	Version         string    `json:"version"`
}

// Store reads and writes the credential record, sealing it when an encryptor is set.
type Store struct {
	backend store.Backend
	enc     crypto.Encryptor
}

func NewStore(backend store.Backend, enc crypto.Encryptor) *Store {
	return &Store{backend: backend, enc: enc}
}

// Load returns the stored record. A missing record is ErrAuthRequired.
func (s *Store) Load(ctx context.Context) (*Credentials, error) {
	data, err := s.backend.Load(ctx, store.KeyCredentials)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no stored credentials", twitchapi.ErrAuthRequired)
	}
	if err != nil {
		return nil, err
	}
	if crypto.IsSealed(data) {
		if s.enc == nil {
			return nil, errors.New("credentials are encrypted but ENCRYPTION_KEY is not set")
		}
		if data, err = crypto.Open(s.enc, data); err != nil {
			return nil, fmt.Errorf("decrypt credentials: %w", err)
		}
	} else if s.enc != nil {
		slog.Warn("credentials stored in plaintext, they will be encrypted on next save", slog.String("component", "auth"))
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if c.AccessToken == "" {
		return nil, fmt.Errorf("%w: stored credentials have no access token", twitchapi.ErrAuthRequired)
	}
	return &c, nil
}

func (s *Store) Save(ctx context.Context, c *Credentials) error {
	if c.Version == "" {
		c.Version = RecordVersion
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if s.enc != nil {
		if data, err = crypto.Seal(s.enc, data); err != nil {
			return fmt.Errorf("encrypt credentials: %w", err)
		}
	}
	return s.backend.Save(ctx, store.KeyCredentials, data)
}
