// Package main provides a CLI tool to encrypt the stored Twitch credential record.
//
// A record saved before ENCRYPTION_KEY was configured sits in the store as plain
// JSON. This tool seals it with AES-256-GCM, or re-seals an already encrypted
// record under a new key when --old-key is given.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--status] [--old-key KEY]
//
// Flags:
//
//	--dry-run: Show what would be migrated without making changes
//	--status:  Report whether the record is missing, plaintext or encrypted
//	--old-key: Base64 key the record is currently sealed with (key rotation)
//
// Environment Variables:
//
//	STORE_BACKEND, DATA_DIR, DB_DSN, REDIS_ADDR: where the record lives
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/duclems/pointsbot/app"
	"github.com/duclems/pointsbot/config"
	"github.com/duclems/pointsbot/crypto"
	"github.com/duclems/pointsbot/store"
)

// Record states reported by --status and returned by migrate.
const (
	stateMissing   = "missing"
	statePlaintext = "plaintext"
	stateEncrypted = "encrypted"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	status := flag.Bool("status", false, "Report the encryption status of the credential record and exit")
	oldKey := flag.String("old-key", "", "Base64 key the record is currently sealed with (rotation)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	app.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	backend, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer backend.Close()

	if *status {
		state, err := recordState(ctx, backend)
		if err != nil {
			slog.Error("status check failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("credential record", slog.String("state", state), slog.String("backend", cfg.StoreBackend))
		return
	}

	if cfg.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	encryptor, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}
	var previous crypto.Encryptor
	if *oldKey != "" {
		if previous, err = crypto.NewAESEncryptor(*oldKey); err != nil {
			slog.Error("failed to initialize old-key encryptor", slog.Any("error", err))
			os.Exit(1)
		}
	}

	if err := migrateCredentials(ctx, backend, encryptor, previous, *dryRun); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

func recordState(ctx context.Context, b store.Backend) (string, error) {
	data, err := b.Load(ctx, store.KeyCredentials)
	if errors.Is(err, store.ErrNotFound) {
		return stateMissing, nil
	}
	if err != nil {
		return "", err
	}
	if crypto.IsSealed(data) {
		return stateEncrypted, nil
	}
	return statePlaintext, nil
}

// migrateCredentials seals a plaintext record with enc. An encrypted record is
// left alone unless previous is set, in which case it is re-sealed under enc.
func migrateCredentials(ctx context.Context, b store.Backend, enc, previous crypto.Encryptor, dryRun bool) error {
	data, err := b.Load(ctx, store.KeyCredentials)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("no credential record found to migrate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credential record: %w", err)
	}

	logger := slog.With(slog.String("key", store.KeyCredentials), slog.Bool("dry_run", dryRun))
	plain := data
	if crypto.IsSealed(data) {
		if previous == nil {
			// make sure the configured key can read it before reporting success
			if _, err := crypto.Open(enc, data); err != nil {
				return fmt.Errorf("record is encrypted with another key (pass --old-key): %w", err)
			}
			logger.Info("credential record already encrypted")
			return nil
		}
		if plain, err = crypto.Open(previous, data); err != nil {
			return fmt.Errorf("decrypt with old key: %w", err)
		}
		logger.Info("re-sealing credential record under the new key")
	} else {
		logger.Info("sealing plaintext credential record")
	}

	if dryRun {
		logger.Info("would migrate credential record (dry-run)")
		return nil
	}
	sealed, err := crypto.Seal(enc, plain)
	if err != nil {
		return fmt.Errorf("encrypt credential record: %w", err)
	}
	if err := b.Save(ctx, store.KeyCredentials, sealed); err != nil {
		return fmt.Errorf("save credential record: %w", err)
	}
	return nil
}
