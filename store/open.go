package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/duclems/pointsbot/config"
	"github.com/duclems/pointsbot/db"
)

// Open builds the backend selected by cfg.StoreBackend.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StoreBackend {
	case "", "file":
		slog.Info("using file store", slog.String("dir", cfg.DataDir), slog.String("component", "store"))
		return NewFile(cfg.DataDir)
	case "postgres":
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, err
		}
		if err := db.Prepare(ctx, database); err != nil {
			_ = database.Close()
			return nil, err
		}
		slog.Info("using postgres store", slog.String("component", "store"))
		return &Postgres{DB: database}, nil
	case "redis":
		r, err := NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		slog.Info("using redis store", slog.String("addr", cfg.RedisAddr), slog.String("component", "store"))
		return r, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
