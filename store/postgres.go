package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Postgres keeps documents in the kv table created by db.Prepare.
type Postgres struct {
	DB *sql.DB
}

func (p *Postgres) Load(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := p.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (p *Postgres) Save(ctx context.Context, key string, data []byte) error {
	// clock_timestamp so two saves in one transaction still move the watermark
	_, err := p.DB.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1, $2, clock_timestamp())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`, key, string(data))
	return err
}

func (p *Postgres) ModTime(ctx context.Context, key string) (time.Time, error) {
	var ts time.Time
	err := p.DB.QueryRowContext(ctx, `SELECT updated_at FROM kv WHERE key=$1`, key).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return ts, err
}

func (p *Postgres) Close() error { return p.DB.Close() }
