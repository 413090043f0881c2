package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps each document in a hash with the JSON body and a modification timestamp.
type Redis struct {
	Client *redis.Client
	Prefix string
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{Client: client, Prefix: "pointsbot:"}, nil
}

func (r *Redis) key(k string) string { return r.Prefix + k }

func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.Client.HGet(ctx, r.key(key), "value").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (r *Redis) Save(ctx context.Context, key string, data []byte) error {
	return r.Client.HSet(ctx, r.key(key),
		"value", data,
		"updated_at", strconv.FormatInt(time.Now().UnixNano(), 10),
	).Err()
}

func (r *Redis) ModTime(ctx context.Context, key string) (time.Time, error) {
	raw, err := r.Client.HGet(ctx, r.key(key), "updated_at").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns), nil
}

func (r *Redis) Close() error { return r.Client.Close() }
