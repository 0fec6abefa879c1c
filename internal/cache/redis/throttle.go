// Package redis provides a Redis-backed freshness-check throttle so several
// sweeper processes share one horizon per key.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const checkKeyPrefix = "catalog:check:"

type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
}

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Horizon  time.Duration
}

// Throttle implements catalog.CheckThrottle with SET NX EX.
type Throttle struct {
	client  setNXer
	closer  func() error
	horizon time.Duration
}

// New dials Redis and returns a throttle.
func New(ctx context.Context, cfg Config) (*Throttle, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	t := newWithClient(client, cfg.Horizon)
	t.closer = client.Close
	return t, nil
}

func newWithClient(client setNXer, horizon time.Duration) *Throttle {
	if horizon <= 0 {
		horizon = time.Hour
	}
	return &Throttle{client: client, horizon: horizon}
}

// Allow claims key for the horizon; false means another check already holds it.
func (t *Throttle) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := t.client.SetNX(ctx, checkKeyPrefix+key, "1", t.horizon).Result()
	if err != nil {
		return false, fmt.Errorf("claim check key %s: %w", key, err)
	}
	return ok, nil
}

// Close releases the client connection.
func (t *Throttle) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}
