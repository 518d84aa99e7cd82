package redisx

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reconnect backoff doubles from the initial value up to the ceiling.
const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

func FromEnv() Config {
	db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	return Config{
		Addr:     getenv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}
}

// NewClientWithBackoff dials until the server answers PING or ctx is done.
// Each failed probe closes its client before backing off, so a slow-starting
// Redis does not leak connection pools.
func NewClientWithBackoff(ctx context.Context, cfg Config) (*redis.Client, error) {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		err := rdb.Ping(ctx).Err()
		if err == nil {
			return rdb, nil
		}
		_ = rdb.Close()
		slog.Warn("redis not ready", "addr", cfg.Addr, "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
