// Package ratelimit provides a fixed-window limiter backed by Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter configuration
type Config struct {
	RedisURL string        `envconfig:"REDIS_URL"`
	Limit    int64         `envconfig:"STATUS_POLL_LIMIT" default:"60"`
	Window   time.Duration `envconfig:"STATUS_POLL_WINDOW" default:"1m"`
}

// counter is the subset of the Redis client the limiter uses.
type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisLimiter allows Limit hits per key within each Window.
type RedisLimiter struct {
	client counter
	limit  int64
	window time.Duration
	prefix string
}

// NewRedisClient parses the URL and pings the server
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// NewRedisLimiter creates a limiter whose keys are namespaced by prefix.
func NewRedisLimiter(client *redis.Client, prefix string, limit int64, window time.Duration) *RedisLimiter {
	return newLimiter(client, prefix, limit, window)
}

func newLimiter(client counter, prefix string, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: prefix}
}

// Allow counts one hit for key and reports whether it is within budget.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := fmt.Sprintf("ratelimit:%s:%s", l.prefix, key)

	n, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("incrementing %s: %w", k, err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return false, fmt.Errorf("setting expiry on %s: %w", k, err)
		}
	}
	return n <= l.limit, nil
}
