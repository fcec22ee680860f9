// Package resilience provides rate limiting and circuit breaking for the
// gateway's inbound traffic and its broker connection.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter defines the interface for rate limiting implementations.
// This allows swapping between in-memory and Redis-backed implementations.
type RateLimiter interface {
	// Allow checks if a request is allowed for the given key.
	// Returns true if allowed, false if rate limited.
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// InMemoryRateLimiterAdapter adapts RateLimiterManager to the RateLimiter interface.
type InMemoryRateLimiterAdapter struct {
	manager *RateLimiterManager
}

// NewInMemoryRateLimiterAdapter creates a new adapter for in-memory rate limiting.
func NewInMemoryRateLimiterAdapter(config RateLimiterConfig) *InMemoryRateLimiterAdapter {
	return &InMemoryRateLimiterAdapter{
		manager: NewRateLimiterManager(config),
	}
}

// Allow implements RateLimiter interface.
func (a *InMemoryRateLimiterAdapter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	a.manager.SetRateIfNotExists(key, float64(limit), burstFor(limit))
	return a.manager.Allow(key), nil
}

func burstFor(limit int) int {
	return limit/10 + 1
}

// RedisConfig holds configuration for Redis connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults for Redis connection.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient parses config.URL and applies the pool settings.
func NewRedisClient(config RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}
	return redis.NewClient(opts), nil
}
