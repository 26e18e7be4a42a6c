// Package cache provides TTL-bound caches for suggestion and parallel
// handoff results. Two implementations are offered: an in-process memory
// cache for single-node deployments and a Redis-backed cache for
// distributed ones. Both are best effort: a miss only costs latency.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Cache is the minimal contract shared by the memory and Redis caches.
type Cache interface {
	// Get returns the raw value for key, or ErrCacheMiss.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key for ttl. Zero ttl uses the cache default.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases resources held by the cache.
	Close() error
}

// GetJSON fetches key and unmarshals it into dest.
func GetJSON(ctx context.Context, c Cache, key string, dest any) error {
	val, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// SetJSON marshals value and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return c.Set(ctx, key, string(data), ttl)
}
