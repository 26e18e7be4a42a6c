package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryConfig configures the in-process cache.
type MemoryConfig struct {
	// DefaultTTL applies when Set is called with a zero ttl.
	DefaultTTL time.Duration

	// MaxEntries caps the number of live entries. 0 means unbounded.
	MaxEntries int

	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

type memoryEntry struct {
	value     string
	createdAt time.Time
	expiresAt time.Time
}

// Memory is a TTL cache backed by a map. Reads take a shared lock only,
// so concurrent lookups never serialize behind writers for long; staleness
// within TTL is accepted.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	defaultTTL time.Duration
	maxEntries int
	now        func() time.Time
	logger     *zap.Logger
}

// NewMemory creates an in-process TTL cache.
func NewMemory(config MemoryConfig, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Memory{
		entries:    make(map[string]memoryEntry),
		defaultTTL: ttl,
		maxEntries: config.MaxEntries,
		now:        now,
		logger:     logger.With(zap.String("component", "cache_memory")),
	}
}

// Get returns the value for key, or ErrCacheMiss when absent or expired.
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return "", ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		// Expired entries are dropped lazily on the next write pass.
		return "", ErrCacheMiss
	}
	return entry.value, nil
}

// Set stores value under key for ttl.
func (m *Memory) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.entries[key] = memoryEntry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}

	m.cleanupExpiredLocked(now)
	m.evictIfNeededLocked()
	return nil
}

// Delete removes keys.
func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// Len returns the number of live entries, expired ones included until swept.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close is a no-op for the memory cache.
func (m *Memory) Close() error { return nil }

func (m *Memory) cleanupExpiredLocked(now time.Time) {
	for key, entry := range m.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(m.entries, key)
		}
	}
}

// evictIfNeededLocked drops the oldest entries when over capacity.
func (m *Memory) evictIfNeededLocked() {
	if m.maxEntries <= 0 || len(m.entries) <= m.maxEntries {
		return
	}

	for len(m.entries) > m.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for key, entry := range m.entries {
			if oldestKey == "" || entry.createdAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = entry.createdAt
			}
		}
		delete(m.entries, oldestKey)
		m.logger.Debug("evicted cache entry", zap.String("key", oldestKey))
	}
}
