// Package cache layers a bounded in-memory cache over the durable store so
// research responses survive restarts but stay readable when the store is
// down.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/romy-hq/prospect-research-cli/internal/normalize"
	"github.com/romy-hq/prospect-research-cli/internal/store"
)

const (
	defaultTTL        = 24 * time.Hour
	defaultMaxEntries = 1000
)

// Cache is a TTL cache for research responses keyed by normalized prospect
// identity. The durable store is the source of truth shared across workers;
// reads consult it first and fall back to the bounded memory layer only when
// the store is unavailable.
type Cache struct {
	store      store.CacheStore
	ttl        time.Duration
	maxEntries int

	mu  sync.Mutex
	mem map[string]memEntry
}

type memEntry struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default 24h entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxMemoryEntries bounds the in-memory layer.
func WithMaxMemoryEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// New creates a Cache over the given durable store. A nil store yields a
// memory-only cache.
func New(st store.CacheStore, opts ...Option) *Cache {
	c := &Cache{
		store:      st,
		ttl:        defaultTTL,
		maxEntries: defaultMaxEntries,
		mem:        make(map[string]memEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the canonical cache key for a prospect lookup. The same person
// written with different capitalization, accents, or address abbreviations
// maps to the same key.
func Key(kind, fullName, city, state string) string {
	parts := []string{
		kind,
		normalize.Fold(fullName),
		normalize.Fold(city),
		normalize.Fold(normalize.StateAbbr(state)),
	}
	return strings.Join(parts, "|")
}

// Get returns the cached value for key, or nil on miss. The durable store is
// consulted first so a fresh entry written by another worker wins over a
// stale local copy; a durable-store error falls back to the memory layer.
// Expired entries read as misses.
func (c *Cache) Get(ctx context.Context, key string) []byte {
	if c.store == nil {
		return c.memGet(key)
	}

	entry, err := c.store.GetCache(ctx, key)
	if err != nil {
		zap.L().Warn("cache: durable read failed, falling back to memory",
			zap.String("key", key), zap.Error(err))
		return c.memGet(key)
	}
	if entry == nil {
		return nil
	}

	c.mu.Lock()
	c.insertLocked(key, entry.Value, entry.CreatedAt, entry.ExpiresAt)
	c.mu.Unlock()
	c.touch(key)
	return entry.Value
}

// memGet reads the in-memory layer, expiring lazily.
func (c *Cache) memGet(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.mem[key]
	if !ok {
		return nil
	}
	if !time.Now().Before(e.expiresAt) {
		delete(c.mem, key)
		return nil
	}
	return e.value
}

// Set stores value under key with the cache's TTL. The memory layer always
// succeeds; a durable-store failure is logged and reported but does not
// remove the memory entry.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	now := time.Now()
	c.mu.Lock()
	c.insertLocked(key, value, now, now.Add(c.ttl))
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.SetCache(ctx, key, value, c.ttl); err != nil {
		zap.L().Warn("cache: durable write failed, memory-only entry",
			zap.String("key", key), zap.Error(err))
		return eris.Wrap(err, "cache: set")
	}
	return nil
}

// Sweep removes expired entries from both layers and returns the number of
// durable rows deleted.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.mem {
		if !now.Before(e.expiresAt) {
			delete(c.mem, k)
		}
	}
	c.mu.Unlock()

	if c.store == nil {
		return 0, nil
	}
	n, err := c.store.DeleteExpiredCache(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "cache: sweep")
	}
	return n, nil
}

// MemoryLen reports the current in-memory entry count.
func (c *Cache) MemoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mem)
}

// insertLocked adds an entry, evicting the oldest-stored entry when full.
// Caller holds c.mu.
func (c *Cache) insertLocked(key string, value []byte, storedAt, expiresAt time.Time) {
	if _, exists := c.mem[key]; !exists && len(c.mem) >= c.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range c.mem {
			if oldestKey == "" || e.storedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.storedAt
			}
		}
		delete(c.mem, oldestKey)
	}
	c.mem[key] = memEntry{value: value, storedAt: storedAt, expiresAt: expiresAt}
}

// touch bumps durable hit accounting without blocking the caller's path.
func (c *Cache) touch(key string) {
	if c.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.store.TouchCache(ctx, key); err != nil {
			zap.L().Debug("cache: touch failed", zap.String("key", key), zap.Error(err))
		}
	}()
}
