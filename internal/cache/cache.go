// Package cache provides the read-through query cache: a map from key to
// value with a per-entry time to live and substring invalidation.
//
// A Cache is an explicit service owned by a session. Callers must invalidate
// after every mutation that changes the data behind a key; there is no
// dependency tracking.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/tally/internal/mutation"
)

// ErrClosed is returned by GetOrFetch after Close.
var ErrClosed = errors.New("cache closed")

type entry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) fresh(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

// Cache is safe for concurrent use. Concurrent misses on the same key are not
// deduplicated; each caller fetches and the last one stored wins.
//
// A fetch that overlaps an Invalidate returns its result but does not store
// it, since the rows it read may predate the change that caused the
// invalidation.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	epoch   uint64 // bumped by every Invalidate
	closed  bool
	clock   mutation.Clock
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock used for entry timestamps and expiry.
func WithClock(c mutation.Clock) Option {
	return func(cc *Cache) { cc.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cc *Cache) { cc.logger = l }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		clock:   mutation.SystemClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value stored under key if it has not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.fresh(c.clock.Now()) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.storedAt.Equal(e.storedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// GetOrFetch returns the cached value for key, or calls fetch, stores its
// result for ttl and returns it. Fetch errors are returned and nothing is
// stored.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch func(context.Context) (any, error), ttl time.Duration) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	epoch, err := c.beginFetch()
	if err != nil {
		return nil, err
	}

	v, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.store(key, v, ttl, epoch)
	return v, nil
}

// beginFetch returns the invalidation epoch a fetch starts under.
func (c *Cache) beginFetch() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.epoch, nil
}

// store saves a fetched value unless an Invalidate ran since epoch.
func (c *Cache) store(key string, value any, ttl time.Duration, epoch uint64) {
	if ttl <= 0 {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.epoch != epoch {
		c.logger.Debug("fetch overlapped invalidation, not stored", "key", key)
		return
	}
	c.entries[key] = entry{value: value, storedAt: now, ttl: ttl}
}

// Set stores value under key for ttl. A non-positive ttl stores nothing.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.entries[key] = entry{value: value, storedAt: now, ttl: ttl}
}

// Fetch is GetOrFetch with a typed result. A cached value of another type is
// treated as a miss.
func Fetch[T any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (T, error), ttl time.Duration) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	var zero T
	epoch, err := c.beginFetch()
	if err != nil {
		return zero, err
	}

	v, err := fetch(ctx)
	if err != nil {
		return zero, err
	}
	c.store(key, v, ttl, epoch)
	return v, nil
}

// Invalidate removes every key containing pattern. An empty pattern clears
// the cache.
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	n := 0
	for key := range c.entries {
		if pattern == "" || strings.Contains(key, pattern) {
			delete(c.entries, key)
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("cache invalidated", "pattern", pattern, "removed", n)
	}
	return n
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.Invalidate("")
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close clears the cache and makes later stores no-ops.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	c.closed = true
}
