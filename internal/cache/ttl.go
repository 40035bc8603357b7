// Package cache provides a bounded TTL cache used for bounded-staleness
// memoization (classification results, capability snapshots). Each component
// owns its cache instance; there are no package-level globals, so multiple
// routers can run in isolation.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Stats tracks cache effectiveness counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// TTL is a mutex-guarded map cache with per-entry expiry and a maximum entry
// count. When the bound is exceeded the oldest entry is evicted.
type TTL[V any] struct {
	mu         sync.Mutex
	entries    map[string]entry[V]
	ttl        time.Duration
	maxEntries int
	stats      Stats

	// now is replaceable in tests
	now func() time.Time
}

// NewTTL creates a cache with the given entry lifetime and size bound.
// maxEntries <= 0 means unbounded.
func NewTTL[V any](ttl time.Duration, maxEntries int) *TTL[V] {
	return &TTL[V]{
		entries:    make(map[string]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Put stores a value, evicting the oldest entry when the bound is exceeded.
func (c *TTL[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{value: value, storedAt: c.now()}

	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
}

// evictOldestLocked removes the single oldest entry. Caller holds c.mu.
func (c *TTL[V]) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.storedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

// Len returns the current entry count, including not-yet-collected expired
// entries.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a copy of the cache counters.
func (c *TTL[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Purge drops all entries.
func (c *TTL[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// SetClock replaces the time source. Test hook.
func (c *TTL[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
