package marketdata

import (
	"context"
	"strings"
	"sync"
	"time"
)

// entry is one cached payload with its expiry bookkeeping.
type entry struct {
	payload   interface{}
	fetchedAt time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.fetchedAt) >= e.ttl
}

// flight tracks an in-progress fetch so concurrent callers on the same key
// share one upstream call.
type flight struct {
	done chan struct{}
	val  interface{}
	err  error
}

// Cache is the in-process TTL store for market data. Expired entries are
// treated as absent. GetOrFetch provides per-key single-flight: exactly one
// caller runs the fetcher, co-waiters block and share the result, and a
// failed fetch leaves the key absent so the next caller retries.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*flight

	hits     int64
	misses   int64
	deduped  int64

	now func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		inflight: make(map[string]*flight),
		now:      time.Now,
	}
}

// Get returns the payload for key if present and fresh.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.payload, true
}

// Set stores a payload with the given TTL.
func (c *Cache) Set(key string, payload interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{payload: payload, fetchedAt: c.now(), ttl: ttl}
}

// InvalidatePrefix drops every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// GetOrFetch returns the fresh cached payload, or runs fetch exactly once
// across concurrent callers for the same key. The successful result is
// stored with ttl. A fetch error is returned to all waiters and is not
// cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (interface{}, error)) (interface{}, error) {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok && !e.expired(c.now()) {
		c.hits++
		c.mu.Unlock()
		return e.payload, nil
	}
	c.misses++

	if f, ok := c.inflight[key]; ok {
		c.deduped++
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.val, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	val, err := fetch(ctx)

	c.mu.Lock()
	if err == nil {
		c.entries[key] = &entry{payload: val, fetchedAt: c.now(), ttl: ttl}
	}
	delete(c.inflight, key)
	c.mu.Unlock()

	f.val = val
	f.err = err
	close(f.done)
	return val, err
}

// Stats returns hit/miss/dedupe counters for the control API.
func (c *Cache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}
	return map[string]interface{}{
		"hits":         c.hits,
		"misses":       c.misses,
		"deduplicated": c.deduped,
		"hit_rate_pct": hitRate,
		"entries":      len(c.entries),
	}
}
