package service

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ppiankov/impetus/internal/decision"
)

// DefaultIdempotencyTTL is how long a response is replayed for a repeated
// Idempotency-Key.
const DefaultIdempotencyTTL = 15 * time.Second

type cacheEntry struct {
	resp    decision.Response
	expires time.Time
}

// Cache maps Idempotency-Key values to the response first returned for
// them. Expired entries are dropped lazily.
type Cache struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates a cache. A non-positive ttl uses DefaultIdempotencyTTL.
func NewCache(ttl time.Duration, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{ttl: ttl, clock: clk, entries: make(map[string]cacheEntry)}
}

// Get returns the live response cached for key.
func (c *Cache) Get(key string) (decision.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return decision.Response{}, false
	}
	if c.clock.Now().After(e.expires) {
		delete(c.entries, key)
		return decision.Response{}, false
	}
	return e.resp, true
}

// Set stores resp under key, replacing any earlier entry.
func (c *Cache) Set(key string, resp decision.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if len(c.entries) >= 1024 {
		c.sweepLocked(now)
	}
	c.entries[key] = cacheEntry{resp: resp, expires: now.Add(c.ttl)}
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.clock.Now())
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
