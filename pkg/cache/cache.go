// Package cache provides a small bounded in-process cache with per-entry
// TTL and hit-count-based eviction. It exists to avoid redundant store
// reads (profiles, unread counts, conversation listings); nothing may
// depend on it being warm or present.
package cache

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"supportchat/pkg/logger"
	"supportchat/pkg/telemetry"
)

const (
	// DefaultMaxEntries caps the number of live entries.
	DefaultMaxEntries = 50
	// DefaultSweepInterval is how often the background sweep purges
	// expired entries nobody re-reads.
	DefaultSweepInterval = 5 * time.Minute
)

type entry struct {
	data      any
	expiresAt time.Time
	hits      uint64
}

// Cache is a bounded key/value store with lazy expiry. Instances are
// constructed explicitly and owned by the application bootstrap so tests
// can build fresh ones.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
	maxValue   int64

	done   chan struct{}
	closed bool
}

// New creates a cache with the given cap and starts a sweep goroutine.
// Non-positive arguments fall back to the defaults. Call Close to stop
// the sweeper.
func New(maxEntries int, sweepInterval time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	c := &Cache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go c.sweep(sweepInterval)
	return c
}

// SetMaxValueBytes caps the encoded size of cacheable values; 0 means
// no cap. Oversized values are skipped on Set so one huge page cannot
// crowd out the rest of the cache.
func (c *Cache) SetMaxValueBytes(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxValue = n
}

// Set stores data under key with expiry now+ttl. When the cache is at
// cap, the entry with the smallest hit counter is evicted first (ties
// broken by map iteration order). Values above the configured size cap
// are not cached.
func (c *Cache) Set(key string, data any, ttl time.Duration) {
	c.mu.Lock()
	maxValue := c.maxValue
	c.mu.Unlock()
	if maxValue > 0 {
		b, err := json.Marshal(data)
		if err != nil || int64(len(b)) > maxValue {
			logger.Debug("cache_value_skipped", "key", key, "size", len(b), "max", maxValue)
			return
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictColdest()
	}
	c.entries[key] = &entry{data: data, expiresAt: time.Now().Add(ttl)}
}

// Get returns the cached value, or (nil, false) when the key is absent
// or expired. Expired entries are deleted on read; hits increment the
// entry's counter.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		telemetry.CacheMisses.Inc()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		telemetry.CacheMisses.Inc()
		return nil, false
	}
	e.hits++
	telemetry.CacheHits.Inc()
	return e.data, true
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix removes every key starting with prefix. Invalidation of
// structured keys (e.g. all pages of one conversation) goes through
// this, not literal wildcard strings.
func (c *Cache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Cleanup deletes every entry past its expiry.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Len returns the current number of live entries (expired included
// until swept or read).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// evictColdest removes the entry with the lowest hit count. Caller must
// hold c.mu.
func (c *Cache) evictColdest() {
	var victim string
	var minHits uint64
	first := true
	for k, e := range c.entries {
		if first || e.hits < minHits {
			victim = k
			minHits = e.hits
			first = false
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		telemetry.CacheEvictions.Inc()
		logger.Debug("cache_evicted", "key", victim, "hits", minHits)
	}
}

func (c *Cache) sweep(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Cleanup()
		case <-c.done:
			return
		}
	}
}
