package client

import (
	"sync"
	"time"

	"github.com/example/diskpager/pkg/wire"
)

// StatCache provides a cache for node stats
type StatCache struct {
	mu sync.Mutex

	// Maximum cache size
	maxSize int

	// Time-to-live for cache entries
	ttl time.Duration

	entries map[uint64]StatCacheEntry

	// now is replaced in tests.
	now func() time.Time
}

// StatCacheEntry represents a cached stat with expiration time
type StatCacheEntry struct {
	value      wire.NodeStat
	expiration time.Time
}

// NewStatCache creates a new stat cache. A zero ttl disables caching.
func NewStatCache(maxSize int, ttl time.Duration) *StatCache {
	return &StatCache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[uint64]StatCacheEntry),
		now:     time.Now,
	}
}

// Store records st for its inode
func (c *StatCache) Store(st wire.NodeStat) {
	if c.ttl <= 0 || c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.entries[st.Ino]; !ok && len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}
	c.entries[st.Ino] = StatCacheEntry{value: st, expiration: now.Add(c.ttl)}
}

// evictLocked drops expired entries, or the one closest to expiry when
// none has expired. c.mu must be held.
func (c *StatCache) evictLocked(now time.Time) {
	var oldest uint64
	var oldestExp time.Time
	for ino, e := range c.entries {
		if now.After(e.expiration) {
			delete(c.entries, ino)
			continue
		}
		if oldestExp.IsZero() || e.expiration.Before(oldestExp) {
			oldest, oldestExp = ino, e.expiration
		}
	}
	if len(c.entries) >= c.maxSize {
		delete(c.entries, oldest)
	}
}

// Get retrieves the stat for ino if it has not expired
func (c *StatCache) Get(ino uint64) (wire.NodeStat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ino]
	if !ok {
		return wire.NodeStat{}, false
	}
	if c.now().After(e.expiration) {
		delete(c.entries, ino)
		return wire.NodeStat{}, false
	}
	return e.value, true
}

// Invalidate drops every entry
func (c *StatCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of cached entries
func (c *StatCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
