package hooks

import (
	"sync"
	"time"
)

// DefaultCacheCapacity bounds the shared result cache when no capacity is
// configured.
const DefaultCacheCapacity = 1000

// CacheStats summarizes cache activity since startup.
type CacheStats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRatio    float64 `json:"hit_ratio"`
}

type cacheEntry struct {
	result     Result
	storedAt   time.Time
	lastAccess time.Time
}

// ResultCache memoizes successful hook results keyed by hook name and
// execution context. TTL is supplied per lookup because it is a hook
// attribute, not a cache attribute. When full, the entry with the oldest
// access time is evicted.
type ResultCache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	capacity int

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	now func() time.Time
}

// NewResultCache returns an empty cache bounded to capacity entries.
func NewResultCache(capacity int) *ResultCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &ResultCache{
		entries:  make(map[string]*cacheEntry),
		capacity: capacity,
		now:      time.Now,
	}
}

// Get returns the cached result for the hook and context when one exists and
// is younger than ttl. Expired entries are dropped on the spot and counted
// as misses.
func (c *ResultCache) Get(name string, execCtx map[string]any, ttl time.Duration) (Result, bool) {
	key := Fingerprint(name, execCtx)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return Result{}, false
	}
	if c.now().Sub(entry.storedAt) >= ttl {
		delete(c.entries, key)
		c.misses++
		c.expirations++
		return Result{}, false
	}
	entry.lastAccess = c.now()
	c.hits++
	out := entry.result
	out.Cached = true
	return out, true
}

// Set stores a successful result. Failed and skipped results are never
// cached.
func (c *ResultCache) Set(name string, execCtx map[string]any, res Result) {
	if !res.Success || res.Skipped {
		return
	}
	res.Cached = false
	key := Fingerprint(name, execCtx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	ts := c.now()
	c.entries[key] = &cacheEntry{result: res, storedAt: ts, lastAccess: ts}
}

// evictOldest removes the least recently accessed entry. Caller holds mu.
func (c *ResultCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastAccess.Before(oldest) {
			oldestKey = key
			oldest = entry.lastAccess
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Len reports the number of live entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:        len(c.entries),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRatio = float64(c.hits) / float64(total)
	}
	return stats
}
