// inlinecomplete/completion_cache.go
// Bounded completion store with least-recently-used eviction.
package inlinecomplete

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// cacheSlot pairs an entry with the logical time of its last access.
type cacheSlot struct {
	entry  CacheEntry
	access uint64
}

// CompletionCacheStats is a point-in-time view of cache counters.
type CompletionCacheStats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// CompletionCache maps cache keys to completions. Capacity is fixed at
// construction. Recency is tracked with a logical clock bumped on every Get
// hit and Set, so accesses within the same instant are still ordered.
// Expiry is not enforced here; callers compare CreatedAt against their TTL.
// All methods are safe for concurrent use.
type CompletionCache struct {
	mu       sync.Mutex
	capacity int
	slots    map[string]*cacheSlot
	order    []string // Insertion order; fixes the eviction scan order.
	clock    uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewCompletionCache creates a cache holding at most capacity entries.
// A capacity below one is raised to one.
func NewCompletionCache(capacity int) *CompletionCache {
	capacity = max(1, capacity)
	return &CompletionCache{
		capacity: capacity,
		slots:    make(map[string]*cacheSlot, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Get returns the entry for key and marks it most recently used.
// A miss has no side effects besides the miss counter.
func (c *CompletionCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.slots[key]
	if !ok {
		c.misses.Add(1)
		return CacheEntry{}, false
	}
	c.clock++
	slot.access = c.clock
	c.hits.Add(1)
	return slot.entry, true
}

// Set stores entry under key. Overwriting refreshes recency. Inserting a new
// key into a full cache first evicts the entry with the smallest access time.
func (c *CompletionCache) Set(key string, entry CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	if slot, ok := c.slots[key]; ok {
		slot.entry = entry
		slot.access = c.clock
		return
	}
	if len(c.slots) >= c.capacity {
		c.evictOldestLocked()
	}
	c.slots[key] = &cacheSlot{entry: entry, access: c.clock}
	c.order = append(c.order, key)
	if len(c.slots) > c.capacity {
		panic(fmt.Errorf("%w: size %d exceeds capacity %d", ErrCacheInvariant, len(c.slots), c.capacity))
	}
}

// evictOldestLocked removes the first entry, in insertion order, holding the
// minimum access counter.
func (c *CompletionCache) evictOldestLocked() {
	victim := -1
	var oldest uint64
	for i, key := range c.order {
		if a := c.slots[key].access; victim < 0 || a < oldest {
			victim, oldest = i, a
		}
	}
	if victim < 0 {
		return
	}
	delete(c.slots, c.order[victim])
	c.order = slices.Delete(c.order, victim, victim+1)
	c.evictions.Add(1)
}

// Has reports whether key is present without touching recency.
func (c *CompletionCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.slots[key]
	return ok
}

// Delete removes key if present. Used to drop entries found stale.
func (c *CompletionCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.slots[key]; !ok {
		return
	}
	delete(c.slots, key)
	if i := slices.Index(c.order, key); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}

// Clear removes every entry and resets the logical clock.
func (c *CompletionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.slots)
	c.order = c.order[:0]
	c.clock = 0
}

// Len returns the number of stored entries.
func (c *CompletionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Capacity returns the fixed capacity.
func (c *CompletionCache) Capacity() int { return c.capacity }

// Stats returns the current counters.
func (c *CompletionCache) Stats() CompletionCacheStats {
	return CompletionCacheStats{
		Size:      c.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// accessTime exposes an entry's recency counter to tests.
func (c *CompletionCache) accessTime(key string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.slots[key]
	if !ok {
		return 0, false
	}
	return slot.access, true
}
