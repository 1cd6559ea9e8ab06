package cache

import "sync"

// Cache is a generic thread-safe LRU cache with a soft capacity limit.
// Eviction order is tracked by an intrusive doubly-linked list (lruList)
// rather than a periodic access-time sweep, so the entry evicted on
// overflow is always the true least-recently-used one, not merely one of
// the oldest quartile.
//
// Cache is safe for concurrent use. Cache must not be copied after
// creation (has mutex).
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	entries   map[K]*cacheEntry[K, V]
	order     *lruList[K]
	softLimit int

	hits, misses, evictions uint64
}

// cacheEntry holds a cached value and its position in the LRU list.
type cacheEntry[K comparable, V any] struct {
	value V
	node  *lruNode[K]
}

// New creates a new cache with the given soft limit.
// A softLimit of 0 means unlimited.
func New[K comparable, V any](softLimit int) *Cache[K, V] {
	return &Cache[K, V]{
		entries:   make(map[K]*cacheEntry[K, V]),
		order:     newLRUList[K](),
		softLimit: softLimit,
	}
}

// Get retrieves a value from the cache.
// Returns (value, true) if found, (zero, false) otherwise.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}

	c.hits++
	c.order.MoveToFront(entry.node)
	return entry.value, true
}

// Set stores a value in the cache.
// If the cache exceeds softLimit after insertion, the least recently
// used entry is evicted.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.value = value
		c.order.MoveToFront(entry.node)
		return
	}

	node := c.order.PushFront(key)
	c.entries[key] = &cacheEntry[K, V]{value: value, node: node}
	c.evictOverflow()
}

// GetOrCreate returns the cached value or creates it.
// Thread-safe: create is called under lock to prevent duplicate creation.
func (c *Cache[K, V]) GetOrCreate(key K, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.hits++
		c.order.MoveToFront(entry.node)
		return entry.value
	}
	c.misses++

	value := create()
	node := c.order.PushFront(key)
	c.entries[key] = &cacheEntry[K, V]{value: value, node: node}
	c.evictOverflow()
	return value
}

// Delete removes an entry from the cache.
// Returns true if the entry was found and removed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(entry.node)
	delete(c.entries, key)
	return true
}

// Clear removes all entries from the cache and resets its counters.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*cacheEntry[K, V])
	c.order.Clear()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Len returns the number of entries in the cache.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Capacity returns the soft limit of the cache.
func (c *Cache[K, V]) Capacity() int {
	return c.softLimit
}

// Stats returns cache statistics, including cumulative hit/miss/eviction
// counters since creation or the last Clear.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Len:           len(c.entries),
		Capacity:      c.softLimit,
		TotalCapacity: c.softLimit,
		Hits:          c.hits,
		Misses:        c.misses,
		HitRate:       hitRate,
		Evictions:     c.evictions,
	}
}

// evictOverflow removes least-recently-used entries one at a time until
// the map is at or under softLimit. Caller must hold c.mu.
func (c *Cache[K, V]) evictOverflow() {
	if c.softLimit <= 0 {
		return
	}
	for len(c.entries) > c.softLimit {
		key, ok := c.order.RemoveOldest()
		if !ok {
			return
		}
		delete(c.entries, key)
		c.evictions++
	}
}

// Stats contains cache statistics.
type Stats struct {
	// Len is the current number of entries.
	Len int
	// Capacity is the cache's soft limit.
	Capacity int
	// TotalCapacity mirrors Capacity; kept for callers that distinguish a
	// sharded cache's per-shard vs aggregate capacity.
	TotalCapacity int
	// Hits is the number of Get/GetOrCreate calls that found an entry.
	Hits uint64
	// Misses is the number of Get/GetOrCreate calls that did not.
	Misses uint64
	// HitRate is Hits / (Hits + Misses), or 0 before any lookup.
	HitRate float64
	// Evictions is the number of entries removed by overflow eviction.
	Evictions uint64
}
