// Package cache provides a generic, thread-safe LRU cache with a soft
// capacity limit, backed by an intrusive doubly-linked list for O(1)
// least-recently-used eviction.
//
//	c := cache.New[string, int](100)
//	c.Set("key", 42)
//	value, ok := c.Get("key")
//
// Cache is safe for concurrent use and must not be copied after creation
// (it contains a mutex).
package cache
