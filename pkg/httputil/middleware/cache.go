package middleware

import (
	"sync"
	"time"
)

// Cache is an in-memory cache with per-entry expiration, safe for concurrent use.
type Cache[V any] struct {
	items map[string]cacheItem[V]
	now   func() time.Time
	mu    sync.RWMutex
}

type cacheItem[V any] struct {
	value      V
	expiration time.Time
}

func NewCache[V any]() *Cache[V] {
	return &Cache[V]{
		items: make(map[string]cacheItem[V]),
		now:   time.Now,
	}
}

// Set stores value under key for ttl.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem[V]{value: value, expiration: c.now().Add(ttl)}
}

// Get returns the value under key unless it is missing or expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !found || c.now().After(item.expiration) {
		return zero, false
	}
	return item.value, true
}

// CleanupExpired removes expired entries and returns how many were removed.
func (c *Cache[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now, removed := c.now(), 0
	for key, item := range c.items {
		if now.After(item.expiration) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
