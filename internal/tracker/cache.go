package tracker

import (
	"sync"
	"time"
)

// cacheTTL is how long workflow-state and label caches stay valid.
const cacheTTL = 30 * time.Minute

type cacheEntry[V any] struct {
	value    V
	cachedAt time.Time
}

// ttlCache is a small keyed cache invalidated only by TTL or explicit clear.
type ttlCache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry[V]
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		ttl:     ttl,
		entries: make(map[string]cacheEntry[V]),
	}
}

func (c *ttlCache[V]) get(key string, now time.Time) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.Sub(e.cachedAt) > c.ttl {
		var zero V
		if ok {
			delete(c.entries, key)
		}
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[V]) set(key string, value V, now time.Time) {
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: value, cachedAt: now}
	c.mu.Unlock()
}

func (c *ttlCache[V]) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry[V])
	c.mu.Unlock()
}
