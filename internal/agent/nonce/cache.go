// Package nonce implements a bounded replay-protection cache for signed
// command nonces (spec §4.2, invariant I4, properties P3, edge cases B1/B2).
// No teacher or pack file implements LRU replay protection directly; this is
// a small, self-contained piece built on container/list the way the
// standard library documents an LRU, since nothing in the retrieved
// examples provides a ready-made nonce/replay cache to ground this on.
package nonce

import (
	"container/list"
	"sync"
)

// Cache is a fixed-capacity set of recently seen nonces. Once full, the
// least recently inserted nonce is evicted to admit a new one (B2: an
// attacker cannot force eviction of a specific nonce to replay it, because
// insertion order, not attacker-chosen content, drives eviction).
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = most recently inserted
	index    map[string]*list.Element // nonce -> list element
}

// New constructs a Cache holding up to capacity nonces.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// SeenBefore reports whether nonce was already recorded, and records it if
// not. Returns true if this call detected a replay (I4: a repeated nonce
// within the clock-skew window must be rejected).
func (c *Cache) SeenBefore(value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.index[value]; exists {
		return true
	}

	elem := c.order.PushFront(value)
	c.index[value] = elem

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(string))
		}
	}
	return false
}

// Len reports how many nonces are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
