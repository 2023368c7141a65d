// Package cache provides a small LRU with per-entry TTL. The mint pipeline
// uses it to deduplicate metadata pins: identical payloads resolve to the
// same IPFS hash without a second upload.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type TTL[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	index    map[K]*list.Element
	recency  *list.List

	// now is swapped out in tests.
	now func() time.Time
}

type slot[K comparable, V any] struct {
	key      K
	value    V
	deadline time.Time
}

func NewTTL[K comparable, V any](capacity int, ttl time.Duration) *TTL[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &TTL[K, V]{
		capacity: capacity,
		ttl:      ttl,
		index:    make(map[K]*list.Element, capacity),
		recency:  list.New(),
		now:      time.Now,
	}
}

// Get returns the cached value and refreshes its recency. Expired entries are
// dropped on access.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.index[key]
	if !ok {
		return zero, false
	}
	s := elem.Value.(*slot[K, V])
	if c.now().After(s.deadline) {
		c.drop(elem)
		return zero, false
	}
	c.recency.MoveToFront(elem)
	return s.value, true
}

// Put stores or refreshes a value, evicting the least recently used entry
// when full.
func (c *TTL[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		s := elem.Value.(*slot[K, V])
		s.value = value
		s.deadline = c.now().Add(c.ttl)
		c.recency.MoveToFront(elem)
		return
	}

	if c.recency.Len() >= c.capacity {
		if oldest := c.recency.Back(); oldest != nil {
			c.drop(oldest)
		}
	}
	c.index[key] = c.recency.PushFront(&slot[K, V]{
		key:      key,
		value:    value,
		deadline: c.now().Add(c.ttl),
	})
}

func (c *TTL[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[key]; ok {
		c.drop(elem)
	}
}

func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

func (c *TTL[K, V]) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.index, elem.Value.(*slot[K, V]).key)
}
