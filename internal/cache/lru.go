package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// lruEntry stores a cached value together with its key and expiry time.
type lruEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// LRUCache is an in-process cache bounded by entry count, with per-entry TTL
// and least-recently-used eviction on overflow. Safe for concurrent use.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // Front is most recently used.
	items    map[string]*list.Element

	now func() time.Time
}

// NewLRUCache creates an LRUCache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired; expired entries are removed lazily on access.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*lruEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.data, true
}

// Set stores value under key for the duration of ttl, evicting the least
// recently used entry when the cache is full.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.data = value
		entry.expiresAt = c.now().Add(ttl)
		c.order.MoveToFront(elem)
		return nil
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	elem := c.order.PushFront(&lruEntry{
		key:       key,
		data:      value,
		expiresAt: c.now().Add(ttl),
	})
	c.items[key] = elem
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
	return nil
}

// Clear drops every entry.
func (c *LRUCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
	return nil
}

// Len returns the number of entries currently held, including entries that
// may have expired but not yet been evicted.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRUCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*lruEntry)
	delete(c.items, entry.key)
	c.order.Remove(elem)
}
