package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"embedstream/internal/core"
)

// DefaultMemoryEntries bounds a MemoryCache built with maxEntries <= 0.
const DefaultMemoryEntries = 10000

type memoryEntry struct {
	key       string
	value     core.Embedding
	expiresAt time.Time
}

// MemoryCache is a bounded in-process LRU cache.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	defaultTTL time.Duration
	ll         *list.List
	items      map[string]*list.Element
	now        func() time.Time
}

// NewMemoryCache creates an LRU holding at most maxEntries embeddings.
// defaultTTL <= 0 keeps entries until evicted.
func NewMemoryCache(maxEntries int, defaultTTL time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

// GetMany implements Cache.
func (c *MemoryCache) GetMany(_ context.Context, keys []string) (map[string]core.Embedding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	found := make(map[string]core.Embedding, len(keys))
	for _, k := range keys {
		el, ok := c.items[k]
		if !ok {
			continue
		}
		ent := el.Value.(*memoryEntry)
		if !ent.expiresAt.IsZero() && now.After(ent.expiresAt) {
			c.removeElement(el)
			continue
		}
		c.ll.MoveToFront(el)
		found[k] = ent.value
	}
	return found, nil
}

// SetMany implements Cache.
func (c *MemoryCache) SetMany(_ context.Context, entries map[string]core.Embedding, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	for k, v := range entries {
		if el, ok := c.items[k]; ok {
			ent := el.Value.(*memoryEntry)
			ent.value = v
			ent.expiresAt = expiresAt
			c.ll.MoveToFront(el)
			continue
		}
		c.items[k] = c.ll.PushFront(&memoryEntry{key: k, value: v, expiresAt: expiresAt})
		for c.ll.Len() > c.maxEntries {
			c.removeElement(c.ll.Back())
		}
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Close implements Cache.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	return nil
}

func (c *MemoryCache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*memoryEntry).key)
}
