// Package memcache implements the in-process memory tier: a byte-bounded,
// count-bounded LRU map from cache key to encoded image bytes.
package memcache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// LRU is a cost- and count-bounded least-recently-used cache.
// Returned slices must be treated as read-only.
type LRU struct {
	mu        sync.Mutex
	maxBytes  int64
	maxCount  int
	size      int64
	items     map[string]*list.Element
	evictList *list.List

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	key   string
	value []byte
	cost  int64
}

// New creates an LRU holding at most maxBytes of total cost and maxCount
// entries. A non-positive maxCount means no count limit.
func New(maxBytes int64, maxCount int) *LRU {
	return &LRU{
		maxBytes:  maxBytes,
		maxCount:  maxCount,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached bytes for key and marks it most recently used.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Contains reports whether key is cached without touching its recency or
// the hit counters.
func (c *LRU) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Put inserts or replaces key. Least recently used entries are evicted until
// both bounds hold. An entry whose cost alone exceeds the byte bound is not
// admitted, and any previous value for key is dropped.
func (c *LRU) Put(key string, value []byte, cost int64) {
	if cost < 0 {
		cost = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		if cost > c.maxBytes {
			c.removeElement(ent)
			return
		}
		e := ent.Value.(*entry)
		c.size += cost - e.cost
		e.value = value
		e.cost = cost
		c.evictList.MoveToFront(ent)
		c.evict()
		return
	}

	if cost > c.maxBytes {
		return
	}

	element := c.evictList.PushFront(&entry{key: key, value: value, cost: cost})
	c.items[key] = element
	c.size += cost
	c.evict()
}

// Remove drops key if present.
func (c *LRU) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.items[key]; ok {
		c.removeElement(ent)
	}
}

// Clear drops every entry.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.evictList.Init()
	c.size = 0
}

// Len returns the number of entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Size returns the total cost of all entries.
func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns hit, miss and eviction counts.
func (c *LRU) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

// evict must be called with c.mu held. The front element is the one just
// inserted or touched and is never evicted here, because its cost already
// fits the byte bound on its own.
func (c *LRU) evict() {
	for c.size > c.maxBytes || (c.maxCount > 0 && c.evictList.Len() > c.maxCount) {
		back := c.evictList.Back()
		if back == nil || back == c.evictList.Front() {
			break
		}
		c.removeElement(back)
		c.evictions.Add(1)
	}
}

func (c *LRU) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	kv := e.Value.(*entry)
	delete(c.items, kv.key)
	c.size -= kv.cost
}
