// Package cache provides the bounded in-process caches the pipeline falls
// back on while the telemetry store is unreachable.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a cache created without a capacity.
const DefaultMaxEntries = 10000

// Stats reports cache counters.
type Stats struct {
	Entries   int     `json:"entries"`
	Capacity  int     `json:"capacity"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// LRU is a thread-safe least-recently-used cache bounded by entry count.
type LRU[V any] struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	now       func() time.Time
	items     map[string]*list.Element
	evictList *list.List

	hits, misses, evictions uint64
}

type entry[V any] struct {
	key     string
	value   V
	written time.Time
}

// NewLRU creates a cache holding at most maxEntries values. A positive ttl
// makes entries older than ttl read as misses.
func NewLRU[V any](maxEntries int, ttl time.Duration) *LRU[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &LRU[V]{
		capacity:  maxEntries,
		ttl:       ttl,
		now:       time.Now,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the value under key and marks it recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.expired(e) {
		c.remove(el)
		c.misses++
		return zero, false
	}
	c.evictList.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Put stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *LRU[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.written = c.now()
		c.evictList.MoveToFront(el)
		return
	}

	c.items[key] = c.evictList.PushFront(&entry[V]{key: key, value: value, written: c.now()})
	for c.evictList.Len() > c.capacity {
		c.remove(c.evictList.Back())
		c.evictions++
	}
}

// Delete removes key.
func (c *LRU[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
}

// Len returns the number of entries, expired ones included.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Stats returns a snapshot of the counters.
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:   c.evictList.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *LRU[V]) expired(e *entry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.written) > c.ttl
}

func (c *LRU[V]) remove(el *list.Element) {
	e := c.evictList.Remove(el).(*entry[V])
	delete(c.items, e.key)
}
