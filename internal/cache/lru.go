// Package cache implements a thread-safe, size-bounded LRU cache.
//
// Entries are addressed by string and weighed by a caller-supplied sizer.
// Every public operation holds one mutex over the map, the recency list and
// the running size, and none of them performs I/O while holding it.
//
// Set never overwrites: when two readers race to populate the same address
// after both missed, the second insert is dropped. Callers that need upsert
// semantics must remove the address first.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidLimit is returned by New for a negative size limit or a nil sizer.
var ErrInvalidLimit = errors.New("cache: invalid size limit")

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Inserts   uint64
	Evictions uint64
}

type entry[V any] struct {
	address string
	value   V
	size    int
}

// Option configures a Cache at construction.
type Option[V any] func(*Cache[V])

// WithEvictCallback registers fn to be called for every entry dropped by
// LRU eviction. It runs with the cache lock held and must not call back
// into the cache.
func WithEvictCallback[V any](fn func(address string, value V)) Option[V] {
	return func(c *Cache[V]) {
		c.onEvict = fn
	}
}

// Cache maps addresses to values of type V and keeps the summed size of
// its values at or below a fixed limit by evicting least-recently-used
// entries.
//
// A value larger than the limit is kept only while it is the sole entry.
// A cache with a zero limit retains nothing.
type Cache[V any] struct {
	mu      sync.Mutex
	limit   int
	size    int
	sizer   func(V) int
	items   map[string]*list.Element // address -> element holding *entry[V]
	ll      *list.List               // front = most recently used
	onEvict func(address string, value V)
	stats   Stats
}

// New creates a cache bounded to limit, measured in the units returned by
// sizer (bytes by convention).
func New[V any](limit int, sizer func(V) int, opts ...Option[V]) (*Cache[V], error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	if sizer == nil {
		return nil, fmt.Errorf("%w: nil sizer", ErrInvalidLimit)
	}
	c := &Cache[V]{
		limit: limit,
		sizer: sizer,
		items: make(map[string]*list.Element),
		ll:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TryGet returns the value stored under address and marks it as the most
// recently used entry. The returned value is shared with the cache and must
// be treated as read-only.
func (c *Cache[V]) TryGet(address string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[address]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.stats.Hits++
	return el.Value.(*entry[V]).value, true
}

// Set inserts value under address unless the address is already present,
// in which case the call does nothing: the stored value, its recency and
// the size total are left untouched.
func (c *Cache[V]) Set(address string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[address]; ok {
		return
	}
	if c.limit == 0 {
		return
	}

	e := &entry[V]{address: address, value: value, size: c.sizer(value)}
	el := c.ll.PushFront(e)
	c.items[address] = el
	c.size += e.size
	c.stats.Inserts++

	c.evict(el)
}

// evict drops entries from the LRU end until the size fits the limit. The
// element just inserted is never evicted; when it is the last one left it
// stays even if it alone exceeds the limit.
func (c *Cache[V]) evict(inserted *list.Element) {
	for c.size > c.limit {
		back := c.ll.Back()
		if back == nil || back == inserted {
			return
		}
		e := c.removeElement(back)
		c.stats.Evictions++
		if c.onEvict != nil {
			c.onEvict(e.address, e.value)
		}
	}
}

func (c *Cache[V]) removeElement(el *list.Element) *entry[V] {
	e := c.ll.Remove(el).(*entry[V])
	delete(c.items, e.address)
	c.size -= e.size
	return e
}

// RemoveWhere removes every entry whose address satisfies pred and returns
// how many were removed. Matches are collected before any removal, so pred
// sees a stable view and each removal updates map, list and size together.
func (c *Cache[V]) RemoveWhere(pred func(address string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matches []*list.Element
	for el := c.ll.Front(); el != nil; el = el.Next() {
		if pred(el.Value.(*entry[V]).address) {
			matches = append(matches, el)
		}
	}
	for _, el := range matches {
		c.removeElement(el)
	}
	return len(matches)
}

// CurrentSize returns the summed size of all entries.
func (c *Cache[V]) CurrentSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Limit returns the configured size limit.
func (c *Cache[V]) Limit() int {
	return c.limit
}

// Addresses lists the cached addresses from most to least recently used.
func (c *Cache[V]) Addresses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[V]).address)
	}
	return out
}

// Stats returns a copy of the hit, miss, insert and eviction counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
