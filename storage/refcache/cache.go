/*
Package refcache is a bounded cache whose entries are reference counted.

An entry is acquired before use and released after use. Only entries which nobody uses (usage count is 0)
are candidates for eviction, and they are evicted in least-recently-released order.
So the cache may temporarily hold more than its bound when every entry is in use:
an entry in use is never evicted.

The cache is an explicit object: each owner (ex: a disk manager) creates its own cache
instead of sharing a process-wide singleton.
*/
package refcache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
)

// ErrInvalidSize is returned when the bound is not positive
var ErrInvalidSize = errors.New("invalid cache size")

// EvictFunc is called when the idle entry is evicted or removed
type EvictFunc[K comparable, V any] func(key K, value V)

// entry is a cached value and its usage count
type entry[V any] struct {
	value V
	usage int
}

// Cache is bounded reference counted cache. it is safe for concurrent use
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	// inUse holds entries whose usage count is above zero
	inUse map[K]*entry[V]
	// idle holds entries whose usage count is zero in release order
	idle    *simplelru.LRU[K, V]
	onEvict EvictFunc[K, V]
	// reviving suppresses onEvict while the entry moves from idle list back to in-use set
	reviving bool
}

// New initializes cache which holds at most maxSize entries (unless all of them are in use)
func New[K comparable, V any](maxSize int, onEvict EvictFunc[K, V]) (*Cache[K, V], error) {
	if maxSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "size %d", maxSize)
	}
	c := &Cache[K, V]{
		maxSize: maxSize,
		inUse:   make(map[K]*entry[V]),
		onEvict: onEvict,
	}
	// the idle list itself never evicts. shrink() evicts explicitly with the bound of the whole cache
	idle, err := simplelru.NewLRU[K, V](maxSize+1, c.evicted)
	if err != nil {
		return nil, errors.Wrap(err, "simplelru.NewLRU failed")
	}
	c.idle = idle
	return c, nil
}

// Acquire returns the value of key and increments its usage count.
// when key is not cached, load is called and the result is cached.
// if load fails, nothing is cached.
func (c *Cache[K, V]) Acquire(key K, load func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.inUse[key]; ok {
		e.usage++
		return e.value, nil
	}
	if v, ok := c.idle.Peek(key); ok {
		// move the entry from idle list to in-use set without calling onEvict
		c.reviving = true
		c.idle.Remove(key)
		c.reviving = false
		c.inUse[key] = &entry[V]{value: v, usage: 1}
		return v, nil
	}

	v, err := load()
	if err != nil {
		var zero V
		return zero, errors.Wrap(err, "load failed")
	}
	c.inUse[key] = &entry[V]{value: v, usage: 1}
	c.shrink()
	return v, nil
}

// Release decrements usage count of key. when it reaches zero, the entry becomes evictable.
// releasing key which is not acquired is caller misuse and panics
func (c *Cache[K, V]) Release(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.inUse[key]
	if !ok {
		panic(errors.Errorf("refcache: release of key %v which is not acquired", key))
	}
	e.usage--
	if e.usage > 0 {
		return
	}
	delete(c.inUse, key)
	c.idle.Add(key, e.value)
	c.shrink()
}

// Remove removes idle entry and calls onEvict for it.
// when the entry is in use, it is not removed and false is returned.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inUse[key]; ok {
		return false
	}
	c.idle.Remove(key)
	return true
}

// Purge evicts all idle entries
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle.Purge()
}

// Len returns the number of cached entries (in use and idle)
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inUse) + c.idle.Len()
}

// Usage returns the usage count of key. zero is returned for idle or missing key
func (c *Cache[K, V]) Usage(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.inUse[key]; ok {
		return e.usage
	}
	return 0
}

// shrink evicts idle entries until the cache fits in its bound. the caller must hold mu
func (c *Cache[K, V]) shrink() {
	for len(c.inUse)+c.idle.Len() > c.maxSize {
		if _, _, ok := c.idle.RemoveOldest(); !ok {
			// every entry is in use
			return
		}
	}
}

// evicted is the callback of idle list
func (c *Cache[K, V]) evicted(key K, value V) {
	if c.onEvict != nil && !c.reviving {
		c.onEvict(key, value)
	}
}
