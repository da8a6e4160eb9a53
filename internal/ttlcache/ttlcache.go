// Package ttlcache is a small read-through cache whose entries expire a
// fixed time after they were fetched. Writers of the underlying data must
// call Invalidate; there is no coherence between processes.
package ttlcache

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Cache maps keys to values fetched at most TTL ago.
type Cache[K comparable, V any] struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[K]entry[V]

	// gens counts evictions per key and epoch counts purges. A load only
	// stores its result if neither moved while it ran.
	gens  map[K]uint64
	epoch uint64

	// nowFunc is overridden in tests.
	nowFunc func() time.Time
}

// New creates a cache with the given TTL.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		entries: make(map[K]entry[V]),
		gens:    make(map[K]uint64),
		nowFunc: time.Now,
	}
}

// Get returns the cached value for key if it is still fresh.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.nowFunc().Sub(e.fetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value for key with the current time.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, fetchedAt: c.nowFunc()}
	c.mu.Unlock()
}

// Invalidate evicts key. Loads of key already in flight will not store
// their result.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	c.mu.Unlock()
}

// Purge evicts every entry and discards the results of in-flight loads.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	clear(c.entries)
	c.epoch++
	c.mu.Unlock()
}

// GetOrLoad returns the fresh cached value for key, or calls load and
// caches its result. Failed loads are not cached, and neither are loads
// that raced with Invalidate or Purge; the caller still gets the loaded
// value. Concurrent misses may each call load.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.nowFunc().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.value, nil
	}
	gen, epoch := c.gens[key], c.epoch
	c.mu.Unlock()

	v, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	if c.gens[key] == gen && c.epoch == epoch {
		c.entries[key] = entry[V]{value: v, fetchedAt: c.nowFunc()}
	}
	c.mu.Unlock()
	return v, nil
}
