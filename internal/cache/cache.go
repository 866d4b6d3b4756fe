// Package cache provides a keyed metadata cache with TTL expiry and
// single-flight request collapsing. It is used to enrich tickets with remote
// tracker details without duplicating concurrent network calls.
package cache

import (
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Cache memoizes loader results per key for a configurable TTL. Concurrent
// Fetch calls for the same key share one in-flight load. Failed loads are not
// cached; the next call retries.
type Cache[V any] struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry[V]
}

func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Fetch returns a fresh cached value, or joins the in-flight load for key if
// one exists, or starts a new load. All concurrent callers for the same key
// during a load receive the same result.
func (c *Cache[V]) Fetch(key string, loader func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have completed a load while we queued.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		value, err := loader()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry[V]{value: value, fetchedAt: c.now()}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Prefetch starts a load for key without blocking the caller, warming the
// cache ahead of a predicted read. Errors are logged and discarded.
func (c *Cache[V]) Prefetch(key string, loader func() (V, error)) {
	if _, ok := c.Get(key); ok {
		return
	}
	go func() {
		if _, err := c.Fetch(key, loader); err != nil {
			log.Printf("cache prefetch failed key=%s err=%v", key, err)
		}
	}()
}

// Invalidate drops the cached value for key, if any.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[V]) expired(e entry[V]) bool {
	return c.now().Sub(e.fetchedAt) >= c.ttl
}
