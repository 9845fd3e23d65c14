package views

import (
	"sync"
	"time"

	"escrowdesk/observability"
)

type entry struct {
	data      any
	stale     bool
	fetchedAt time.Time
}

// Cache is the shared mutable view cache. Only the declared invalidation path
// (MarkStale via the graph) and the refetch path (Put) mutate it; ad hoc
// writes are not part of its surface.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	now     func() time.Time
	metrics *observability.CoordinationMetrics
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[Key]*entry),
		now:     time.Now,
		metrics: observability.Coordination(),
	}
}

// Put stores fresh data for a view, clearing any stale mark. This is the
// refetch write path.
func (c *Cache) Put(key Key, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{data: data, fetchedAt: c.now()}
	c.publishStaleLocked()
}

// Get returns the cached data and whether it is present and still fresh.
func (c *Cache) Get(key Key) (any, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	return e.data, true, !e.stale
}

// MarkStale flags the given views as needing a refetch. Unknown keys are
// recorded as stale placeholders so a later fetch observes the flag.
func (c *Cache) MarkStale(keys ...Key) {
	if len(keys) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if e, ok := c.entries[key]; ok {
			e.stale = true
			continue
		}
		c.entries[key] = &entry{stale: true}
	}
	c.publishStaleLocked()
}

// Stale reports whether the view is currently marked stale.
func (c *Cache) Stale(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && e.stale
}

// Drop removes a view entirely, for view teardown.
func (c *Cache) Drop(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.publishStaleLocked()
}

// matchKeys returns the stored keys for a view name accepted by the match
// predicate. A nil predicate matches every stored key of that name.
func (c *Cache) matchKeys(name string, match func(Key) bool) []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []Key
	for key := range c.entries {
		if key.Name() != name {
			continue
		}
		if match == nil || match(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *Cache) publishStaleLocked() {
	stale := 0
	for _, e := range c.entries {
		if e.stale {
			stale++
		}
	}
	c.metrics.SetStaleViews(stale)
}
