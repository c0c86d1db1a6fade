// Package plancache implements the bounded, recency-ordered plan cache
// the planner consults before rebuilding a distributed query plan.
package plancache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/cuemby/meshdb/pkg/metrics"
)

// EvictCallback is invoked once per entry removed from the cache, whether
// by overflow, Clear, or AdjustCapacity shrinking it. An error from the
// callback is surfaced to the caller that triggered the eviction, but the
// entry is removed regardless.
type EvictCallback func(key, value interface{}) error

type entry struct {
	key   interface{}
	value interface{}
}

// Cache is a fixed-capacity LRU keyed by arbitrary comparable values.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[interface{}]*list.Element
	onEvict  EvictCallback
}

// New constructs a Cache with the given capacity (must be >= 1) and an
// optional eviction callback.
func New(capacity int, onEvict EvictCallback) (*Cache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("plancache: capacity must be >= 1, got %d", capacity)
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[interface{}]*list.Element),
		onEvict:  onEvict,
	}, nil
}

// Get promotes key to most-recently-used and returns its value.
func (c *Cache) Get(key interface{}) (value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		metrics.PlanCacheMissesTotal.Inc()
		return nil, false
	}
	metrics.PlanCacheHitsTotal.Inc()
	c.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Put inserts or updates key, evicting the least-recently-used entry on
// overflow. The eviction callback's error, if any, is returned, but the
// insert itself always succeeds.
func (c *Cache) Put(key, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*entry).value = value
		return nil
	}

	el := c.ll.PushFront(&entry{key: key, value: value})
	c.items[key] = el
	metrics.PlanCacheSize.Set(float64(c.ll.Len()))

	if c.ll.Len() <= c.capacity {
		return nil
	}
	return c.evictOldest()
}

// evictOldest removes the single least-recently-used entry. Caller holds
// c.mu.
func (c *Cache) evictOldest() error {
	back := c.ll.Back()
	if back == nil {
		return nil
	}
	c.ll.Remove(back)
	e := back.Value.(*entry)
	delete(c.items, e.key)
	metrics.PlanCacheEvictionsTotal.Inc()
	metrics.PlanCacheSize.Set(float64(c.ll.Len()))

	if c.onEvict != nil {
		return c.onEvict(e.key, e.value)
	}
	return nil
}

// Clear evicts every entry (callback order unspecified) and resets the
// cache to empty, returning the first callback error seen, if any.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if c.onEvict != nil {
			if err := c.onEvict(e.key, e.value); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	c.ll.Init()
	c.items = make(map[interface{}]*list.Element)
	return firstErr
}

// AdjustCapacity changes the capacity (must be >= 1), evicting LRU-first
// down to the new size if it shrank.
func (c *Cache) AdjustCapacity(n int) error {
	if n < 1 {
		return fmt.Errorf("plancache: capacity must be >= 1, got %d", n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = n
	var firstErr error
	for c.ll.Len() > c.capacity {
		if err := c.evictOldest(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
