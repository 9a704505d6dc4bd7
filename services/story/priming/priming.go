// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package priming caches pre-generated opening scenes.
//
// # Description
//
// When a player confirms their wish on the synopsis screen, the service
// generates the opening scene in the background and parks a pointer to
// it here, keyed by (user, wish). The start endpoint then pops the entry
// instead of paying a full model round-trip. Entries are consumed on
// first use; the cache holds only the mapping, never the story content,
// so an eviction costs a regeneration and nothing else.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package priming

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SamsaraWorks/RebirthBackend/services/story/observability"
)

// defaultCapacity bounds the cache when the configured size is unusable.
const defaultCapacity = 100

// defaultPollInterval paces PopWait lookups.
const defaultPollInterval = 400 * time.Millisecond

// Entry points at a pre-generated opening scene.
type Entry struct {
	SessionID  int64
	RootNodeID int64
	CreatedAt  time.Time
}

// cacheKey identifies one primed opening. The wish is hashed so the key
// stays small and wish text never lingers in the cache.
type cacheKey struct {
	UserID   string
	WishHash string
}

func keyFor(userID, wish string) cacheKey {
	sum := sha256.Sum256([]byte(strings.TrimSpace(wish)))
	return cacheKey{UserID: userID, WishHash: hex.EncodeToString(sum[:])}
}

// primedItem holds the key-value pair in the eviction list.
type primedItem struct {
	key   cacheKey
	entry Entry
}

// Cache is a fixed-size LRU of primed openings. Front of the list is the
// most recently stored or refreshed entry; the back is evicted first.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[cacheKey]*list.Element
	order    *list.List

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	metrics *observability.GameMetrics
}

// NewCache creates a primed-opening cache. A non-positive capacity falls
// back to the default.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[cacheKey]*list.Element, capacity),
		order:    list.New(),
		metrics:  observability.DefaultMetrics,
	}
}

// Store parks a primed opening for (userID, wish). Re-priming the same
// wish replaces the previous entry; at capacity the oldest entry across
// all users is evicted.
func (c *Cache) Store(userID, wish string, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	key := keyFor(userID, wish)

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*primedItem).entry = e
		c.mu.Unlock()
		c.event(observability.CacheEventStore)
		return
	}

	evicted := false
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
			c.evictions.Add(1)
			evicted = true
		}
	}
	c.items[key] = c.order.PushFront(&primedItem{key: key, entry: e})
	c.mu.Unlock()

	if evicted {
		c.event(observability.CacheEventEvict)
	}
	c.event(observability.CacheEventStore)
}

// Pop removes and returns the primed opening for (userID, wish). An entry
// is consumed by its first Pop; a second call misses.
func (c *Cache) Pop(userID, wish string) (Entry, bool) {
	e, ok := c.take(keyFor(userID, wish))
	if ok {
		c.hits.Add(1)
		c.event(observability.CacheEventHit)
	} else {
		c.misses.Add(1)
		c.event(observability.CacheEventMiss)
	}
	return e, ok
}

// PopWait polls for a primed opening until it appears, the timeout
// passes, or ctx is done. The background generator may still be writing
// the entry when the start request lands; this is the wait that bridges
// the race. One miss is recorded per call at most.
func (c *Cache) PopWait(ctx context.Context, userID, wish string, timeout, interval time.Duration) (Entry, bool) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	key := keyFor(userID, wish)
	deadline := time.Now().Add(timeout)

	for {
		if e, ok := c.take(key); ok {
			c.hits.Add(1)
			c.event(observability.CacheEventHit)
			return e, true
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			c.misses.Add(1)
			c.event(observability.CacheEventMiss)
			return Entry{}, false
		case <-time.After(interval):
		}
	}

	c.misses.Add(1)
	c.event(observability.CacheEventMiss)
	return Entry{}, false
}

// Remove drops the entry for (userID, wish), if any. Used when the
// background generation behind an entry failed and the pointer would
// dangle.
func (c *Cache) Remove(userID, wish string) bool {
	_, ok := c.take(keyFor(userID, wish))
	return ok
}

// take removes and returns an entry without touching the counters.
func (c *Cache) take(key cacheKey) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	item := elem.Value.(*primedItem)
	c.removeElement(elem)
	return item.entry, true
}

// removeElement removes an element from both the list and the map.
// Caller must hold the lock.
func (c *Cache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*primedItem).key)
}

// Len returns the number of primed entries currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Stats returns the cache counters for the metrics endpoint.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) event(ev observability.CacheEvent) {
	if c.metrics != nil {
		c.metrics.RecordCacheEvent(ev)
	}
}
