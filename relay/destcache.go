// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"sync"
	"time"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

const (
	// DefaultDestinationCacheSize bounds the destination cache.
	DefaultDestinationCacheSize = 10000

	// DefaultDestinationCacheTTL is the lifetime of a cache entry.
	DefaultDestinationCacheTTL = 5 * time.Minute
)

type destEntry struct {
	next     string
	inserted time.Time
}

type queued struct {
	key      crypto.Id
	inserted time.Time
}

// DestinationCache remembers where each per-hop shard id was sent, with
// FIFO eviction. Queue entries whose key was re-inserted after expiry are
// drained lazily.
type DestinationCache struct {
	sync.Mutex

	capacity int
	ttl      time.Duration
	entries  map[crypto.Id]destEntry
	queue    []queued
	now      func() time.Time
}

// NewDestinationCache returns a cache holding at most capacity entries.
func NewDestinationCache(capacity int, ttl time.Duration) *DestinationCache {
	if capacity <= 0 {
		capacity = DefaultDestinationCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultDestinationCacheTTL
	}
	return &DestinationCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[crypto.Id]destEntry),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (c *DestinationCache) SetClock(now func() time.Time) {
	c.Lock()
	defer c.Unlock()
	c.now = now
}

// Insert records id as forwarded to next. It returns false when id is
// already cached and unexpired.
func (c *DestinationCache) Insert(id crypto.Id, next string) bool {
	c.Lock()
	defer c.Unlock()

	now := c.now()
	c.evict(now)
	if _, ok := c.entries[id]; ok {
		return false
	}
	for len(c.entries) >= c.capacity {
		c.popFront()
	}
	c.entries[id] = destEntry{next: next, inserted: now}
	c.queue = append(c.queue, queued{key: id, inserted: now})
	return true
}

// Lookup returns where id was sent.
func (c *DestinationCache) Lookup(id crypto.Id) (string, bool) {
	c.Lock()
	defer c.Unlock()
	c.evict(c.now())
	e, ok := c.entries[id]
	return e.next, ok
}

// Len returns the number of live entries.
func (c *DestinationCache) Len() int {
	c.Lock()
	defer c.Unlock()
	c.evict(c.now())
	return len(c.entries)
}

func (c *DestinationCache) evict(now time.Time) {
	for len(c.queue) > 0 && now.Sub(c.queue[0].inserted) >= c.ttl {
		c.popFront()
	}
}

func (c *DestinationCache) popFront() {
	q := c.queue[0]
	c.queue = c.queue[1:]
	if e, ok := c.entries[q.key]; ok && e.inserted.Equal(q.inserted) {
		delete(c.entries, q.key)
	}
}
