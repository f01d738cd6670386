// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package assembly regroups erasure coded shards by their hidden assembly
// id until every chunk is decodable. An assembly stays open until its
// owner reports a successful decode, so a corrupt shard only delays the
// request until more shards arrive.
package assembly

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
)

const (
	// DefaultMaxPending bounds the assemblies held at once.
	DefaultMaxPending = 10000

	// DefaultMaxPerPool bounds the assemblies one pool may hold.
	DefaultMaxPerPool = 100

	// DefaultTTL is the age at which an incomplete assembly is evicted.
	DefaultTTL = 60 * time.Second
)

var (
	// ErrRateLimited is returned when a new assembly would exceed a limit.
	ErrRateLimited = errors.New("assembly: too many pending assemblies")

	// ErrInconsistent is returned for a shard whose tag disagrees with the
	// assembly it names.
	ErrInconsistent = errors.New("assembly: inconsistent routing tag")

	// ErrComplete is returned for late shards of a finished assembly.
	ErrComplete = errors.New("assembly: already complete")
)

// Limits bounds a Collector. Zero values select the defaults.
type Limits struct {
	MaxPending int
	MaxPerPool int
	TTL        time.Duration
}

// Assembly is the set of shards collected under one assembly id.
type Assembly struct {
	ID          crypto.Id
	Pool        crypto.PublicKey
	TotalChunks uint16
	TotalHops   uint8
	CreatedAt   time.Time

	// From lists the peers that delivered shards, in first seen order.
	From []string

	// Attempt counts the decode attempts made before this one.
	Attempt int

	chunks  map[uint16]*[erasure.TotalShards][]byte
	seq     uint64
	etaNode *avl.Node

	decoding bool
	dirty    bool
}

// snapshot copies the shard set for a decode attempt outside the lock.
func (a *Assembly) snapshot() *Assembly {
	cp := &Assembly{
		ID:          a.ID,
		Pool:        a.Pool,
		TotalChunks: a.TotalChunks,
		TotalHops:   a.TotalHops,
		CreatedAt:   a.CreatedAt,
		From:        append([]string(nil), a.From...),
		Attempt:     a.Attempt,
		chunks:      make(map[uint16]*[erasure.TotalShards][]byte, len(a.chunks)),
	}
	for c, shards := range a.chunks {
		s := *shards
		cp.chunks[c] = &s
	}
	a.Attempt++
	a.decoding = true
	a.dirty = false
	return cp
}

func (a *Assembly) addFrom(peer string) {
	for _, p := range a.From {
		if p == peer {
			return
		}
	}
	a.From = append(a.From, peer)
}

// Ready reports whether every chunk has at least DataShards shards.
func (a *Assembly) Ready() bool {
	for c := uint16(0); c < a.TotalChunks; c++ {
		shards, ok := a.chunks[c]
		if !ok {
			return false
		}
		n := 0
		for _, s := range shards {
			if s != nil {
				n++
			}
		}
		if n < erasure.DataShards {
			return false
		}
	}
	return true
}

// Shards returns how many shards were collected.
func (a *Assembly) Shards() int {
	n := 0
	for _, shards := range a.chunks {
		for _, s := range shards {
			if s != nil {
				n++
			}
		}
	}
	return n
}

// Decode reconstructs every chunk in order and strips the length frame.
// Successive attempts prefer different shard subsets where a chunk holds
// more than erasure.DataShards shards.
func (a *Assembly) Decode() ([]byte, error) {
	chunks := make([][][]byte, a.TotalChunks)
	for c := range chunks {
		shards, ok := a.chunks[uint16(c)]
		if !ok {
			return nil, erasure.ErrInsufficientShards
		}
		chunks[c] = shards[:]
	}
	return erasure.DecodeFramedAttempt(chunks, a.Attempt)
}

// Collector holds the pending assemblies.
type Collector struct {
	sync.Mutex

	limits  Limits
	pending map[crypto.Id]*Assembly
	perPool map[crypto.PublicKey]int
	etas    *avl.Tree
	done    map[crypto.Id]time.Time
	seq     uint64
	now     func() time.Time
}

// NewCollector returns an empty collector.
func NewCollector(limits Limits) *Collector {
	if limits.MaxPending <= 0 {
		limits.MaxPending = DefaultMaxPending
	}
	if limits.MaxPerPool <= 0 {
		limits.MaxPerPool = DefaultMaxPerPool
	}
	if limits.TTL <= 0 {
		limits.TTL = DefaultTTL
	}
	return &Collector{
		limits:  limits,
		pending: make(map[crypto.Id]*Assembly),
		perPool: make(map[crypto.PublicKey]int),
		etas: avl.New(func(a, b interface{}) int {
			aa, ab := a.(*Assembly), b.(*Assembly)
			switch {
			case ab.CreatedAt.After(aa.CreatedAt):
				return -1
			case aa.CreatedAt.After(ab.CreatedAt):
				return 1
			case aa.seq < ab.seq:
				return -1
			case aa.seq > ab.seq:
				return 1
			default:
				return 0
			}
		}),
		done: make(map[crypto.Id]time.Time),
		now:  time.Now,
	}
}

// SetClock replaces the time source.
func (c *Collector) SetClock(now func() time.Time) {
	c.Lock()
	defer c.Unlock()
	c.now = now
}

// Add stores one shard payload delivered over a circuit of totalHops
// relays. Once the assembly is decodable it returns a copy to decode; the
// caller then reports the outcome with Complete or Retry. While an
// attempt is outstanding new shards are only recorded.
func (c *Collector) Add(tag *payload.RoutingTag, from string, totalHops uint8, shard []byte) (*Assembly, error) {
	if err := tag.Validate(); err != nil {
		return nil, err
	}

	c.Lock()
	defer c.Unlock()

	if _, ok := c.done[tag.AssemblyID]; ok {
		return nil, ErrComplete
	}
	a, ok := c.pending[tag.AssemblyID]
	if !ok {
		if len(c.pending) >= c.limits.MaxPending || c.perPool[tag.PoolPubkey] >= c.limits.MaxPerPool {
			return nil, ErrRateLimited
		}
		c.seq++
		a = &Assembly{
			ID:          tag.AssemblyID,
			Pool:        tag.PoolPubkey,
			TotalChunks: tag.TotalChunks,
			TotalHops:   totalHops,
			CreatedAt:   c.now(),
			chunks:      make(map[uint16]*[erasure.TotalShards][]byte),
			seq:         c.seq,
		}
		a.etaNode = c.etas.Insert(a)
		if a.etaNode.Value.(*Assembly) != a {
			panic("BUG: assembly: duplicate eta+seq")
		}
		c.pending[a.ID] = a
		c.perPool[a.Pool]++
	} else if a.TotalChunks != tag.TotalChunks || a.Pool != tag.PoolPubkey || a.TotalHops != totalHops {
		return nil, ErrInconsistent
	}

	shards, ok := a.chunks[tag.ChunkIndex]
	if !ok {
		shards = new([erasure.TotalShards][]byte)
		a.chunks[tag.ChunkIndex] = shards
	}
	switch cur := shards[tag.ShardIndex]; {
	case cur == nil:
		shards[tag.ShardIndex] = append([]byte(nil), shard...)
	case !bytes.Equal(cur, shard):
		return nil, ErrInconsistent
	default:
		a.addFrom(from)
		return nil, nil
	}
	a.addFrom(from)

	if !a.Ready() {
		return nil, nil
	}
	if a.decoding {
		a.dirty = true
		return nil, nil
	}
	return a.snapshot(), nil
}

// Complete removes a decoded assembly and remembers it for a TTL. It
// returns false when id is no longer pending.
func (c *Collector) Complete(id crypto.Id) bool {
	c.Lock()
	defer c.Unlock()
	a, ok := c.pending[id]
	if !ok {
		return false
	}
	c.remove(a)
	c.done[id] = c.now()
	return true
}

// Retry records a failed decode attempt. The assembly stays pending; if
// shards arrived during the attempt a fresh copy is returned to try again.
func (c *Collector) Retry(id crypto.Id) *Assembly {
	c.Lock()
	defer c.Unlock()
	a, ok := c.pending[id]
	if !ok {
		return nil
	}
	a.decoding = false
	if !a.dirty {
		return nil
	}
	return a.snapshot()
}

// remove must be called with the lock held.
func (c *Collector) remove(a *Assembly) {
	delete(c.pending, a.ID)
	if a.etaNode != nil {
		c.etas.Remove(a.etaNode)
		a.etaNode = nil
	}
	if c.perPool[a.Pool]--; c.perPool[a.Pool] <= 0 {
		delete(c.perPool, a.Pool)
	}
}

// Cancel drops a pending assembly.
func (c *Collector) Cancel(id crypto.Id) bool {
	c.Lock()
	defer c.Unlock()
	a, ok := c.pending[id]
	if ok {
		c.remove(a)
	}
	return ok
}

// Sweep evicts assemblies older than the TTL and returns them.
func (c *Collector) Sweep() []*Assembly {
	c.Lock()
	defer c.Unlock()

	deadline := c.now().Add(-c.limits.TTL)
	var evicted []*Assembly
	iter := c.etas.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		a := node.Value.(*Assembly)
		if a.CreatedAt.After(deadline) {
			break
		}
		evicted = append(evicted, a)
	}
	for _, a := range evicted {
		c.remove(a)
	}
	for id, t := range c.done {
		if !t.After(deadline) {
			delete(c.done, id)
		}
	}
	return evicted
}

// Done reports whether id completed within the last TTL.
func (c *Collector) Done(id crypto.Id) bool {
	c.Lock()
	defer c.Unlock()
	_, ok := c.done[id]
	return ok
}

// Len returns the number of pending assemblies.
func (c *Collector) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.pending)
}

// PoolLen returns the number of pending assemblies owned by pool.
func (c *Collector) PoolLen(pool crypto.PublicKey) int {
	c.Lock()
	defer c.Unlock()
	return c.perPool[pool]
}
