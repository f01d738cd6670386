// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"sync"
	"time"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
)

// SubscriptionOracle answers which tier, if any, funds a pool.
type SubscriptionOracle interface {
	// Tier returns nil for unknown or expired pools.
	Tier(pool crypto.PublicKey) *hopmode.Tier

	// Epoch returns the subscription epoch of a known pool.
	Epoch(pool crypto.PublicKey) (uint64, bool)
}

type subscription struct {
	tier      hopmode.Tier
	epoch     uint64
	expiresAt uint64
}

// Subscriptions is the local subscription cache fed by gossip.
type Subscriptions struct {
	sync.RWMutex

	pools map[crypto.PublicKey]subscription
	now   func() time.Time
}

// NewSubscriptions returns an empty cache.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		pools: make(map[crypto.PublicKey]subscription),
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (s *Subscriptions) SetClock(now func() time.Time) {
	s.Lock()
	defer s.Unlock()
	s.now = now
}

// Set records a subscription for pool until expiresAt (Unix seconds).
func (s *Subscriptions) Set(pool crypto.PublicKey, tier hopmode.Tier, epoch, expiresAt uint64) {
	s.Lock()
	defer s.Unlock()
	s.pools[pool] = subscription{tier: tier, epoch: epoch, expiresAt: expiresAt}
}

// Apply records a gossiped announcement. Older epochs never replace a
// newer one.
func (s *Subscriptions) Apply(a *gossip.SubscriptionAnnouncement) {
	s.Lock()
	defer s.Unlock()
	if cur, ok := s.pools[a.PoolPubkey]; ok && cur.epoch > a.Epoch {
		return
	}
	s.pools[a.PoolPubkey] = subscription{tier: a.Tier, epoch: a.Epoch, expiresAt: a.ExpiresAt}
}

func (s *Subscriptions) live(pool crypto.PublicKey) (subscription, bool) {
	sub, ok := s.pools[pool]
	if !ok || uint64(s.now().Unix()) >= sub.expiresAt {
		return subscription{}, false
	}
	return sub, true
}

// Tier implements SubscriptionOracle.
func (s *Subscriptions) Tier(pool crypto.PublicKey) *hopmode.Tier {
	s.RLock()
	defer s.RUnlock()
	sub, ok := s.live(pool)
	if !ok {
		return nil
	}
	t := sub.tier
	return &t
}

// Epoch implements SubscriptionOracle.
func (s *Subscriptions) Epoch(pool crypto.PublicKey) (uint64, bool) {
	s.RLock()
	defer s.RUnlock()
	sub, ok := s.live(pool)
	return sub.epoch, ok
}

// Prune drops expired subscriptions.
func (s *Subscriptions) Prune() int {
	s.Lock()
	defer s.Unlock()
	now := uint64(s.now().Unix())
	n := 0
	for k, sub := range s.pools {
		if now >= sub.expiresAt {
			delete(s.pools, k)
			n++
		}
	}
	return n
}
