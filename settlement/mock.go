// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package settlement

import (
	"context"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/epochtime"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
)

type claimKey struct {
	pool  crypto.PublicKey
	relay crypto.PublicKey
}

// MockClient runs the pool program's state machine in memory, optionally
// snapshotting every change to a bbolt file.
type MockClient struct {
	sync.Mutex

	log   *logging.Logger
	store *snapshot

	subs   map[crypto.PublicKey]*Subscription
	claims map[claimKey]struct{}
	nodes  map[crypto.PublicKey]*Node

	now func() time.Time
}

// NewMockClient returns a mock backend. A non empty path loads and
// persists the state in a bbolt database.
func NewMockClient(log *logging.Logger, path string) (*MockClient, error) {
	c := &MockClient{
		log:    log,
		subs:   make(map[crypto.PublicKey]*Subscription),
		claims: make(map[claimKey]struct{}),
		nodes:  make(map[crypto.PublicKey]*Node),
		now:    time.Now,
	}
	if path != "" {
		var err error
		if c.store, err = openSnapshot(path); err != nil {
			return nil, err
		}
		if err = c.store.load(c.subs, c.claims, c.nodes); err != nil {
			c.store.close()
			return nil, err
		}
		log.Noticef("Loaded %d subscriptions from %v", len(c.subs), path)
	}
	return c, nil
}

// SetClock replaces the time source.
func (c *MockClient) SetClock(now func() time.Time) {
	c.Lock()
	defer c.Unlock()
	c.now = now
}

// Close flushes and closes the snapshot.
func (c *MockClient) Close() {
	c.Lock()
	defer c.Unlock()
	if c.store != nil {
		c.store.close()
		c.store = nil
	}
}

func (c *MockClient) unixNow() uint64 {
	return uint64(c.now().Unix())
}

// Subscribe implements Client.
func (c *MockClient) Subscribe(ctx context.Context, user crypto.PublicKey, tier hopmode.Tier, amount uint64) (*Subscription, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	c.Lock()
	defer c.Unlock()
	now := c.unixNow()
	if old, ok := c.subs[user]; ok && old.Phase(now) != PhaseClosed {
		return nil, ErrAlreadySubscribed
	}
	epoch, _, _ := epochtime.FromUnix(int64(now))
	s := &Subscription{
		UserPubkey:          user,
		PoolPubkey:          DerivePoolKey(user, epoch),
		Tier:                tier,
		Epoch:               epoch,
		CreatedAt:           now,
		ExpiresAt:           epochtime.ExpiresAt(now),
		PoolBalance:         amount,
		OriginalPoolBalance: amount,
	}
	if err := c.store.putSubscription(s); err != nil {
		return nil, err
	}
	c.subs[user] = s
	c.log.Debugf("Subscribed pool %v tier %v", s.PoolPubkey, tier)
	return s.clone(), nil
}

// PostDistribution implements Client.
func (c *MockClient) PostDistribution(ctx context.Context, user crypto.PublicKey, root merkle.Hash, totalBytes uint64) error {
	c.Lock()
	defer c.Unlock()
	s, ok := c.subs[user]
	if !ok {
		return ErrUnknownSubscription
	}
	switch s.Phase(c.unixNow()) {
	case PhaseActive, PhaseGrace:
		return ErrEpochNotComplete
	case PhaseClosed:
		return ErrPoolClosed
	}
	if s.DistributionRoot != nil {
		return ErrDistributionAlreadyPosted
	}

	n := s.clone()
	n.DistributionRoot = &root
	n.TotalReceipts = totalBytes
	if err := c.store.putSubscription(n); err != nil {
		return err
	}
	c.subs[user] = n
	c.log.Debugf("Posted distribution for pool %v", s.PoolPubkey)
	return nil
}

// ClaimRewards implements Client.
func (c *MockClient) ClaimRewards(ctx context.Context, cl *Claim) (uint64, error) {
	c.Lock()
	defer c.Unlock()
	s, ok := c.subs[cl.UserPubkey]
	if !ok {
		return 0, ErrUnknownSubscription
	}
	if s.DistributionRoot == nil {
		if s.Phase(c.unixNow()) == PhaseClosed {
			return 0, ErrPoolClosed
		}
		return 0, ErrDistributionNotPosted
	}
	k := claimKey{s.PoolPubkey, cl.RelayPubkey}
	if _, ok := c.claims[k]; ok {
		return 0, ErrAlreadyClaimed
	}
	if cl.Proof == nil || cl.RelayBytes > s.TotalReceipts || !merkle.VerifyClaim(*s.DistributionRoot, cl.RelayPubkey, cl.RelayBytes, cl.Proof) {
		return 0, ErrInvalidClaim
	}

	payout := Payout(cl.RelayBytes, s.OriginalPoolBalance, s.TotalReceipts)
	if payout > s.PoolBalance {
		payout = s.PoolBalance
	}
	ns := s.clone()
	ns.PoolBalance -= payout
	node := c.node(cl.RelayPubkey)
	node.UnclaimedRewards += payout
	if err := c.store.putClaim(ns, k, &node); err != nil {
		return 0, err
	}
	c.subs[cl.UserPubkey] = ns
	c.claims[k] = struct{}{}
	c.nodes[cl.RelayPubkey] = &node
	return payout, nil
}

// Withdraw implements Client.
func (c *MockClient) Withdraw(ctx context.Context, relay crypto.PublicKey) (uint64, error) {
	c.Lock()
	defer c.Unlock()
	node := c.node(relay)
	amount := node.UnclaimedRewards
	if amount == 0 {
		return 0, ErrNothingToWithdraw
	}
	node.UnclaimedRewards = 0
	node.TotalWithdrawn += amount
	if err := c.store.putNode(&node); err != nil {
		return 0, err
	}
	c.nodes[relay] = &node
	return amount, nil
}

// Subscription implements Client.
func (c *MockClient) Subscription(ctx context.Context, user crypto.PublicKey) (*Subscription, error) {
	c.Lock()
	defer c.Unlock()
	s, ok := c.subs[user]
	if !ok {
		return nil, ErrUnknownSubscription
	}
	return s.clone(), nil
}

// Node implements Client.
func (c *MockClient) Node(ctx context.Context, relay crypto.PublicKey) (*Node, error) {
	c.Lock()
	defer c.Unlock()
	n := c.node(relay)
	return &n, nil
}

// node returns a copy of relay's account. It must be called with the
// lock held.
func (c *MockClient) node(relay crypto.PublicKey) Node {
	if n, ok := c.nodes[relay]; ok {
		return *n
	}
	return Node{RelayPubkey: relay}
}

func (s *Subscription) clone() *Subscription {
	c := *s
	if s.DistributionRoot != nil {
		r := *s.DistributionRoot
		c.DistributionRoot = &r
	}
	return &c
}
