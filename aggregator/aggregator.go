// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package aggregator follows the gossiped receipt proof chains, keeps per
// pool byte totals for every relay and posts each pool's reward
// distribution once its epoch has closed.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/epochtime"
	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
	"github.com/tunnelcraft/tunnelcraft/internal/instrument"
	"github.com/tunnelcraft/tunnelcraft/prover"
	"github.com/tunnelcraft/tunnelcraft/settlement"
)

const (
	// MaxPendingPerChain bounds the out of order proofs parked per relay
	// chain.
	MaxPendingPerChain = 16

	// MaxPendingTotal bounds the out of order proofs parked overall.
	MaxPendingTotal = 4096

	// DefaultDistributeInterval is how often closed pools are checked.
	DefaultDistributeInterval = time.Minute

	subscriberDepth = 256
)

var (
	// ErrBadSignature is returned for a proof with an invalid signature.
	ErrBadSignature = errors.New("aggregator: bad signature")

	// ErrInvalidProof is returned when the prover rejects a proof.
	ErrInvalidProof = errors.New("aggregator: invalid proof")

	// ErrDuplicate is returned for a proof already applied or parked.
	ErrDuplicate = errors.New("aggregator: duplicate proof")

	// ErrInconsistent is returned when the cumulative counter doesn't
	// follow from the chain.
	ErrInconsistent = errors.New("aggregator: inconsistent cumulative bytes")

	// ErrPendingFull is returned when an out of order proof can't be
	// parked.
	ErrPendingFull = errors.New("aggregator: pending set full")

	// ErrDistributed is returned for proofs against a pool whose
	// distribution has been posted.
	ErrDistributed = errors.New("aggregator: pool already distributed")
)

// Config tunes an Aggregator. Zero values select the defaults.
type Config struct {
	MaxPendingPerChain int
	MaxPendingTotal    int
	DistributeInterval time.Duration
}

// Router is the gossip layer the aggregator listens on.
type Router interface {
	Subscribe(topic string, depth int) <-chan *gossip.Envelope
	Publish(topic string, v interface{}) error
}

type poolKey struct {
	pool  crypto.PublicKey
	epoch uint64
}

type relayChain struct {
	lastRoot   merkle.Hash
	cumulative uint64
	proofs     []*gossip.ProofMessage

	// pending holds parked proofs keyed by their prev_root.
	pending map[merkle.Hash]*gossip.ProofMessage
	applied map[merkle.Hash]struct{}
}

type poolState struct {
	relays map[crypto.PublicKey]*relayChain
	dist   *merkle.Distribution
}

// Aggregator consumes proof messages and posts distributions.
type Aggregator struct {
	worker.Worker
	sync.RWMutex

	log    *logging.Logger
	cfg    Config
	prover prover.Prover
	settle settlement.Client
	store  *Store

	pools        map[poolKey]*poolState
	subs         map[crypto.PublicKey]*gossip.SubscriptionAnnouncement
	pendingTotal int

	now func() time.Time
}

// New returns an aggregator verifying proofs with p and posting through
// settle. A non nil store persists accepted proofs and is replayed here.
func New(log *logging.Logger, cfg Config, p prover.Prover, settle settlement.Client, store *Store) (*Aggregator, error) {
	if cfg.MaxPendingPerChain <= 0 {
		cfg.MaxPendingPerChain = MaxPendingPerChain
	}
	if cfg.MaxPendingTotal <= 0 {
		cfg.MaxPendingTotal = MaxPendingTotal
	}
	if cfg.DistributeInterval <= 0 {
		cfg.DistributeInterval = DefaultDistributeInterval
	}
	a := &Aggregator{
		log:    log,
		cfg:    cfg,
		prover: p,
		settle: settle,
		store:  store,
		pools:  make(map[poolKey]*poolState),
		subs:   make(map[crypto.PublicKey]*gossip.SubscriptionAnnouncement),
		now:    time.Now,
	}
	if store != nil {
		if err := a.replay(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Aggregator) replay() error {
	n := 0
	if err := a.store.ForEachProof(func(m *gossip.ProofMessage) error {
		st := a.pool(poolKey{m.PoolPubkey, m.Epoch})
		c := st.chain(m.RelayPubkey)
		if m.PrevRoot != c.lastRoot {
			return ErrInconsistent
		}
		c.apply(m)
		n++
		return nil
	}); err != nil {
		return err
	}
	if err := a.store.ForEachDistribution(func(d *merkle.Distribution, epoch uint64) error {
		a.pool(poolKey{d.Pool, epoch}).dist = d
		return nil
	}); err != nil {
		return err
	}
	a.log.Noticef("Replayed %d stored proofs", n)
	return nil
}

// SetClock replaces the time source.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.Lock()
	defer a.Unlock()
	a.now = now
}

func (a *Aggregator) pool(k poolKey) *poolState {
	st, ok := a.pools[k]
	if !ok {
		st = &poolState{relays: make(map[crypto.PublicKey]*relayChain)}
		a.pools[k] = st
	}
	return st
}

func (st *poolState) chain(relay crypto.PublicKey) *relayChain {
	c, ok := st.relays[relay]
	if !ok {
		c = &relayChain{
			pending: make(map[merkle.Hash]*gossip.ProofMessage),
			applied: make(map[merkle.Hash]struct{}),
		}
		st.relays[relay] = c
	}
	return c
}

func (c *relayChain) apply(m *gossip.ProofMessage) {
	c.lastRoot = m.NewRoot
	c.cumulative = m.CumulativeBytes
	c.proofs = append(c.proofs, m)
	c.applied[m.NewRoot] = struct{}{}
}

// HandleProof verifies and applies m. A proof whose prev_root doesn't
// match the chain head is parked until the gap fills.
func (a *Aggregator) HandleProof(m *gossip.ProofMessage) error {
	if !m.Verify() {
		instrument.Proof("bad_signature")
		return ErrBadSignature
	}
	if !a.prover.Verify(m.NewRoot, m.Proof, m.BatchBytes) {
		instrument.Proof("invalid")
		return ErrInvalidProof
	}

	a.Lock()
	defer a.Unlock()
	st := a.pool(poolKey{m.PoolPubkey, m.Epoch})
	if st.dist != nil {
		instrument.Proof("late")
		return ErrDistributed
	}
	c := st.chain(m.RelayPubkey)
	if _, ok := c.applied[m.NewRoot]; ok {
		return ErrDuplicate
	}
	if _, ok := c.pending[m.PrevRoot]; ok {
		return ErrDuplicate
	}

	if m.PrevRoot != c.lastRoot {
		if len(c.pending) >= a.cfg.MaxPendingPerChain || a.pendingTotal >= a.cfg.MaxPendingTotal {
			instrument.Proof("pending_full")
			return ErrPendingFull
		}
		c.pending[m.PrevRoot] = m
		a.pendingTotal++
		instrument.Proof("parked")
		a.log.Debugf("Parked out of order proof from %v", m.RelayPubkey)
		return nil
	}

	if err := a.accept(c, m); err != nil {
		return err
	}
	for {
		next, ok := c.pending[c.lastRoot]
		if !ok {
			break
		}
		delete(c.pending, c.lastRoot)
		a.pendingTotal--
		if err := a.accept(c, next); err != nil {
			a.log.Debugf("Dropped parked proof: %v", err)
			break
		}
	}
	return nil
}

// accept applies m onto c. It must be called with the lock held.
func (a *Aggregator) accept(c *relayChain, m *gossip.ProofMessage) error {
	if m.CumulativeBytes != c.cumulative+m.BatchBytes {
		instrument.Proof("inconsistent")
		return ErrInconsistent
	}
	if a.store != nil {
		if err := a.store.AppendProof(m); err != nil {
			a.log.Errorf("Failed to persist proof: %v", err)
			return err
		}
	}
	c.apply(m)
	instrument.Proof("accepted")
	return nil
}

// HandleSubscription records the pool's owner and expiry.
func (a *Aggregator) HandleSubscription(s *gossip.SubscriptionAnnouncement) {
	a.Lock()
	defer a.Unlock()
	if old, ok := a.subs[s.PoolPubkey]; ok && old.Epoch > s.Epoch {
		return
	}
	a.subs[s.PoolPubkey] = s
}

// Cumulative returns the bytes credited to relay in a pool.
func (a *Aggregator) Cumulative(pool crypto.PublicKey, epoch uint64, relay crypto.PublicKey) uint64 {
	a.RLock()
	defer a.RUnlock()
	st, ok := a.pools[poolKey{pool, epoch}]
	if !ok {
		return 0
	}
	if c, ok := st.relays[relay]; ok {
		return c.cumulative
	}
	return 0
}

// Pending returns the number of parked proofs.
func (a *Aggregator) Pending() int {
	a.RLock()
	defer a.RUnlock()
	return a.pendingTotal
}

// Entries returns a snapshot of a pool's per relay totals.
func (a *Aggregator) Entries(pool crypto.PublicKey, epoch uint64) []merkle.Entry {
	a.RLock()
	defer a.RUnlock()
	st, ok := a.pools[poolKey{pool, epoch}]
	if !ok {
		return nil
	}
	return st.entries()
}

func (st *poolState) entries() []merkle.Entry {
	out := make([]merkle.Entry, 0, len(st.relays))
	for k, c := range st.relays {
		out = append(out, merkle.Entry{RelayPubkey: k, Bytes: c.cumulative})
	}
	return out
}

// Distribution returns the posted distribution of a pool.
func (a *Aggregator) Distribution(pool crypto.PublicKey, epoch uint64) (*merkle.Distribution, bool) {
	a.RLock()
	defer a.RUnlock()
	st, ok := a.pools[poolKey{pool, epoch}]
	if !ok || st.dist == nil {
		return nil, false
	}
	return st.dist, true
}

// Claim returns the settlement claim relay can submit against a posted
// distribution.
func (a *Aggregator) Claim(pool crypto.PublicKey, epoch uint64, relay crypto.PublicKey) (*settlement.Claim, error) {
	d, ok := a.Distribution(pool, epoch)
	if !ok {
		return nil, settlement.ErrDistributionNotPosted
	}
	a.RLock()
	sub, ok := a.subs[pool]
	a.RUnlock()
	if !ok {
		return nil, settlement.ErrUnknownSubscription
	}
	n, p, err := d.ProofFor(relay)
	if err != nil {
		return nil, err
	}
	return &settlement.Claim{UserPubkey: sub.UserPubkey, RelayPubkey: relay, RelayBytes: n, Proof: p}, nil
}

type closedPool struct {
	key  poolKey
	sub  *gossip.SubscriptionAnnouncement
	dist *merkle.Distribution
}

// Distribute posts the distribution of every pool past its grace period
// and returns the ones posted.
func (a *Aggregator) Distribute(ctx context.Context) []*merkle.Distribution {
	a.RLock()
	now := uint64(a.now().Unix())
	var closed []closedPool
	for k, st := range a.pools {
		sub, ok := a.subs[k.pool]
		if !ok || st.dist != nil || sub.Epoch != k.epoch || now < epochtime.ClaimableAt(sub.ExpiresAt) {
			continue
		}
		d := merkle.BuildDistribution(k.pool, st.entries())
		if d.TotalBytes == 0 {
			continue
		}
		closed = append(closed, closedPool{k, sub, d})
	}
	a.RUnlock()

	var posted []*merkle.Distribution
	for _, cp := range closed {
		err := a.settle.PostDistribution(ctx, cp.sub.UserPubkey, cp.dist.Root, cp.dist.TotalBytes)
		switch {
		case err == nil:
			a.log.Noticef("Posted distribution for pool %v: %d relays, %d bytes", cp.key.pool, len(cp.dist.Entries), cp.dist.TotalBytes)
		case errors.Is(err, settlement.ErrDistributionAlreadyPosted):
			a.log.Debugf("Distribution for pool %v already posted", cp.key.pool)
		default:
			a.log.Warningf("Failed to post distribution for pool %v: %v", cp.key.pool, err)
			continue
		}
		if a.store != nil {
			if err := a.store.PutDistribution(cp.dist, cp.key.epoch); err != nil {
				a.log.Errorf("Failed to persist distribution: %v", err)
			}
		}
		a.Lock()
		st := a.pools[cp.key]
		st.dist = cp.dist
		for _, c := range st.relays {
			a.pendingTotal -= len(c.pending)
			c.pending = make(map[merkle.Hash]*gossip.ProofMessage)
		}
		a.Unlock()
		posted = append(posted, cp.dist)
	}
	return posted
}

// HandleSyncRequest answers a history request from the stored chain, or
// the in memory one without a store.
func (a *Aggregator) HandleSyncRequest(req *gossip.AggregatorSyncRequest) (*gossip.AggregatorSyncResponse, error) {
	resp := &gossip.AggregatorSyncResponse{RequestID: req.RequestID}
	if a.store != nil {
		proofs, err := a.store.Proofs(req.PoolPubkey, req.Epoch)
		if err != nil {
			return nil, err
		}
		resp.Proofs = proofs
		return resp, nil
	}

	a.RLock()
	defer a.RUnlock()
	if st, ok := a.pools[poolKey{req.PoolPubkey, req.Epoch}]; ok {
		for _, c := range st.relays {
			resp.Proofs = append(resp.Proofs, c.proofs...)
		}
	}
	return resp, nil
}

// HandleSyncResponse feeds a peer's history into the local chains and
// returns how many proofs were new.
func (a *Aggregator) HandleSyncResponse(resp *gossip.AggregatorSyncResponse) int {
	n := 0
	for _, m := range resp.Proofs {
		if m == nil {
			continue
		}
		if err := a.HandleProof(m); err == nil {
			n++
		}
	}
	return n
}

// syncMessage is either half of the aggregator sync exchange.
type syncMessage struct {
	RequestID  crypto.Id              `json:"request_id"`
	PoolPubkey crypto.PublicKey       `json:"pool_pubkey"`
	Epoch      uint64                 `json:"epoch"`
	Proofs     []*gossip.ProofMessage `json:"proofs"`
}

// Start follows the proof, subscription and sync topics on r and posts
// distributions until Halt.
func (a *Aggregator) Start(r Router) {
	proofs := r.Subscribe(gossip.TopicProofs, subscriberDepth)
	subs := r.Subscribe(gossip.TopicSubscriptions, subscriberDepth)
	syncs := r.Subscribe(gossip.TopicAggregatorSync, subscriberDepth)

	a.Go(func() {
		t := time.NewTicker(a.cfg.DistributeInterval)
		defer t.Stop()
		for {
			select {
			case <-a.HaltCh():
				return
			case e := <-proofs:
				m := new(gossip.ProofMessage)
				if err := e.Decode(m); err != nil {
					a.log.Debugf("Malformed proof message: %v", err)
					continue
				}
				if err := a.HandleProof(m); err != nil {
					a.log.Debugf("Rejected proof: %v", err)
				}
			case e := <-subs:
				s := new(gossip.SubscriptionAnnouncement)
				if err := e.Decode(s); err != nil {
					a.log.Debugf("Malformed subscription: %v", err)
					continue
				}
				a.HandleSubscription(s)
			case e := <-syncs:
				a.onSync(r, e)
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DistributeInterval)
				a.Distribute(ctx)
				cancel()
			}
		}
	})
}

func (a *Aggregator) onSync(r Router, e *gossip.Envelope) {
	var msg syncMessage
	if err := e.Decode(&msg); err != nil {
		a.log.Debugf("Malformed sync message: %v", err)
		return
	}
	if msg.Proofs != nil {
		if n := a.HandleSyncResponse(&gossip.AggregatorSyncResponse{RequestID: msg.RequestID, Proofs: msg.Proofs}); n > 0 {
			a.log.Debugf("Synced %d proofs", n)
		}
		return
	}
	resp, err := a.HandleSyncRequest(&gossip.AggregatorSyncRequest{RequestID: msg.RequestID, PoolPubkey: msg.PoolPubkey, Epoch: msg.Epoch})
	if err != nil {
		a.log.Errorf("Failed to answer sync request: %v", err)
		return
	}
	if len(resp.Proofs) == 0 {
		return
	}
	if err = r.Publish(gossip.TopicAggregatorSync, resp); err != nil {
		a.log.Debugf("Failed to publish sync response: %v", err)
	}
}

// RequestSync asks peers for the history of a pool.
func (a *Aggregator) RequestSync(r Router, pool crypto.PublicKey, epoch uint64) error {
	return r.Publish(gossip.TopicAggregatorSync, &gossip.AggregatorSyncRequest{
		RequestID:  crypto.NewId(),
		PoolPubkey: pool,
		Epoch:      epoch,
	})
}
