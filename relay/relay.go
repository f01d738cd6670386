// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements the forwarding role: peel one onion layer,
// enforce the pool's tier, forward, and sign a receipt once the next hop
// acknowledges.
package relay

import (
	"context"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/epochtime"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/onion"
	"github.com/tunnelcraft/tunnelcraft/core/receipt"
	"github.com/tunnelcraft/tunnelcraft/core/transport"
	"github.com/tunnelcraft/tunnelcraft/core/wire"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
	"github.com/tunnelcraft/tunnelcraft/internal/instrument"
)

const (
	// DefaultForwardTimeout bounds the wait for the next hop's ack.
	DefaultForwardTimeout = 30 * time.Second

	// DefaultSenderBurst is the per sender token bucket depth.
	DefaultSenderBurst = 512

	// MaxTunnels bounds the response tunnels a gateway holds.
	MaxTunnels = 10000

	maintenanceInterval = time.Minute
)

// Forwarder delivers a shard to a connected peer.
type Forwarder interface {
	Send(ctx context.Context, peerID string, s *wire.Shard) (*wire.Frame, error)
}

// Config tunes a Relay. Zero values select the defaults.
type Config struct {
	DestinationCacheSize int
	DestinationCacheTTL  time.Duration
	SenderRatePerSecond  float64
	SenderBurst          int
	ForwardTimeout       time.Duration
}

type tunnelEntry struct {
	peerID  string
	expires time.Time
}

// Relay handles inbound onion routed shards.
type Relay struct {
	worker.Worker

	log     *logging.Logger
	peerID  string
	signer  *crypto.SigningKeypair
	enc     *crypto.EncryptionKeypair
	fwd     Forwarder
	subs    SubscriptionOracle
	batcher *Batcher
	dests   *DestinationCache
	limiter *senderLimiter
	timeout time.Duration

	tunnelsLock sync.RWMutex
	tunnels     map[crypto.Id]tunnelEntry

	now func() time.Time
}

// New returns a relay identified by signer, peeling with enc.
func New(log *logging.Logger, cfg Config, signer *crypto.SigningKeypair, enc *crypto.EncryptionKeypair, fwd Forwarder, subs SubscriptionOracle, batcher *Batcher) *Relay {
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = DefaultForwardTimeout
	}
	if cfg.SenderBurst <= 0 {
		cfg.SenderBurst = DefaultSenderBurst
	}
	return &Relay{
		log:     log,
		peerID:  transport.PeerID(signer.PublicKey()),
		signer:  signer,
		enc:     enc,
		fwd:     fwd,
		subs:    subs,
		batcher: batcher,
		dests:   NewDestinationCache(cfg.DestinationCacheSize, cfg.DestinationCacheTTL),
		limiter: newSenderLimiter(cfg.SenderRatePerSecond, cfg.SenderBurst),
		timeout: cfg.ForwardTimeout,
		tunnels: make(map[crypto.Id]tunnelEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (r *Relay) SetClock(now func() time.Time) {
	r.now = now
	r.dests.SetClock(now)
}

// Batcher returns the receipt batcher.
func (r *Relay) Batcher() *Batcher {
	return r.batcher
}

// Start runs the maintenance loop until Halt.
func (r *Relay) Start() {
	r.Go(func() {
		t := time.NewTicker(maintenanceInterval)
		defer t.Stop()
		for {
			select {
			case <-r.HaltCh():
				return
			case <-t.C:
				r.maintain()
			}
		}
	})
}

func (r *Relay) maintain() {
	now := r.now()
	r.limiter.prune(maintenanceInterval, now)

	r.tunnelsLock.Lock()
	for id, e := range r.tunnels {
		if !now.Before(e.expires) {
			delete(r.tunnels, id)
		}
	}
	r.tunnelsLock.Unlock()

	if epoch, _, _ := epochtime.FromUnix(now.Unix()); epoch > 1 && r.batcher != nil {
		r.batcher.PruneBefore(epoch - 1)
	}
}

func (r *Relay) nack(reason string) *wire.Frame {
	instrument.ShardDropped(reason)
	return wire.NewNack(0, reason)
}

// OnShard processes one inbound shard and returns the Ack or Nack for
// the upstream peer.
func (r *Relay) OnShard(ctx context.Context, from *transport.Peer, s *wire.Shard) *wire.Frame {
	if !r.limiter.allow(from.ID, r.now()) {
		return r.nack(wire.ReasonRateLimit)
	}
	if s.IsDirect() || s.HopsRemaining == 0 || s.HopsRemaining > s.TotalHops {
		r.log.Debugf("Dropping shard with bad hop counters")
		return r.nack(wire.ReasonBadRouting)
	}

	layer, err := onion.Peel(r.enc, s.EphemeralPubkey, s.Header)
	if err != nil {
		r.log.Debugf("Failed to peel layer: %v", err)
		return r.nack(wire.ReasonDecrypt)
	}
	st := layer.Settlement
	if int(st.PayloadSize) != len(s.Payload) {
		r.log.Debugf("Settlement size mismatch")
		return r.nack(wire.ReasonPolicy)
	}
	if layer.IsTerminal != (s.HopsRemaining == 1) {
		r.log.Debugf("Hop counters disagree with the header")
		return r.nack(wire.ReasonBadRouting)
	}
	if !isResponse(layer, s) && !hopmode.Allows(r.subs.Tier(st.PoolPubkey), s.TotalHops) {
		r.log.Debugf("Tier violation for %d hops", s.TotalHops)
		return r.nack(wire.ReasonTierViolation)
	}

	next := string(layer.NextPeerID)
	if layer.IsTerminal && layer.TunnelID != nil {
		var ok bool
		if next, ok = r.tunnelPeer(*layer.TunnelID); !ok {
			r.log.Debugf("Unknown response tunnel")
			return r.nack(wire.ReasonUnreachable)
		}
	}
	if next == r.peerID {
		r.log.Debugf("Dropping self loop")
		return r.nack(wire.ReasonBadRouting)
	}
	if !r.dests.Insert(st.ShardID, next) {
		r.log.Debugf("Dropping replayed shard")
		return r.nack(wire.ReasonPolicy)
	}

	out := &wire.Shard{
		EphemeralPubkey: layer.NextEphemeralPubkey,
		Payload:         s.Payload,
		RoutingTag:      s.RoutingTag,
		TotalHops:       s.TotalHops,
		HopsRemaining:   s.HopsRemaining - 1,
	}
	if !layer.IsTerminal {
		out.Header = layer.RemainingHeader
	}

	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.fwd.Send(fctx, next, out)
	if err != nil {
		r.log.Debugf("Forward failed: %v", err)
		return r.nack(wire.ReasonUnreachable)
	}
	if resp.Type != wire.FrameAck {
		return r.nack(resp.Reason)
	}
	instrument.ShardForwarded()
	if resp.Receipt != nil && !resp.Receipt.Verify() {
		r.log.Debugf("Next hop returned an invalid receipt")
	}

	rc := receipt.New(r.signer, st.ShardID, from.Pubkey, st.PoolPubkey, st.PayloadSize, uint64(r.now().Unix()))
	instrument.ReceiptSigned()
	if !st.PoolPubkey.IsZero() && r.batcher != nil {
		epoch, ok := r.subs.Epoch(st.PoolPubkey)
		if !ok {
			epoch, _, _ = epochtime.FromUnix(r.now().Unix())
		}
		if err := r.batcher.Add(rc, epoch); err != nil {
			r.log.Debugf("Receipt not cached: %v", err)
		}
	}
	return wire.NewAck(0, rc)
}

// isResponse reports whether layer is the single gateway hop an exit
// builds for a response. Those carry no pool and are paid for by the
// request that leased the tunnel.
func isResponse(layer *onion.Layer, s *wire.Shard) bool {
	return layer.IsTerminal && layer.TunnelID != nil && s.TotalHops == 1
}

// OnLease registers a response tunnel from peer.
func (r *Relay) OnLease(from *transport.Peer, l *wire.LeaseRequest) *wire.Frame {
	expires := time.Unix(int64(l.ExpiresAt), 0)
	now := r.now()
	if !expires.After(now) {
		return wire.NewNack(0, wire.ReasonPolicy)
	}

	r.tunnelsLock.Lock()
	defer r.tunnelsLock.Unlock()
	if cur, ok := r.tunnels[l.TunnelID]; ok && cur.peerID != from.ID {
		return wire.NewNack(0, wire.ReasonPolicy)
	}
	if _, ok := r.tunnels[l.TunnelID]; !ok && len(r.tunnels) >= MaxTunnels {
		return wire.NewNack(0, wire.ReasonRateLimit)
	}
	r.tunnels[l.TunnelID] = tunnelEntry{peerID: from.ID, expires: expires}
	return wire.NewAck(0, nil)
}

func (r *Relay) tunnelPeer(id crypto.Id) (string, bool) {
	r.tunnelsLock.RLock()
	defer r.tunnelsLock.RUnlock()
	e, ok := r.tunnels[id]
	if !ok || !r.now().Before(e.expires) {
		return "", false
	}
	return e.peerID, true
}

// Tunnels returns the number of registered response tunnels.
func (r *Relay) Tunnels() int {
	r.tunnelsLock.RLock()
	defer r.tunnelsLock.RUnlock()
	return len(r.tunnels)
}
