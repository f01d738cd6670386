// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package exit implements the exit role: regroup request shards by
// assembly, decode and decrypt the request, perform it against the
// internet and shard the sealed response back over the client's leases.
package exit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/assembly"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/transport"
	"github.com/tunnelcraft/tunnelcraft/core/wire"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
	"github.com/tunnelcraft/tunnelcraft/internal/instrument"
)

const (
	// DefaultSendTimeout bounds the hand off of one response shard.
	DefaultSendTimeout = 30 * time.Second

	sweepInterval = 5 * time.Second
	maxSendFanout = 16
)

// Forwarder delivers a shard to a peer.
type Forwarder interface {
	Send(ctx context.Context, peerID string, s *wire.Shard) (*wire.Frame, error)
}

// Config tunes an Exit. Zero values select the defaults.
type Config struct {
	Assembly    assembly.Limits
	Tunnel      TunnelConfig
	SendTimeout time.Duration
}

// Exit terminates circuits.
type Exit struct {
	worker.Worker

	log     *logging.Logger
	enc     *crypto.EncryptionKeypair
	fwd     Forwarder
	fetcher HTTPFetcher
	tunnels *Tunnels
	pending *assembly.Collector
	ttl     time.Duration
	timeout time.Duration

	completed atomic.Uint64
	failed    atomic.Uint64

	now func() time.Time
}

// New returns an exit decrypting with enc. fetcher performs HTTP requests
// and dialer opens tunnel connections; an *Egress serves as both.
func New(log *logging.Logger, cfg Config, enc *crypto.EncryptionKeypair, fwd Forwarder, fetcher HTTPFetcher, dialer TunnelDialer) *Exit {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	ttl := cfg.Assembly.TTL
	if ttl <= 0 {
		ttl = assembly.DefaultTTL
	}
	return &Exit{
		log:     log,
		enc:     enc,
		fwd:     fwd,
		fetcher: fetcher,
		tunnels: NewTunnels(cfg.Tunnel, dialer),
		pending: assembly.NewCollector(cfg.Assembly),
		ttl:     ttl,
		timeout: cfg.SendTimeout,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (e *Exit) SetClock(now func() time.Time) {
	e.now = now
	e.pending.SetClock(now)
	e.tunnels.now = now
}

// Start runs the eviction sweep until Halt.
func (e *Exit) Start() {
	e.Go(func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		defer e.tunnels.Close()
		for {
			select {
			case <-e.HaltCh():
				return
			case <-t.C:
				e.Sweep()
			}
		}
	})
}

// Sweep evicts stale assemblies and idle tunnel sessions.
func (e *Exit) Sweep() {
	if n := len(e.pending.Sweep()); n > 0 {
		e.log.Debugf("Evicted %d stale assemblies", n)
		instrument.AssembliesEvicted(n)
	}
	if n := e.tunnels.Sweep(e.ttl); n > 0 {
		e.log.Debugf("Closed %d idle tunnels", n)
	}
}

// Pending returns the number of incomplete assemblies.
func (e *Exit) Pending() int {
	return e.pending.Len()
}

// Tunnels returns the tunnel session table.
func (e *Exit) Tunnels() *Tunnels {
	return e.tunnels
}

// Completed returns the number of requests answered.
func (e *Exit) Completed() uint64 {
	return e.completed.Load()
}

// Failed returns the number of requests that produced no response.
func (e *Exit) Failed() uint64 {
	return e.failed.Load()
}

// OnShard collects one request shard. It never blocks on egress: a
// completed assembly is processed on a worker goroutine.
func (e *Exit) OnShard(ctx context.Context, from *transport.Peer, s *wire.Shard) *wire.Frame {
	if !s.IsDirect() || s.HopsRemaining != 0 {
		return wire.NewNack(0, wire.ReasonBadRouting)
	}
	tag, err := payload.OpenRoutingTag(e.enc, s.RoutingTag)
	if err != nil {
		e.log.Debugf("Failed to open routing tag: %v", err)
		return wire.NewNack(0, wire.ReasonDecrypt)
	}

	a, err := e.pending.Add(tag, from.ID, s.TotalHops, s.Payload)
	switch {
	case err == nil:
	case errors.Is(err, assembly.ErrComplete):
		return wire.NewAck(0, nil)
	case errors.Is(err, assembly.ErrRateLimited):
		instrument.ShardDropped(wire.ReasonRateLimit)
		return wire.NewNack(0, wire.ReasonRateLimit)
	default:
		e.log.Debugf("Rejecting shard: %v", err)
		return wire.NewNack(0, wire.ReasonPolicy)
	}
	if a != nil {
		e.Go(func() {
			e.process(a)
		})
	}
	return wire.NewAck(0, nil)
}

func (e *Exit) process(a *assembly.Assembly) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()

	p, err := e.open(a)
	for err != nil {
		e.log.Debugf("Attempt %d failed: %v", a.Attempt, err)
		if a = e.pending.Retry(a.ID); a == nil {
			return
		}
		p, err = e.open(a)
	}
	if !e.pending.Complete(a.ID) {
		return
	}
	if p.ShardType != payload.Request {
		e.fail("Dropping non request payload")
		return
	}
	if p.TotalHops != a.TotalHops {
		e.fail("Hop count mismatch: payload %d, shards %d", p.TotalHops, a.TotalHops)
		return
	}

	var body []byte
	switch p.Mode {
	case payload.ModeHTTP:
		body, err = e.handleHTTP(ctx, p)
	case payload.ModeTunnel:
		body, err = e.handleTunnel(ctx, a.Pool, p)
	default:
		err = ErrInvalidRequest
	}
	if err != nil {
		e.fail("Request failed: %v", err)
		return
	}

	var fallback string
	if len(a.From) > 0 {
		fallback = a.From[0]
	}
	out, err := BuildResponseShards(p, body, uint64(e.now().Unix()), fallback)
	if err != nil {
		e.fail("Failed to build response: %v", err)
		return
	}
	if len(out) == 0 {
		e.fail("No route for response")
		return
	}
	e.send(ctx, out)
	e.completed.Add(1)
	instrument.AssemblyCompleted()
	e.log.Info("Completed request")
}

// open decodes and decrypts one attempt. A failure leaves the assembly
// pending so that later shards can retry it.
func (e *Exit) open(a *assembly.Assembly) (*payload.ExitPayload, error) {
	framed, err := a.Decode()
	if err != nil {
		return nil, err
	}
	return payload.OpenExitPayload(e.enc, framed)
}

func (e *Exit) fail(format string, args ...interface{}) {
	e.failed.Add(1)
	e.log.Debugf(format, args...)
}

func (e *Exit) handleHTTP(ctx context.Context, p *payload.ExitPayload) ([]byte, error) {
	req, err := payload.ParseHTTPRequest(p.Data)
	if err != nil {
		return nil, ErrInvalidRequest
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Encode(), nil
}

// handleTunnel always answers with a tunnel frame so the client learns
// when its session is gone, even on failure.
func (e *Exit) handleTunnel(ctx context.Context, pool crypto.PublicKey, p *payload.ExitPayload) ([]byte, error) {
	meta, data, err := payload.DecodeTunnelRequest(p.Data)
	if err != nil {
		return nil, ErrInvalidRequest
	}
	out, closed, err := e.tunnels.Handle(ctx, pool, meta, data)
	if errors.Is(err, ErrRateLimited) {
		return nil, err
	}
	if err != nil {
		e.log.Debugf("Tunnel failed: %v", err)
	}
	reply := &payload.TunnelMetadata{
		SessionID: meta.SessionID,
		IsClose:   closed,
	}
	return payload.EncodeTunnelData(reply, out)
}

func (e *Exit) send(ctx context.Context, out []wire.Outbound) {
	var g errgroup.Group
	g.SetLimit(maxSendFanout)
	for _, o := range out {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			resp, err := e.fwd.Send(sctx, o.PeerID, o.Shard)
			switch {
			case err != nil:
				e.log.Debugf("Response shard not delivered: %v", err)
			case resp.Type != wire.FrameAck:
				e.log.Debugf("Response shard rejected: %s", resp.Reason)
			}
			return nil
		})
	}
	g.Wait()
}
