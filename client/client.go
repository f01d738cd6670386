// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the requesting side of a circuit: path and
// lease selection, request sharding, response reassembly and credit
// accounting.
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/assembly"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/topology"
	"github.com/tunnelcraft/tunnelcraft/core/transport"
	"github.com/tunnelcraft/tunnelcraft/core/wire"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
)

const (
	// DefaultRequestTimeout bounds one request round trip.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultLeaseTTL is the lifetime of a registered response tunnel.
	DefaultLeaseTTL = 10 * time.Minute

	// DefaultGateways is the number of gateways in a lease set.
	DefaultGateways = 3

	leaseRefreshSlack = 30 * time.Second
	sweepInterval     = 5 * time.Second
)

var (
	// ErrNoGateway is returned when no gateway accepted a lease.
	ErrNoGateway = errors.New("client: no gateway available")

	// ErrTimeout is returned when a response didn't arrive in time.
	ErrTimeout = errors.New("client: request timed out")

	// ErrNotDelivered is returned when every shard was refused.
	ErrNotDelivered = errors.New("client: request not delivered")
)

// Forwarder delivers a shard to a connected peer.
type Forwarder interface {
	Send(ctx context.Context, peerID string, s *wire.Shard) (*wire.Frame, error)
}

// Leaser registers response tunnels with gateways.
type Leaser interface {
	RegisterLease(ctx context.Context, peerID string, l *wire.LeaseRequest) (*wire.Frame, error)
}

// Config tunes a Client. Zero values select the defaults.
type Config struct {
	HopMode        hopmode.HopMode
	Tier           *hopmode.Tier
	Pool           crypto.PublicKey
	Paths          int
	Gateways       int
	RequestTimeout time.Duration
	LeaseTTL       time.Duration
	Assembly       assembly.Limits
}

// Client issues requests into the network.
type Client struct {
	worker.Worker

	log     *logging.Logger
	signer  *crypto.SigningKeypair
	respKey *crypto.EncryptionKeypair
	peerID  string
	graph   *topology.Graph
	fwd     Forwarder
	leaser  Leaser
	credits *Credits

	responses *Reassembler

	cfgLock sync.RWMutex
	cfg     Config

	leaseLock     sync.Mutex
	leases        payload.LeaseSet
	leasesExpires time.Time

	sent atomic.Uint64

	now func() time.Time
}

// New returns a client identified by signer. respKey opens responses and
// credits, when non-nil, meters requests made against a pool.
func New(log *logging.Logger, cfg Config, signer *crypto.SigningKeypair, respKey *crypto.EncryptionKeypair, graph *topology.Graph, fwd Forwarder, leaser Leaser, credits *Credits) *Client {
	if cfg.Paths <= 0 {
		cfg.Paths = erasure.TotalShards
	}
	if cfg.Gateways <= 0 {
		cfg.Gateways = DefaultGateways
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Client{
		log:       log,
		signer:    signer,
		respKey:   respKey,
		peerID:    transport.PeerID(signer.PublicKey()),
		graph:     graph,
		fwd:       fwd,
		leaser:    leaser,
		credits:   credits,
		responses: NewReassembler(respKey, cfg.Assembly),
		cfg:       cfg,
		leases:    payload.LeaseSet{SessionID: crypto.NewId()},
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

// Start runs the partial response sweep until Halt.
func (c *Client) Start() {
	c.Go(func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-c.HaltCh():
				return
			case <-t.C:
				if n := c.responses.Sweep(); n > 0 {
					c.log.Debugf("Evicted %d partial responses", n)
				}
			}
		}
	})
}

// SetSubscription updates the tier and pool used for new requests.
func (c *Client) SetSubscription(tier *hopmode.Tier, pool crypto.PublicKey) {
	c.cfgLock.Lock()
	defer c.cfgLock.Unlock()
	c.cfg.Tier = tier
	c.cfg.Pool = pool
}

// SetHopMode updates the requested hop mode.
func (c *Client) SetHopMode(m hopmode.HopMode) {
	c.cfgLock.Lock()
	defer c.cfgLock.Unlock()
	c.cfg.HopMode = m
}

func (c *Client) config() Config {
	c.cfgLock.RLock()
	defer c.cfgLock.RUnlock()
	return c.cfg
}

// HopMode returns the effective hop mode after tier clamping.
func (c *Client) HopMode() hopmode.HopMode {
	cfg := c.config()
	return hopmode.Clamp(cfg.HopMode, cfg.Tier)
}

// Credits returns the credit ledger, which may be nil.
func (c *Client) Credits() *Credits {
	return c.credits
}

// ShardsSent returns the number of request shards accepted by a first hop.
func (c *Client) ShardsSent() uint64 {
	return c.sent.Load()
}

// OnShard collects a response shard delivered to us.
func (c *Client) OnShard(ctx context.Context, from *transport.Peer, s *wire.Shard) *wire.Frame {
	if !s.IsDirect() || s.HopsRemaining != 0 {
		return wire.NewNack(0, wire.ReasonBadRouting)
	}
	return c.responses.OnShard(s, from.ID)
}

// leaseSet returns a lease set valid for at least leaseRefreshSlack,
// registering new gateway tunnels when needed.
func (c *Client) leaseSet(ctx context.Context, hops int) (payload.LeaseSet, error) {
	if hops == 0 {
		return payload.LeaseSet{
			SessionID: crypto.NewId(),
			Leases:    []payload.Lease{{GatewayPeerID: []byte(c.peerID)}},
		}, nil
	}

	c.leaseLock.Lock()
	defer c.leaseLock.Unlock()
	now := c.now()
	if len(c.leases.Leases) > 0 && now.Add(leaseRefreshSlack).Before(c.leasesExpires) {
		return c.leases, nil
	}

	cfg := c.config()
	expires := now.Add(cfg.LeaseTTL)
	set := payload.LeaseSet{SessionID: c.leases.SessionID}
	for _, gw := range c.graph.Gateways(c.peerID, cfg.Gateways) {
		req := &wire.LeaseRequest{TunnelID: crypto.NewId(), ExpiresAt: uint64(expires.Unix())}
		resp, err := c.leaser.RegisterLease(ctx, string(gw.PeerID), req)
		if err != nil || resp.Type != wire.FrameAck {
			c.log.Debugf("Gateway refused lease")
			continue
		}
		set.Leases = append(set.Leases, payload.Lease{
			GatewayPeerID:           gw.PeerID,
			GatewayEncryptionPubkey: gw.EncryptionPubkey,
			TunnelID:                req.TunnelID,
			ExpiresAt:               req.ExpiresAt,
		})
	}
	if len(set.Leases) == 0 {
		return payload.LeaseSet{}, ErrNoGateway
	}
	c.leases, c.leasesExpires = set, expires
	return set, nil
}

// Do sends one request to exit and waits for its response.
func (c *Client) Do(ctx context.Context, exit *topology.Exit, mode payload.Mode, data []byte) ([]byte, error) {
	cfg := c.config()
	hops := hopmode.Clamp(cfg.HopMode, cfg.Tier).MinRelays()

	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	var paths []*topology.Path
	if hops > 0 {
		var err error
		if paths, err = c.graph.SelectDiversePaths(cfg.Paths, hops, exit, c.peerID); err != nil {
			return nil, err
		}
	}
	leases, err := c.leaseSet(ctx, hops)
	if err != nil {
		return nil, err
	}

	requestID, out, err := BuildRequest(&Request{
		Mode:        mode,
		Data:        data,
		UserPubkey:  c.signer.PublicKey(),
		ResponseKey: c.respKey.PublicKey(),
		Exit:        exit,
		Paths:       paths,
		LeaseSet:    leases,
		Pool:        cfg.Pool,
	})
	if err != nil {
		return nil, err
	}

	var cost uint64
	metered := c.credits != nil && !cfg.Pool.IsZero()
	if metered {
		cost = c.credits.Estimate(hops)
		if err := c.credits.Reserve(requestID, cost); err != nil {
			return nil, err
		}
	}
	done := c.responses.Expect(requestID)

	if err := c.send(ctx, out); err != nil {
		c.responses.Abandon(requestID)
		if metered {
			c.credits.Release(requestID)
		}
		return nil, err
	}

	select {
	case b := <-done:
		if metered {
			c.credits.Commit(requestID, cost)
		}
		return b, nil
	case <-ctx.Done():
	case <-c.HaltCh():
	}
	c.responses.Abandon(requestID)
	if metered {
		c.credits.Release(requestID)
	}
	return nil, ErrTimeout
}

func (c *Client) send(ctx context.Context, out []wire.Outbound) error {
	var (
		g         errgroup.Group
		delivered atomic.Int32
	)
	for _, o := range out {
		g.Go(func() error {
			resp, err := c.fwd.Send(ctx, o.PeerID, o.Shard)
			switch {
			case err != nil:
				c.log.Debugf("Shard not delivered: %v", err)
			case resp.Type != wire.FrameAck:
				c.log.Debugf("Shard rejected: %s", resp.Reason)
			default:
				delivered.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	n := delivered.Load()
	c.sent.Add(uint64(n))
	if n == 0 {
		return ErrNotDelivered
	}
	return nil
}

// HTTP performs req through exit.
func (c *Client) HTTP(ctx context.Context, exit *topology.Exit, req *payload.HTTPRequest) (*payload.HTTPResponse, error) {
	b, err := c.Do(ctx, exit, payload.ModeHTTP, req.Encode())
	if err != nil {
		return nil, err
	}
	return payload.ParseHTTPResponse(b)
}
