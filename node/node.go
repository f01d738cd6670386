// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package node composes the configured roles into one TunnelCraft process:
// identity, stream transport, gossip, registry, settlement and the relay,
// exit, client and aggregator handlers.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/aggregator"
	"github.com/tunnelcraft/tunnelcraft/client"
	"github.com/tunnelcraft/tunnelcraft/config"
	"github.com/tunnelcraft/tunnelcraft/core/assembly"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/registry"
	"github.com/tunnelcraft/tunnelcraft/core/topology"
	"github.com/tunnelcraft/tunnelcraft/core/transport"
	"github.com/tunnelcraft/tunnelcraft/core/utils"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
	"github.com/tunnelcraft/tunnelcraft/exit"
	"github.com/tunnelcraft/tunnelcraft/internal/instrument"
	"github.com/tunnelcraft/tunnelcraft/internal/profiling"
	"github.com/tunnelcraft/tunnelcraft/prover"
	"github.com/tunnelcraft/tunnelcraft/relay"
	"github.com/tunnelcraft/tunnelcraft/settlement"
)

const (
	registryPrefix  = "tunnelcraft"
	shutdownTimeout = 5 * time.Second
)

var (
	// ErrRoleDisabled is returned by operations of a role the node
	// doesn't run.
	ErrRoleDisabled = errors.New("node: role not enabled")

	// ErrNoDistribution is returned when the local aggregator has no
	// posted distribution for the requested pool.
	ErrNoDistribution = errors.New("node: no distribution for pool")
)

// Node is a running TunnelCraft process.
type Node struct {
	worker.Worker

	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	identity *crypto.SigningKeypair
	enc      *crypto.EncryptionKeypair
	peerID   string

	manager       *transport.Manager
	router        *gossip.Router
	graph         *topology.Graph
	relayLiveness *gossip.Liveness
	exits         *exitDirectory
	registry      registry.Store

	settle     settlement.Client
	mockSettle *settlement.MockClient

	subs       *relay.Subscriptions
	relay      *relay.Relay
	exit       *exit.Exit
	client     *client.Client
	aggregator *aggregator.Aggregator
	aggStore   *aggregator.Store

	metrics   *http.Server
	addresses []net.Addr

	kickCh    chan struct{}
	startedAt time.Time
	now       func() time.Time

	haltedCh chan interface{}
	haltOnce sync.Once
}

// New brings up a node from a validated configuration.
func New(cfg *config.Config) (*Node, error) {
	n := &Node{
		cfg:           cfg,
		graph:         topology.NewGraph(0),
		relayLiveness: gossip.NewLiveness(),
		exits:         newExitDirectory(),
		kickCh:        make(chan struct{}, 1),
		startedAt:     time.Now(),
		now:           time.Now,
		haltedCh:      make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := utils.MkDataDir(cfg.Node.DataDir); err != nil {
		return nil, err
	}
	if err := n.initLogging(); err != nil {
		return nil, err
	}
	n.log.Notice("Starting TunnelCraft node")
	if cfg.Logging.Level == "DEBUG" {
		n.log.Warning("Debug logging is enabled.")
	}
	if err := n.initIdentity(); err != nil {
		n.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}

	// Past this point, failures need to call n.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			n.Shutdown()
		}
	}()

	if err := n.initRegistry(); err != nil {
		return nil, err
	}
	if err := n.initSettlement(); err != nil {
		return nil, err
	}

	tcfg := transport.Config{}
	if cfg.Relay != nil {
		tcfg.InflightPerPeer = cfg.Relay.InflightPerSender
	}
	n.manager = transport.NewManager(n.logBackend, n.identity, tcfg, n)
	n.router = gossip.NewRouter(n.logBackend.GetLogger("gossip"), n.manager)
	n.manager.OnConnect(func(*transport.Peer) { n.kick() })
	n.manager.OnDisconnect(func(*transport.Peer) { n.kick() })

	if err := n.initRoles(); err != nil {
		return nil, err
	}
	n.startGossip()

	for _, addr := range cfg.Node.ListenAddresses {
		a, err := n.manager.Listen(addr)
		if err != nil {
			return nil, err
		}
		n.addresses = append(n.addresses, a)
	}
	for _, v := range cfg.Node.BootstrapPeers {
		bp, err := config.ParseBootstrapPeer(v)
		if err != nil {
			return nil, err
		}
		n.manager.Maintain(bp.URL)
	}
	n.startAnnouncer()

	if cfg.Metrics.Address != "" {
		srv, err := instrument.Start(n.logBackend.GetLogger("metrics"), cfg.Metrics.Address)
		if err != nil {
			return nil, err
		}
		n.metrics = srv
	}
	if cfg.Profiling.ServerAddress != "" {
		if err := profiling.Start(n.log, cfg.Profiling.ServerAddress, "tunnelcraft", n.roleTag()); err != nil {
			n.log.Warningf("Profiling disabled: %v", err)
		}
	}

	isOk = true
	n.log.Noticef("Node %v is up with roles %v", n.peerID, cfg.Node.Roles)
	return n, nil
}

func (n *Node) initLogging() error {
	p := n.cfg.Logging.File
	if !n.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(n.cfg.Node.DataDir, p)
	}

	var err error
	n.logBackend, err = log.New(p, n.cfg.Logging.Level, n.cfg.Logging.Disable)
	if err == nil {
		n.log = n.logBackend.GetLogger("node")
	}
	return err
}

func (n *Node) initIdentity() error {
	k, created, err := LoadOrCreateIdentity(n.cfg.IdentityFile())
	if err != nil {
		return err
	}
	if created {
		n.log.Noticef("Generated a new identity in %v", n.cfg.IdentityFile())
	}
	n.identity = k
	n.enc = k.DeriveEncryptionKeypair()
	n.peerID = transport.PeerID(k.PublicKey())
	return nil
}

func (n *Node) initRegistry() error {
	addr := n.cfg.Node.RegistryAddress
	if addr == "" {
		n.registry = registry.NewMemoryStore()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), advertiseTimeout)
	defer cancel()
	r, err := registry.NewRedisStore(ctx, addr, registryPrefix)
	if err != nil {
		return fmt.Errorf("node: failed to connect to registry: %w", err)
	}
	n.registry = r
	return nil
}

func (n *Node) initSettlement() error {
	sc := n.cfg.Settlement
	l := n.logBackend.GetLogger("settlement")
	if settlement.Mode(sc.Mode) == settlement.ModeLive {
		programID, err := crypto.PublicKeyFromHex(sc.ProgramID)
		if err != nil {
			return err
		}
		c, err := settlement.NewLiveClient(l, settlement.LiveConfig{
			RPCURL:     sc.RPCURL,
			ProgramID:  programID,
			Commitment: settlement.Commitment(sc.Commitment),
		}, n.identity)
		if err != nil {
			return err
		}
		n.settle = c
		return nil
	}
	c, err := settlement.NewMockClient(l, sc.SnapshotFile)
	if err != nil {
		return err
	}
	n.settle, n.mockSettle = c, c
	return nil
}

func (n *Node) initRoles() error {
	cfg := n.cfg
	if cfg.HasRole(config.RoleRelay) {
		rc := cfg.Relay
		p, err := prover.New(rc.Prover)
		if err != nil {
			return err
		}
		batcher, err := relay.NewBatcher(n.logBackend.GetLogger("relay:batcher"), n.identity, p, n.router, rc.ProofBatchSize, config.Duration(rc.ProofInterval))
		if err != nil {
			return err
		}
		n.subs = relay.NewSubscriptions()
		n.relay = relay.New(n.logBackend.GetLogger("relay"), relay.Config{
			DestinationCacheSize: rc.DestinationCacheSize,
			DestinationCacheTTL:  config.Duration(rc.DestinationCacheTTL),
			SenderRatePerSecond:  rc.SenderRatePerSecond,
			SenderBurst:          rc.InflightPerSender,
		}, n.identity, n.enc, n.manager, n.subs, batcher)
		batcher.Start()
		n.relay.Start()
	}

	if cfg.HasRole(config.RoleExit) {
		ec := cfg.Exit
		egress, err := exit.NewEgress(&exit.EgressConfig{
			Timeout:         config.Duration(ec.Timeout),
			MaxResponseSize: ec.MaxResponseSize,
			BlockedDomains:  ec.BlockedDomains,
			AllowPrivateIPs: ec.AllowPrivateIPs,
		})
		if err != nil {
			return err
		}
		n.exit = exit.New(n.logBackend.GetLogger("exit"), exit.Config{
			Assembly: assembly.Limits{
				MaxPending: ec.MaxPendingAssemblies,
				MaxPerPool: ec.MaxPendingPerUser,
				TTL:        config.Duration(ec.AssemblyTTL),
			},
			Tunnel: exit.TunnelConfig{MaxTunnelsPerPool: ec.MaxTunnelsPerUser},
		}, n.enc, n.manager, egress, egress)
		n.exit.Start()
	}

	if cfg.HasRole(config.RoleClient) {
		cc := cfg.Client
		mode, tier, pool := cc.Subscription()
		var credits *client.Credits
		if cc.CreditAuthority != "" {
			authority, err := crypto.PublicKeyFromHex(cc.CreditAuthority)
			if err != nil {
				return err
			}
			credits = client.NewCredits(n.identity.PublicKey(), authority, client.CostModel{})
		}
		n.client = client.New(n.logBackend.GetLogger("client"), client.Config{
			HopMode:        mode,
			Tier:           tier,
			Pool:           pool,
			Gateways:       cc.Gateways,
			RequestTimeout: config.Duration(cc.RequestTimeout),
		}, n.identity, n.enc, n.graph, n.manager, n.manager, credits)
		n.client.Start()
	}

	if cfg.HasRole(config.RoleAggregator) {
		ac := cfg.Aggregator
		p, err := prover.New(ac.Prover)
		if err != nil {
			return err
		}
		if n.aggStore, err = aggregator.OpenStore(ac.DatabaseFile); err != nil {
			return err
		}
		n.aggregator, err = aggregator.New(n.logBackend.GetLogger("aggregator"), aggregator.Config{
			MaxPendingPerChain: ac.MaxPendingPerChain,
			MaxPendingTotal:    ac.MaxPendingTotal,
			DistributeInterval: config.Duration(ac.DistributeInterval),
		}, p, n.settle, n.aggStore)
		if err != nil {
			return err
		}
		n.aggregator.Start(n.router)
	}
	return nil
}

func (n *Node) roleTag() string {
	return strings.Join(n.cfg.Node.Roles, "+")
}

// PeerID returns the node's peer id.
func (n *Node) PeerID() string {
	return n.peerID
}

// Identity returns the node's signing key.
func (n *Node) Identity() *crypto.SigningKeypair {
	return n.identity
}

// Addresses returns the bound listener addresses.
func (n *Node) Addresses() []net.Addr {
	return n.addresses
}

// LogBackend returns the logging backend.
func (n *Node) LogBackend() *log.Backend {
	return n.logBackend
}

// Graph returns the relay topology.
func (n *Node) Graph() *topology.Graph {
	return n.graph
}

// Exits returns the online exits, least loaded first.
func (n *Node) Exits() []*topology.Exit {
	return n.exits.List()
}

// Settlement returns the settlement backend.
func (n *Node) Settlement() settlement.Client {
	return n.settle
}

// Relay returns the relay handler, nil unless the relay role is enabled.
func (n *Node) Relay() *relay.Relay {
	return n.relay
}

// Exit returns the exit handler, nil unless the exit role is enabled.
func (n *Node) Exit() *exit.Exit {
	return n.exit
}

// Client returns the client, nil unless the client role is enabled.
func (n *Node) Client() *client.Client {
	return n.client
}

// Aggregator returns the aggregator, nil unless the role is enabled.
func (n *Node) Aggregator() *aggregator.Aggregator {
	return n.aggregator
}

// Connect dials one peer URL and waits for the handshake.
func (n *Node) Connect(ctx context.Context, addr string) (string, error) {
	s, err := n.manager.Dial(ctx, addr)
	if err != nil {
		return "", err
	}
	return s.Peer().ID, nil
}

// Subscribe buys a subscription for our identity and announces it to
// relays. The client, if any, switches to the new pool.
func (n *Node) Subscribe(ctx context.Context, tier hopmode.Tier, amount uint64) (*settlement.Subscription, error) {
	s, err := n.settle.Subscribe(ctx, n.identity.PublicKey(), tier, amount)
	if err != nil {
		return nil, err
	}
	a := s.Announcement()
	if n.subs != nil {
		n.subs.Apply(a)
	}
	if n.aggregator != nil {
		n.aggregator.HandleSubscription(a)
	}
	n.publish(gossip.TopicSubscriptions, a)
	if n.client != nil {
		t := s.Tier
		n.client.SetSubscription(&t, s.PoolPubkey)
	}
	return s, nil
}

// HTTP performs req through the least loaded exit.
func (n *Node) HTTP(ctx context.Context, req *payload.HTTPRequest) (*payload.HTTPResponse, error) {
	if n.client == nil {
		return nil, ErrRoleDisabled
	}
	e, err := n.exits.Pick()
	if err != nil {
		return nil, err
	}
	return n.client.HTTP(ctx, e, req)
}

// OpenTunnel opens a TCP tunnel to host:port through the least loaded
// exit.
func (n *Node) OpenTunnel(host string, port uint16, cfg client.TunnelConfig) (*client.Tunnel, error) {
	if n.client == nil {
		return nil, ErrRoleDisabled
	}
	e, err := n.exits.Pick()
	if err != nil {
		return nil, err
	}
	return n.client.OpenTunnel(e, host, port, cfg), nil
}

// ClaimRewards claims our share of a pool's posted distribution, using
// the local aggregator's view to build the inclusion proof.
func (n *Node) ClaimRewards(ctx context.Context, pool crypto.PublicKey, epoch uint64) (uint64, error) {
	if n.aggregator == nil {
		return 0, ErrRoleDisabled
	}
	cl, err := n.aggregator.Claim(pool, epoch, n.identity.PublicKey())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoDistribution, err)
	}
	return n.settle.ClaimRewards(ctx, cl)
}

// Withdraw moves our accrued rewards out of the settlement program.
func (n *Node) Withdraw(ctx context.Context) (uint64, error) {
	return n.settle.Withdraw(ctx, n.identity.PublicKey())
}

// RotateLog reopens the log file.
func (n *Node) RotateLog() {
	if err := n.logBackend.Rotate(); err != nil {
		n.log.Errorf("Failed to rotate log file: %v", err)
	}
}

// Shutdown cleanly shuts down the node.
func (n *Node) Shutdown() {
	n.haltOnce.Do(func() { n.halt() })
}

// Wait waits till the node is terminated for any reason.
func (n *Node) Wait() {
	<-n.haltedCh
}

func (n *Node) halt() {
	n.log.Noticef("Starting graceful shutdown.")

	if n.router != nil {
		n.announce(gossip.StatusOffline)
	}
	n.Worker.Halt()

	if n.client != nil {
		n.client.Halt()
	}
	if n.relay != nil {
		n.relay.Halt()
		n.relay.Batcher().Halt()
	}
	if n.exit != nil {
		n.exit.Halt()
	}
	if n.aggregator != nil {
		n.aggregator.Halt()
	}
	if n.manager != nil {
		n.manager.Halt()
	}
	if n.aggStore != nil {
		n.aggStore.Close()
	}
	if n.mockSettle != nil {
		n.mockSettle.Close()
	}
	if n.registry != nil {
		if err := n.registry.Close(); err != nil {
			n.log.Warningf("Failed to close registry: %v", err)
		}
	}
	if n.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		n.metrics.Shutdown(ctx)
		cancel()
	}

	n.log.Noticef("Shutdown complete.")
	close(n.haltedCh)
}
