// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the TunnelCraft node configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/transport"
	"github.com/tunnelcraft/tunnelcraft/settlement"
)

const (
	defaultLogLevel             = "NOTICE"
	defaultListenAddress        = "tcp://0.0.0.0:9000"
	defaultGateways             = 3
	defaultRequestTimeout       = 30 * 1000 // 30 sec.
	defaultDestinationCacheSize = 10000
	defaultDestinationCacheTTL  = 5 * 60 * 1000 // 5 min.
	defaultInflightPerSender    = 512
	defaultSenderRate           = 1024.0
	defaultProofBatchSize       = 1000
	defaultProofInterval        = 5 * 60 * 1000 // 5 min.
	defaultExitTimeout          = 30 * 1000     // 30 sec.
	defaultMaxResponseSize      = 10 << 20
	defaultMaxTunnelsPerUser    = 50
	defaultMaxPendingPerUser    = 100
	defaultMaxPendingAssemblies = 10000
	defaultAssemblyTTL          = 60 * 1000 // 60 sec.
	defaultMaxPendingPerChain   = 16
	defaultMaxPendingTotal      = 4096
	defaultDistributeInterval   = 60 * 1000 // 60 sec.
	defaultAggregatorDB         = "aggregator.db"
	defaultIdentityFile         = "identity.key"

	// RoleRelay forwards onion shards.
	RoleRelay = "relay"

	// RoleExit reassembles requests and talks to the internet.
	RoleExit = "exit"

	// RoleClient issues requests.
	RoleClient = "client"

	// RoleAggregator follows proof chains and posts distributions.
	RoleAggregator = "aggregator"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Node is the per process configuration.
type Node struct {
	// Identifier is the human readable identifier for the node (eg: FQDN).
	Identifier string

	// DataDir is the absolute path to the node's state files.
	DataDir string

	// Roles is the set of roles the node runs.
	Roles []string

	// ListenAddresses are the tcp:// or quic:// URLs to accept peers on.
	ListenAddresses []string

	// BootstrapPeers are [peer_id@]url entries dialed at startup.
	BootstrapPeers []string

	// RegistryAddress is an optional Redis address for the shared
	// directory; empty keeps the registry in process.
	RegistryAddress string
}

// BootstrapPeer is a parsed BootstrapPeers entry.
type BootstrapPeer struct {
	PeerID string
	URL    string
}

// ParseBootstrapPeer splits a [peer_id@]url entry.
func ParseBootstrapPeer(s string) (*BootstrapPeer, error) {
	id, addr, err := transport.ParseBootstrapPeer(s)
	if err != nil {
		return nil, fmt.Errorf("config: BootstrapPeer '%v' is invalid: %v", s, err)
	}
	if id != "" {
		if _, err := crypto.PublicKeyFromHex(id); err != nil {
			return nil, fmt.Errorf("config: BootstrapPeer '%v' has an invalid peer id: %v", s, err)
		}
	}
	if err := validateAddress(addr); err != nil {
		return nil, err
	}
	return &BootstrapPeer{PeerID: id, URL: addr}, nil
}

func validateAddress(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("config: Address '%v' is invalid: %v", v, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6", "quic":
	default:
		return fmt.Errorf("config: Address '%v' is invalid: unsupported scheme", v)
	}
	if u.Port() == "" {
		return fmt.Errorf("config: Address '%v' is invalid: Must contain Port", v)
	}
	return nil
}

func (nCfg *Node) validate() error {
	if nCfg.Identifier == "" {
		return errors.New("config: Node: Identifier is not set")
	}
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	if len(nCfg.Roles) == 0 {
		return errors.New("config: Node: Roles is empty")
	}
	seen := make(map[string]bool)
	for i, r := range nCfg.Roles {
		r = strings.ToLower(r)
		switch r {
		case RoleRelay, RoleExit, RoleClient, RoleAggregator:
		default:
			return fmt.Errorf("config: Node: Role '%v' is invalid", nCfg.Roles[i])
		}
		if seen[r] {
			return fmt.Errorf("config: Node: Role '%v' is duplicated", r)
		}
		seen[r] = true
		nCfg.Roles[i] = r
	}
	if len(nCfg.ListenAddresses) == 0 {
		nCfg.ListenAddresses = []string{defaultListenAddress}
	}
	for _, v := range nCfg.ListenAddresses {
		if err := validateAddress(v); err != nil {
			return err
		}
	}
	for _, v := range nCfg.BootstrapPeers {
		if _, err := ParseBootstrapPeer(v); err != nil {
			return err
		}
	}

	var err error
	nCfg.Identifier, err = idna.Lookup.ToASCII(nCfg.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}
	return nil
}

// Client is the client role configuration.
type Client struct {
	// HopMode is the requested circuit length (direct, single, double,
	// triple, quad), clamped by the subscription tier.
	HopMode string

	// Tier is the subscription tier, empty for the free tier.
	Tier string

	// Pool is the hex subscription pool key, empty for the free tier.
	Pool string

	// Gateways is the number of gateways in a lease set.
	Gateways int

	// RequestTimeout is the request round trip bound in milliseconds.
	RequestTimeout int

	// CreditAuthority is the hex key signing credit proofs. When set,
	// pooled requests are metered against the proven balance.
	CreditAuthority string
}

func (cCfg *Client) validate() error {
	if cCfg.HopMode == "" {
		cCfg.HopMode = hopmode.Direct.String()
	}
	if _, err := hopmode.Parse(cCfg.HopMode); err != nil {
		return fmt.Errorf("config: Client: %v", err)
	}
	if (cCfg.Tier == "") != (cCfg.Pool == "") {
		return errors.New("config: Client: Tier and Pool must be set together")
	}
	if cCfg.Tier != "" {
		if _, err := hopmode.ParseTier(cCfg.Tier); err != nil {
			return fmt.Errorf("config: Client: %v", err)
		}
		if _, err := crypto.PublicKeyFromHex(cCfg.Pool); err != nil {
			return fmt.Errorf("config: Client: Pool is invalid: %v", err)
		}
	}
	if cCfg.CreditAuthority != "" {
		if _, err := crypto.PublicKeyFromHex(cCfg.CreditAuthority); err != nil {
			return fmt.Errorf("config: Client: CreditAuthority is invalid: %v", err)
		}
	}
	if cCfg.Gateways <= 0 {
		cCfg.Gateways = defaultGateways
	}
	if cCfg.RequestTimeout <= 0 {
		cCfg.RequestTimeout = defaultRequestTimeout
	}
	return nil
}

// Subscription returns the parsed mode, tier and pool. A nil tier is the
// free tier.
func (cCfg *Client) Subscription() (hopmode.HopMode, *hopmode.Tier, crypto.PublicKey) {
	m, _ := hopmode.Parse(cCfg.HopMode)
	if cCfg.Tier == "" {
		return m, nil, crypto.PublicKey{}
	}
	t, _ := hopmode.ParseTier(cCfg.Tier)
	pool, _ := crypto.PublicKeyFromHex(cCfg.Pool)
	return m, &t, pool
}

// Relay is the relay role configuration.
type Relay struct {
	// DestinationCacheSize bounds the replay/destination cache.
	DestinationCacheSize int

	// DestinationCacheTTL is the cache entry lifetime in milliseconds.
	DestinationCacheTTL int

	// InflightPerSender is the per sender token bucket burst.
	InflightPerSender int

	// SenderRatePerSecond is the per sender token refill rate.
	SenderRatePerSecond float64

	// ProofBatchSize is the receipt count that seals a proof batch.
	ProofBatchSize int

	// ProofInterval is the proof flush interval in milliseconds.
	ProofInterval int

	// Prover selects the proof backend (mock or merkle).
	Prover string
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.DestinationCacheSize <= 0 {
		rCfg.DestinationCacheSize = defaultDestinationCacheSize
	}
	if rCfg.DestinationCacheTTL <= 0 {
		rCfg.DestinationCacheTTL = defaultDestinationCacheTTL
	}
	if rCfg.InflightPerSender <= 0 {
		rCfg.InflightPerSender = defaultInflightPerSender
	}
	if rCfg.SenderRatePerSecond <= 0 {
		rCfg.SenderRatePerSecond = defaultSenderRate
	}
	if rCfg.ProofBatchSize <= 0 {
		rCfg.ProofBatchSize = defaultProofBatchSize
	}
	if rCfg.ProofInterval <= 0 {
		rCfg.ProofInterval = defaultProofInterval
	}
	if rCfg.Prover == "" {
		rCfg.Prover = "mock"
	}
}

func (rCfg *Relay) validate() error {
	return validateProver("Relay", rCfg.Prover)
}

func validateProver(section, p string) error {
	switch strings.ToLower(p) {
	case "mock", "merkle":
	default:
		return fmt.Errorf("config: %v: Prover '%v' is invalid", section, p)
	}
	return nil
}

// Exit is the exit role configuration.
type Exit struct {
	// Timeout is the upstream HTTP timeout in milliseconds.
	Timeout int

	// MaxResponseSize bounds an upstream HTTP response body.
	MaxResponseSize int64

	// BlockedDomains are refused along with their subdomains.
	BlockedDomains []string

	// AllowPrivateIPs permits loopback and private destinations.
	AllowPrivateIPs bool

	// MaxTunnelsPerUser bounds the open tunnel sessions per pool.
	MaxTunnelsPerUser int

	// MaxPendingPerUser bounds the pending assemblies per pool.
	MaxPendingPerUser int

	// MaxPendingAssemblies bounds the pending assemblies overall.
	MaxPendingAssemblies int

	// AssemblyTTL is the pending assembly lifetime in milliseconds.
	AssemblyTTL int
}

func (eCfg *Exit) applyDefaults() {
	if eCfg.Timeout <= 0 {
		eCfg.Timeout = defaultExitTimeout
	}
	if eCfg.MaxResponseSize <= 0 {
		eCfg.MaxResponseSize = defaultMaxResponseSize
	}
	if eCfg.MaxTunnelsPerUser <= 0 {
		eCfg.MaxTunnelsPerUser = defaultMaxTunnelsPerUser
	}
	if eCfg.MaxPendingPerUser <= 0 {
		eCfg.MaxPendingPerUser = defaultMaxPendingPerUser
	}
	if eCfg.MaxPendingAssemblies <= 0 {
		eCfg.MaxPendingAssemblies = defaultMaxPendingAssemblies
	}
	if eCfg.AssemblyTTL <= 0 {
		eCfg.AssemblyTTL = defaultAssemblyTTL
	}
}

func (eCfg *Exit) validate() error {
	for i, d := range eCfg.BlockedDomains {
		a, err := idna.Lookup.ToASCII(strings.TrimSuffix(d, "."))
		if err != nil {
			return fmt.Errorf("config: Exit: BlockedDomain '%v' is invalid: %v", d, err)
		}
		eCfg.BlockedDomains[i] = a
	}
	return nil
}

// Aggregator is the aggregator role configuration.
type Aggregator struct {
	// MaxPendingPerChain bounds the parked proofs per relay chain.
	MaxPendingPerChain int

	// MaxPendingTotal bounds the parked proofs overall.
	MaxPendingTotal int

	// DistributeInterval is how often closed pools are checked, in
	// milliseconds.
	DistributeInterval int

	// DatabaseFile is the proof history database, relative to DataDir.
	DatabaseFile string

	// Prover selects the proof verifier, matching the relays' backend.
	Prover string
}

func (aCfg *Aggregator) applyDefaults(dataDir string) {
	if aCfg.MaxPendingPerChain <= 0 {
		aCfg.MaxPendingPerChain = defaultMaxPendingPerChain
	}
	if aCfg.MaxPendingTotal <= 0 {
		aCfg.MaxPendingTotal = defaultMaxPendingTotal
	}
	if aCfg.DistributeInterval <= 0 {
		aCfg.DistributeInterval = defaultDistributeInterval
	}
	if aCfg.DatabaseFile == "" {
		aCfg.DatabaseFile = defaultAggregatorDB
	}
	if aCfg.Prover == "" {
		aCfg.Prover = "mock"
	}
	if !filepath.IsAbs(aCfg.DatabaseFile) {
		aCfg.DatabaseFile = filepath.Join(dataDir, aCfg.DatabaseFile)
	}
}

// Settlement is the settlement backend configuration.
type Settlement struct {
	// Mode is mock or live.
	Mode string

	// RPCURL is the JSON-RPC endpoint for live mode.
	RPCURL string

	// ProgramID is the hex pool program address for live mode.
	ProgramID string

	// Commitment is processed, confirmed or finalized.
	Commitment string

	// SnapshotFile optionally persists mock state, relative to DataDir.
	SnapshotFile string
}

func (sCfg *Settlement) validate(dataDir string) error {
	if sCfg.Mode == "" {
		sCfg.Mode = string(settlement.ModeMock)
	}
	mode, err := settlement.ParseMode(sCfg.Mode)
	if err != nil {
		return fmt.Errorf("config: Settlement: %v", err)
	}
	sCfg.Mode = string(mode)
	c, err := settlement.ParseCommitment(sCfg.Commitment)
	if err != nil {
		return fmt.Errorf("config: Settlement: %v", err)
	}
	sCfg.Commitment = string(c)

	if mode == settlement.ModeLive {
		u, err := url.Parse(sCfg.RPCURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: Settlement: RPCURL '%v' is invalid", sCfg.RPCURL)
		}
		if _, err = crypto.PublicKeyFromHex(sCfg.ProgramID); err != nil {
			return fmt.Errorf("config: Settlement: ProgramID is invalid: %v", err)
		}
	}
	if sCfg.SnapshotFile != "" && !filepath.IsAbs(sCfg.SnapshotFile) {
		sCfg.SnapshotFile = filepath.Join(dataDir, sCfg.SnapshotFile)
	}
	return nil
}

// Metrics is the prometheus endpoint configuration.
type Metrics struct {
	// Address is the address/port to bind the metrics endpoint to.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		return nil
	}
	if _, err := netip.ParseAddrPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// Profiling is the continuous profiling configuration.
type Profiling struct {
	// ServerAddress is the pyroscope server URL, empty to disable.
	ServerAddress string
}

// Config is the top level TunnelCraft node configuration.
type Config struct {
	Logging    *Logging
	Node       *Node
	Client     *Client
	Relay      *Relay
	Exit       *Exit
	Aggregator *Aggregator
	Settlement *Settlement
	Metrics    *Metrics
	Profiling  *Profiling
}

// HasRole returns true iff the node runs role.
func (cfg *Config) HasRole(role string) bool {
	for _, r := range cfg.Node.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IdentityFile returns the path of the identity seed.
func (cfg *Config) IdentityFile() string {
	return filepath.Join(cfg.Node.DataDir, defaultIdentityFile)
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}

	if cfg.HasRole(RoleClient) {
		if cfg.Client == nil {
			cfg.Client = &Client{}
		}
		if err := cfg.Client.validate(); err != nil {
			return err
		}
	} else if cfg.Client != nil {
		return errors.New("config: Client block set when not a client")
	}

	if cfg.HasRole(RoleRelay) {
		if cfg.Relay == nil {
			cfg.Relay = &Relay{}
		}
		cfg.Relay.applyDefaults()
		if err := cfg.Relay.validate(); err != nil {
			return err
		}
	} else if cfg.Relay != nil {
		return errors.New("config: Relay block set when not a relay")
	}

	if cfg.HasRole(RoleExit) {
		if cfg.Exit == nil {
			cfg.Exit = &Exit{}
		}
		cfg.Exit.applyDefaults()
		if err := cfg.Exit.validate(); err != nil {
			return err
		}
	} else if cfg.Exit != nil {
		return errors.New("config: Exit block set when not an exit")
	}

	if cfg.HasRole(RoleAggregator) {
		if cfg.Aggregator == nil {
			cfg.Aggregator = &Aggregator{}
		}
		cfg.Aggregator.applyDefaults(cfg.Node.DataDir)
		if err := validateProver("Aggregator", cfg.Aggregator.Prover); err != nil {
			return err
		}
	} else if cfg.Aggregator != nil {
		return errors.New("config: Aggregator block set when not an aggregator")
	}

	if cfg.Settlement == nil {
		cfg.Settlement = &Settlement{}
	}
	if err := cfg.Settlement.validate(cfg.Node.DataDir); err != nil {
		return err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if err := cfg.Metrics.validate(); err != nil {
		return err
	}
	if cfg.Profiling == nil {
		cfg.Profiling = &Profiling{}
	}
	return nil
}

// Duration converts a millisecond config value.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
