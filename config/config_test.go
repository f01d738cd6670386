// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
)

const testKey = "3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29"

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	const basicConfig = `# A basic configuration example.
[Node]
Identifier = "relay.example.com"
DataDir = "/var/lib/tunnelcraft"
Roles = [ "Relay", "exit" ]
`

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	require.Equal([]string{RoleRelay, RoleExit}, cfg.Node.Roles)
	require.Equal([]string{defaultListenAddress}, cfg.Node.ListenAddresses)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.True(cfg.HasRole(RoleRelay))
	require.False(cfg.HasRole(RoleClient))
	require.Nil(cfg.Client)
	require.Nil(cfg.Aggregator)
	require.Equal(defaultProofBatchSize, cfg.Relay.ProofBatchSize)
	require.Equal("mock", cfg.Relay.Prover)
	require.Equal(defaultAssemblyTTL, cfg.Exit.AssemblyTTL)
	require.Equal("mock", cfg.Settlement.Mode)
	require.Equal("confirmed", cfg.Settlement.Commitment)
	require.Equal("/var/lib/tunnelcraft/identity.key", cfg.IdentityFile())
}

func TestConfigFull(t *testing.T) {
	require := require.New(t)

	fullConfig := `
[Logging]
Level = "debug"

[Node]
Identifier = "bücher.example"
DataDir = "/var/lib/tunnelcraft"
Roles = [ "client", "aggregator" ]
ListenAddresses = [ "tcp://127.0.0.1:9000", "quic://[::1]:9001" ]
BootstrapPeers = [ "` + testKey + `@tcp://192.0.2.1:9000" ]
RegistryAddress = "127.0.0.1:6379"

[Client]
HopMode = "triple"
Tier = "premium"
Pool = "` + testKey + `"
RequestTimeout = 5000

[Aggregator]
DatabaseFile = "agg.db"

[Settlement]
Mode = "live"
RPCURL = "https://rpc.example.com"
ProgramID = "` + testKey + `"
Commitment = "finalized"
SnapshotFile = "mock.db"

[Metrics]
Address = "127.0.0.1:6543"
`
	cfg, err := Load([]byte(fullConfig))
	require.NoError(err)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("xn--bcher-kva.example", cfg.Node.Identifier)
	require.Equal(defaultGateways, cfg.Client.Gateways)
	require.Equal(int64(5000), Duration(cfg.Client.RequestTimeout).Milliseconds())
	require.Equal("/var/lib/tunnelcraft/agg.db", cfg.Aggregator.DatabaseFile)
	require.Equal("/var/lib/tunnelcraft/mock.db", cfg.Settlement.SnapshotFile)
	require.Equal(defaultMaxPendingPerChain, cfg.Aggregator.MaxPendingPerChain)

	m, tier, pool := cfg.Client.Subscription()
	require.Equal(hopmode.Triple, m)
	require.NotNil(tier)
	require.Equal(hopmode.Premium, *tier)
	require.Equal(testKey, pool.String())

	bp, err := ParseBootstrapPeer(cfg.Node.BootstrapPeers[0])
	require.NoError(err)
	require.Equal(testKey, bp.PeerID)
	require.Equal("tcp://192.0.2.1:9000", bp.URL)
}

func TestConfigFreeClient(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
[Node]
Identifier = "client.example"
DataDir = "/tmp/tc"
Roles = [ "client" ]
`))
	require.NoError(err)
	m, tier, pool := cfg.Client.Subscription()
	require.Equal(hopmode.Direct, m)
	require.Nil(tier)
	require.True(pool.IsZero())
}

func TestConfigInvalid(t *testing.T) {
	require := require.New(t)

	const node = `
[Node]
Identifier = "node.example"
DataDir = "/var/lib/tunnelcraft"
`
	relative := strings.Replace(node, "/var/lib/tunnelcraft", "tunnelcraft", 1)
	for name, body := range map[string]string{
		"missing node":     `[Logging]` + "\n" + `Level = "DEBUG"`,
		"bad level":        node + `Roles = ["relay"]` + "\n[Logging]\nLevel = \"LOUD\"",
		"relative datadir": relative + `Roles = ["relay"]`,
		"no roles":         node,
		"bad role":         node + `Roles = ["miner"]`,
		"duplicate role":   node + `Roles = ["relay", "RELAY"]`,
		"bad scheme":       node + `Roles = ["relay"]` + "\n" + `ListenAddresses = ["udp://0.0.0.0:9000"]`,
		"no port":          node + `Roles = ["relay"]` + "\n" + `ListenAddresses = ["tcp://0.0.0.0"]`,
		"bad bootstrap":    node + `Roles = ["relay"]` + "\n" + `BootstrapPeers = ["192.0.2.1:9000"]`,
		"bad peer id":      node + `Roles = ["relay"]` + "\n" + `BootstrapPeers = ["abcd@tcp://192.0.2.1:9000"]`,
		"stray block":      node + `Roles = ["relay"]` + "\n[Exit]\nTimeout = 5",
		"bad hop mode":     node + `Roles = ["client"]` + "\n[Client]\nHopMode = \"sextuple\"",
		"tier no pool":     node + `Roles = ["client"]` + "\n[Client]\nTier = \"basic\"",
		"bad prover":       node + `Roles = ["relay"]` + "\n[Relay]\nProver = \"snark\"",
		"bad mode":         node + `Roles = ["relay"]` + "\n[Settlement]\nMode = \"testnet\"",
		"live no rpc":      node + `Roles = ["relay"]` + "\n[Settlement]\nMode = \"live\"",
		"bad commitment":   node + `Roles = ["relay"]` + "\n[Settlement]\nCommitment = \"eventual\"",
		"bad metrics":      node + `Roles = ["relay"]` + "\n[Metrics]\nAddress = \"localhost\"",
		"undecoded":        node + `Roles = ["relay"]` + "\nBogus = 1",
	} {
		_, err := Load([]byte(body))
		require.Error(err, name)
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "tunnelcraft.toml")
	_, err := LoadFile(f)
	require.Error(err)

	err = os.WriteFile(f, []byte(`
[Node]
Identifier = "exit.example"
DataDir = "/var/lib/tunnelcraft"
Roles = [ "exit" ]

[Exit]
BlockedDomains = [ "Example.COM." ]
AllowPrivateIPs = true
`), 0600)
	require.NoError(err)
	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal([]string{"example.com"}, cfg.Exit.BlockedDomains)
	require.True(cfg.Exit.AllowPrivateIPs)
}
