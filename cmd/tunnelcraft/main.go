// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"github.com/spf13/cobra"

	"github.com/tunnelcraft/tunnelcraft/common"
)

const defaultConfigFile = "tunnelcraft.toml"

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "tunnelcraft",
		Short: "TunnelCraft onion routed VPN node",
		Long: `TunnelCraft is a decentralized onion routed VPN. A node runs any mix of
the relay, exit, client and aggregator roles described by its configuration
file.

Requests are encrypted for the exit, erasure coded into shards and sent over
disjoint relay paths. Relays sign forward receipts for the traffic they carry
and aggregators turn those receipts into per epoch reward distributions.`,
		Example: `  # Run a node
  tunnelcraft run -f /etc/tunnelcraft/node.toml

  # Print the node's peer id, creating its identity if needed
  tunnelcraft identity -f /etc/tunnelcraft/node.toml

  # Fetch a URL through the network
  tunnelcraft fetch -f client.toml https://example.com/`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", defaultConfigFile,
		"path to the node configuration file (TOML format)")

	cmd.AddCommand(
		newRunCommand(&configFile),
		newIdentityCommand(&configFile),
		newFetchCommand(&configFile),
	)
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
