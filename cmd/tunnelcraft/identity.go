// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunnelcraft/tunnelcraft/core/transport"
	"github.com/tunnelcraft/tunnelcraft/core/utils"
	"github.com/tunnelcraft/tunnelcraft/node"
)

func newIdentityCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the node's peer id and keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			if err = utils.MkDataDir(cfg.Node.DataDir); err != nil {
				return err
			}
			k, created, err := node.LoadOrCreateIdentity(cfg.IdentityFile())
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "Generated a new identity in %v\n", cfg.IdentityFile())
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "peer_id:           %v\n", transport.PeerID(k.PublicKey()))
			fmt.Fprintf(w, "encryption_pubkey: %v\n", k.DeriveEncryptionKeypair().PublicKey())
			for _, a := range cfg.Node.ListenAddresses {
				fmt.Fprintf(w, "bootstrap:         %v@%v\n", transport.PeerID(k.PublicKey()), a)
			}
			return nil
		},
	}
}
