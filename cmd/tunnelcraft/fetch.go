// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunnelcraft/tunnelcraft/config"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/node"
)

const discoveryPoll = 250 * time.Millisecond

func newFetchCommand(configFile *string) *cobra.Command {
	var (
		method    string
		headers   []string
		body      string
		wait      time.Duration
		subscribe string
		amount    uint64
	)
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Perform one HTTP request through the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			if !cfg.HasRole(config.RoleClient) {
				return errors.New("config file must enable the client role")
			}
			req := &payload.HTTPRequest{Method: strings.ToUpper(method), URL: args[0], Body: []byte(body)}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid argument: header '%v' is not 'Key: Value'", h)
				}
				req.Headers = append(req.Headers, payload.Header{Name: strings.TrimSpace(k), Value: strings.TrimSpace(v)})
			}

			n, err := node.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to spawn node: %v", err)
			}
			defer n.Shutdown()

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if subscribe != "" {
				tier, err := hopmode.ParseTier(subscribe)
				if err != nil {
					return fmt.Errorf("invalid argument: %v", err)
				}
				if _, err = n.Subscribe(ctx, tier, amount); err != nil {
					return err
				}
			}
			if err = waitForExit(ctx, n); err != nil {
				return err
			}

			resp, err := n.HTTP(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "HTTP %d\n", resp.Status)
			_, err = cmd.OutOrStdout().Write(resp.Body)
			return err
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header 'Key: Value', repeatable")
	cmd.Flags().StringVarP(&body, "data", "d", "", "request body")
	cmd.Flags().DurationVar(&wait, "timeout", time.Minute, "overall deadline including exit discovery")
	cmd.Flags().StringVar(&subscribe, "subscribe", "", "subscribe at this tier before the request")
	cmd.Flags().Uint64Var(&amount, "amount", 1000000, "subscription payment")
	return cmd
}

func waitForExit(ctx context.Context, n *node.Node) error {
	t := time.NewTicker(discoveryPoll)
	defer t.Stop()
	for len(n.Exits()) == 0 {
		select {
		case <-ctx.Done():
			return node.ErrNoExit
		case <-t.C:
		}
	}
	return nil
}
