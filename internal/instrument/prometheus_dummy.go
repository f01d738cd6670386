// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build noprometheus
// +build noprometheus

package instrument

import (
	"errors"
	"net/http"

	"gopkg.in/op/go-logging.v1"
)

// Start does nothing
func Start(log *logging.Logger, addr string) (*http.Server, error) {
	return nil, errors.New("instrument: built without prometheus")
}

// ShardForwarded increments the forwarded shard counter
func ShardForwarded() {}

// ShardDropped increments the dropped shard counter for reason
func ShardDropped(reason string) {}

// ReceiptSigned increments the signed receipt counter
func ReceiptSigned() {}

// AssemblyCompleted increments the completed assembly counter
func AssemblyCompleted() {}

// AssembliesEvicted adds n to the evicted assembly counter
func AssembliesEvicted(n int) {}

// TunnelsOpen sets the open tunnel gauge
func TunnelsOpen(n int) {}

// Proof increments the proof counter for outcome
func Proof(outcome string) {}
