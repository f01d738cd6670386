// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"context"

	"github.com/tunnelcraft/tunnelcraft/core/transport"
	"github.com/tunnelcraft/tunnelcraft/core/wire"
	"github.com/tunnelcraft/tunnelcraft/internal/instrument"
)

// OnShard implements transport.Handler. Shards that still carry an onion
// header belong to the relay. Terminal shards are offered to the client
// first, which only accepts responses it is waiting for, then to the exit.
func (n *Node) OnShard(ctx context.Context, from *transport.Peer, s *wire.Shard) *wire.Frame {
	if !s.IsDirect() && s.HopsRemaining > 0 {
		if n.relay == nil {
			return n.drop(wire.ReasonBadRouting)
		}
		return n.relay.OnShard(ctx, from, s)
	}
	if s.HopsRemaining != 0 {
		return n.drop(wire.ReasonBadRouting)
	}

	if n.client != nil {
		f := n.client.OnShard(ctx, from, s)
		if f.Type == wire.FrameAck || n.exit == nil {
			return f
		}
	}
	if n.exit != nil {
		return n.exit.OnShard(ctx, from, s)
	}
	return n.drop(wire.ReasonBadRouting)
}

// OnLease implements transport.Handler. Only relays act as gateways.
func (n *Node) OnLease(from *transport.Peer, l *wire.LeaseRequest) *wire.Frame {
	if n.relay == nil {
		return wire.NewNack(0, wire.ReasonPolicy)
	}
	return n.relay.OnLease(from, l)
}

// OnGossip implements transport.Handler.
func (n *Node) OnGossip(from *transport.Peer, b []byte) {
	e, err := transport.DecodeGossip(b)
	if err != nil {
		n.log.Debugf("Malformed gossip from %v: %v", from.ID, err)
		return
	}
	n.router.HandleIncoming(from.ID, e)
}

func (n *Node) drop(reason string) *wire.Frame {
	instrument.ShardDropped(reason)
	return wire.NewNack(0, reason)
}
