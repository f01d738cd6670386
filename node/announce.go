// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/registry"
	"github.com/tunnelcraft/tunnelcraft/core/topology"
	"github.com/tunnelcraft/tunnelcraft/internal/instrument"
)

const (
	subscriberDepth  = 256
	pruneInterval    = time.Minute
	advertiseTimeout = 10 * time.Second
)

// kick schedules an announcement ahead of the next heartbeat.
func (n *Node) kick() {
	select {
	case n.kickCh <- struct{}{}:
	default:
	}
}

// startGossip follows the directory topics until Halt.
func (n *Node) startGossip() {
	topo := n.router.Subscribe(gossip.TopicTopology, subscriberDepth)
	exits := n.router.Subscribe(gossip.TopicExitStatus, subscriberDepth)
	relays := n.router.Subscribe(gossip.TopicRelayStatus, subscriberDepth)
	subs := n.router.Subscribe(gossip.TopicSubscriptions, subscriberDepth)

	n.Go(func() {
		t := time.NewTicker(pruneInterval)
		defer t.Stop()
		for {
			select {
			case <-n.HaltCh():
				return
			case e := <-topo:
				m := new(topology.Message)
				if err := e.Decode(m); err != nil {
					n.log.Debugf("Malformed topology message: %v", err)
					continue
				}
				if err := n.graph.Apply(m); err != nil {
					n.log.Debugf("Rejected topology message: %v", err)
				}
			case e := <-exits:
				s := new(gossip.ExitStatus)
				if err := e.Decode(s); err != nil {
					n.log.Debugf("Malformed exit status: %v", err)
					continue
				}
				if !n.exits.Observe(s) {
					n.log.Debugf("Rejected exit status for %v", s.PeerID)
				}
			case e := <-relays:
				s := new(gossip.RelayStatus)
				if err := e.Decode(s); err != nil {
					n.log.Debugf("Malformed relay status: %v", err)
					continue
				}
				if !n.observeRelay(s) {
					n.log.Debugf("Rejected relay status for %v", s.PeerID)
				}
			case e := <-subs:
				a := new(gossip.SubscriptionAnnouncement)
				if err := e.Decode(a); err != nil {
					n.log.Debugf("Malformed subscription: %v", err)
					continue
				}
				if n.subs != nil {
					n.subs.Apply(a)
				}
			case <-t.C:
				n.prune()
			}
		}
	})
}

// observeRelay applies a signed relay heartbeat or departure. A departure
// older than the relay's current topology entry is ignored.
func (n *Node) observeRelay(s *gossip.RelayStatus) bool {
	if !s.Verify() {
		return false
	}
	if s.Kind == gossip.StatusOffline {
		if r, ok := n.graph.Get(s.PeerID); ok && r.Timestamp > s.Timestamp {
			return false
		}
		n.graph.Remove(s.PeerID)
	}
	n.relayLiveness.Observe(s.PeerID, s.Kind)
	return true
}

func (n *Node) prune() {
	if c := n.graph.Prune(); c > 0 {
		n.log.Debugf("Pruned %d stale relays", c)
	}
	for _, id := range n.relayLiveness.Prune() {
		n.graph.Remove(id)
	}
	if c := n.exits.Prune(); c > 0 {
		n.log.Debugf("Pruned %d silent exits", c)
	}
	if n.subs != nil {
		n.subs.Prune()
	}
	if m, ok := n.registry.(*registry.MemoryStore); ok {
		m.Prune()
	}
}

// startAnnouncer publishes our heartbeats, topology and registry records
// every HeartbeatInterval and whenever the connection table changes.
func (n *Node) startAnnouncer() {
	n.Go(func() {
		t := time.NewTicker(gossip.HeartbeatInterval)
		defer t.Stop()
		n.announce(gossip.StatusHeartbeat)
		for {
			select {
			case <-n.HaltCh():
				return
			case <-n.kickCh:
			case <-t.C:
			}
			n.announce(gossip.StatusHeartbeat)
		}
	})
}

func (n *Node) announce(kind gossip.StatusKind) {
	now := n.now()
	ts := uint64(now.Unix())
	uptime := uint64(now.Sub(n.startedAt) / time.Second)

	if n.relay != nil {
		if kind == gossip.StatusHeartbeat {
			m := topology.NewMessage(n.identity, n.peerID, n.enc.PublicKey(), n.manager.Peers(), ts)
			n.publish(gossip.TopicTopology, m)
		}
		s := &gossip.RelayStatus{
			Kind:       kind,
			QueueDepth: uint32(n.relay.Tunnels()),
			UptimeSecs: uptime,
			Timestamp:  ts,
		}
		s.Sign(n.identity)
		n.publish(gossip.TopicRelayStatus, s)
		instrument.TunnelsOpen(n.relay.Tunnels())
	}
	if n.exit != nil {
		s := n.exitStatus(kind, ts, uptime)
		n.publish(gossip.TopicExitStatus, s)
		if kind == gossip.StatusHeartbeat {
			n.advertise(true, s)
		}
	}
	if n.relay != nil && kind == gossip.StatusHeartbeat {
		s := &gossip.RelayStatus{Kind: kind, Timestamp: ts}
		s.Sign(n.identity)
		n.advertise(false, s)
	}
	if n.client != nil && kind == gossip.StatusHeartbeat {
		n.discoverExits()
	}
}

func (n *Node) exitStatus(kind gossip.StatusKind, ts, uptime uint64) *gossip.ExitStatus {
	load := 0
	if limit := n.cfg.Exit.MaxPendingAssemblies; limit > 0 {
		load = n.exit.Pending() * 100 / limit
	}
	if load > 100 {
		load = 100
	}
	s := &gossip.ExitStatus{
		Kind:       kind,
		EncPubkey:  n.enc.PublicKey(),
		Load:       uint8(load),
		UptimeSecs: uptime,
		Timestamp:  ts,
	}
	s.Sign(n.identity)
	return s
}

func (n *Node) publish(topic string, v interface{}) {
	if err := n.router.Publish(topic, v); err != nil {
		n.log.Warningf("Failed to publish on %v: %v", topic, err)
	}
}

func (n *Node) advertise(isExit bool, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		n.log.Errorf("Failed to encode registry record: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), advertiseTimeout)
	defer cancel()
	if err = registry.Advertise(ctx, n.registry, isExit, n.peerID, n.identity.PublicKey(), b); err != nil {
		n.log.Warningf("Failed to advertise registry record: %v", err)
	}
}

// discoverExits seeds the exit directory from the registry.
func (n *Node) discoverExits() {
	ctx, cancel := context.WithTimeout(context.Background(), advertiseTimeout)
	defer cancel()
	records, err := registry.Lookup(ctx, n.registry, true)
	if err != nil {
		n.log.Warningf("Exit registry lookup failed: %v", err)
		return
	}
	for id, b := range records {
		s := new(gossip.ExitStatus)
		if err := json.Unmarshal(b, s); err != nil || s.PeerID != id {
			n.log.Debugf("Malformed exit record for %v", id)
			continue
		}
		n.exits.Observe(s)
	}
}
