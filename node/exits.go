// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"errors"
	"sort"
	"sync"

	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/topology"
	"github.com/tunnelcraft/tunnelcraft/core/transport"
)

// ErrNoExit is returned when no exit is known to be online.
var ErrNoExit = errors.New("node: no exit available")

// exitDirectory tracks exits from their heartbeats and registry records.
type exitDirectory struct {
	sync.RWMutex

	liveness *gossip.Liveness
	exits    map[string]*gossip.ExitStatus
}

func newExitDirectory() *exitDirectory {
	return &exitDirectory{
		liveness: gossip.NewLiveness(),
		exits:    make(map[string]*gossip.ExitStatus),
	}
}

// Observe records an exit heartbeat or departure. Unsigned statuses, and
// statuses older than the one on record, are ignored.
func (d *exitDirectory) Observe(s *gossip.ExitStatus) bool {
	if s.PeerID != transport.PeerID(s.Pubkey) || s.EncPubkey.IsZero() || !s.Verify() {
		return false
	}

	d.Lock()
	defer d.Unlock()
	if cur, ok := d.exits[s.PeerID]; ok && cur.Timestamp > s.Timestamp {
		return false
	}
	d.liveness.Observe(s.PeerID, s.Kind)
	if s.Kind == gossip.StatusOffline {
		delete(d.exits, s.PeerID)
		return true
	}
	d.exits[s.PeerID] = s
	return true
}

// Prune forgets exits whose heartbeats stopped.
func (d *exitDirectory) Prune() int {
	gone := d.liveness.Prune()
	d.Lock()
	defer d.Unlock()
	for _, id := range gone {
		delete(d.exits, id)
	}
	return len(gone)
}

// List returns the online exits, least loaded first.
func (d *exitDirectory) List() []*topology.Exit {
	d.RLock()
	statuses := make([]*gossip.ExitStatus, 0, len(d.exits))
	for id, s := range d.exits {
		if d.liveness.Online(id) {
			statuses = append(statuses, s)
		}
	}
	d.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Load != statuses[j].Load {
			return statuses[i].Load < statuses[j].Load
		}
		return statuses[i].PeerID < statuses[j].PeerID
	})
	out := make([]*topology.Exit, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, &topology.Exit{
			PeerID:           s.PeerID,
			SigningPubkey:    s.Pubkey,
			EncryptionPubkey: s.EncPubkey,
		})
	}
	return out
}

// Pick returns the least loaded online exit.
func (d *exitDirectory) Pick() (*topology.Exit, error) {
	l := d.List()
	if len(l) == 0 {
		return nil, ErrNoExit
	}
	return l[0], nil
}
