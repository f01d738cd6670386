// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package gossip

import (
	"sync"
	"time"
)

const (
	// HeartbeatInterval is how often exits and relays announce status.
	HeartbeatInterval = 30 * time.Second

	// OfflineAfter is the silence after which a peer counts as offline.
	OfflineAfter = 90 * time.Second
)

// Liveness tracks the last heartbeat of every peer.
type Liveness struct {
	sync.Mutex

	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewLiveness returns an empty tracker.
func NewLiveness() *Liveness {
	return &Liveness{
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (l *Liveness) SetClock(now func() time.Time) {
	l.Lock()
	defer l.Unlock()
	l.now = now
}

// Observe records a status message from peerID.
func (l *Liveness) Observe(peerID string, kind StatusKind) {
	l.Lock()
	defer l.Unlock()
	if kind == StatusOffline {
		delete(l.lastSeen, peerID)
		return
	}
	l.lastSeen[peerID] = l.now()
}

// Online reports whether peerID sent a heartbeat within OfflineAfter.
func (l *Liveness) Online(peerID string) bool {
	l.Lock()
	defer l.Unlock()
	t, ok := l.lastSeen[peerID]
	return ok && l.now().Sub(t) <= OfflineAfter
}

// Prune forgets offline peers and returns them.
func (l *Liveness) Prune() []string {
	l.Lock()
	defer l.Unlock()
	var gone []string
	now := l.now()
	for p, t := range l.lastSeen {
		if now.Sub(t) > OfflineAfter {
			delete(l.lastSeen, p)
			gone = append(gone, p)
		}
	}
	return gone
}
