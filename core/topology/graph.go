// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package topology maintains the gossiped relay connectivity graph and
// selects connected circuits through it.
package topology

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

// DefaultFreshness is how long an advertisement stays valid.
const DefaultFreshness = 300 * time.Second

var (
	// ErrBadSignature is returned for advertisements that fail to verify.
	ErrBadSignature = errors.New("topology: bad signature")

	// ErrStale is returned for advertisements older than the freshness
	// window or older than the entry they would replace.
	ErrStale = errors.New("topology: stale advertisement")

	// ErrKeyMismatch is returned when an advertised peer id is not the
	// hex encoding of the advertising signing key.
	ErrKeyMismatch = errors.New("topology: signing key mismatch")
)

// Relay is a graph vertex.
type Relay struct {
	PeerID           string
	SigningPubkey    crypto.PublicKey
	EncryptionPubkey crypto.PublicKey
	ConnectedPeers   map[string]struct{}
	Timestamp        uint64
	LastSeen         time.Time
}

func (r *Relay) clone() *Relay {
	c := *r
	c.ConnectedPeers = make(map[string]struct{}, len(r.ConnectedPeers))
	for p := range r.ConnectedPeers {
		c.ConnectedPeers[p] = struct{}{}
	}
	return &c
}

// Peers returns the sorted direct connections.
func (r *Relay) Peers() []string {
	out := make([]string, 0, len(r.ConnectedPeers))
	for p := range r.ConnectedPeers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Graph is the relay set keyed by peer id. It has a single writer, the
// gossip consumer, and many readers.
type Graph struct {
	sync.RWMutex

	relays    map[string]*Relay
	freshness time.Duration
	now       func() time.Time
}

// NewGraph returns an empty graph. A zero freshness selects the default.
func NewGraph(freshness time.Duration) *Graph {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Graph{
		relays:    make(map[string]*Relay),
		freshness: freshness,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (g *Graph) SetClock(now func() time.Time) {
	g.Lock()
	defer g.Unlock()
	g.now = now
}

// Apply verifies and merges a gossiped advertisement.
func (g *Graph) Apply(m *Message) error {
	if m.PeerID != m.Pubkey.String() {
		return ErrKeyMismatch
	}
	if !m.Verify() {
		return ErrBadSignature
	}

	g.Lock()
	defer g.Unlock()

	now := g.now()
	ts := time.Unix(int64(m.Timestamp), 0)
	if now.Sub(ts) > g.freshness {
		return ErrStale
	}
	if old, ok := g.relays[m.PeerID]; ok && m.Timestamp < old.Timestamp {
		return ErrStale
	}

	r := &Relay{
		PeerID:           m.PeerID,
		SigningPubkey:    m.Pubkey,
		EncryptionPubkey: m.EncryptionPubkey,
		ConnectedPeers:   make(map[string]struct{}, len(m.ConnectedPeers)),
		Timestamp:        m.Timestamp,
		LastSeen:         now,
	}
	for _, p := range m.ConnectedPeers {
		if p != m.PeerID {
			r.ConnectedPeers[p] = struct{}{}
		}
	}
	g.relays[m.PeerID] = r
	return nil
}

// Upsert inserts a locally known relay without signature checks.
func (g *Graph) Upsert(r *Relay) {
	g.Lock()
	defer g.Unlock()
	c := r.clone()
	if c.LastSeen.IsZero() {
		c.LastSeen = g.now()
	}
	g.relays[r.PeerID] = c
}

// Remove drops a relay.
func (g *Graph) Remove(peerID string) {
	g.Lock()
	defer g.Unlock()
	delete(g.relays, peerID)
}

// Prune evicts relays not seen within the freshness window and returns
// how many were removed.
func (g *Graph) Prune() int {
	g.Lock()
	defer g.Unlock()

	cutoff := g.now().Add(-g.freshness)
	n := 0
	for id, r := range g.relays {
		if r.LastSeen.Before(cutoff) {
			delete(g.relays, id)
			n++
		}
	}
	return n
}

// Get returns a copy of a relay.
func (g *Graph) Get(peerID string) (*Relay, bool) {
	g.RLock()
	defer g.RUnlock()
	r, ok := g.relays[peerID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// ByEncryptionKey returns the relay advertising enc.
func (g *Graph) ByEncryptionKey(enc crypto.PublicKey) (*Relay, bool) {
	g.RLock()
	defer g.RUnlock()
	for _, r := range g.relays {
		if r.EncryptionPubkey == enc {
			return r.clone(), true
		}
	}
	return nil, false
}

// Len returns the number of relays.
func (g *Graph) Len() int {
	g.RLock()
	defer g.RUnlock()
	return len(g.relays)
}

// IsConnected reports whether either of a or b lists the other.
func (g *Graph) IsConnected(a, b string) bool {
	g.RLock()
	defer g.RUnlock()
	return g.isConnected(a, b)
}

func (g *Graph) isConnected(a, b string) bool {
	if r, ok := g.relays[a]; ok {
		if _, ok := r.ConnectedPeers[b]; ok {
			return true
		}
	}
	if r, ok := g.relays[b]; ok {
		if _, ok := r.ConnectedPeers[a]; ok {
			return true
		}
	}
	return false
}
