// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"errors"
	"math/rand"

	hpqcrand "github.com/katzenpost/hpqc/rand"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/onion"
)

// MaxPathAttempts is the walk budget of SelectPath.
const MaxPathAttempts = 100

var (
	// ErrInsufficientRelays is returned when fewer eligible relays exist
	// than the requested hop count.
	ErrInsufficientRelays = errors.New("topology: insufficient relays")

	// ErrNoValidPath is returned when no connected walk was found.
	ErrNoValidPath = errors.New("topology: no valid path")
)

// Exit identifies the exit a circuit terminates at.
type Exit struct {
	PeerID           string
	SigningPubkey    crypto.PublicKey
	EncryptionPubkey crypto.PublicKey
}

// Path is an ordered relay circuit in front of an exit.
type Path struct {
	Hops []onion.Hop
}

// Len returns the number of relays.
func (p *Path) Len() int {
	return len(p.Hops)
}

// Contains reports whether peerID is a hop.
func (p *Path) Contains(peerID string) bool {
	for _, h := range p.Hops {
		if string(h.PeerID) == peerID {
			return true
		}
	}
	return false
}

func toHop(r *Relay) onion.Hop {
	return onion.Hop{
		PeerID:           []byte(r.PeerID),
		SigningPubkey:    r.SigningPubkey,
		EncryptionPubkey: r.EncryptionPubkey,
	}
}

func (g *Graph) eligible(exit, entry string, exclude map[string]struct{}) []*Relay {
	out := make([]*Relay, 0, len(g.relays))
	for id, r := range g.relays {
		if id == exit || id == entry || r.EncryptionPubkey.IsZero() {
			continue
		}
		if _, ok := exclude[id]; ok {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SelectPath picks hopCount distinct relays forming a connected walk whose
// first hop is connected to entry (when non-empty) and whose last hop is
// connected to the exit. Neither the exit nor entry is used as a relay.
func (g *Graph) SelectPath(hopCount int, exit *Exit, exclude map[string]struct{}, entry string) (*Path, error) {
	if hopCount <= 0 {
		return &Path{}, nil
	}

	g.RLock()
	defer g.RUnlock()

	candidates := g.eligible(exit.PeerID, entry, exclude)
	if len(candidates) < hopCount {
		return nil, ErrInsufficientRelays
	}

	rng := hpqcrand.NewMath()
	for attempt := 0; attempt < MaxPathAttempts; attempt++ {
		rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		if walk := g.walk(rng, candidates, hopCount, exit.PeerID, entry); walk != nil {
			p := &Path{Hops: make([]onion.Hop, len(walk))}
			for i, r := range walk {
				p.Hops[i] = toHop(r)
			}
			return p, nil
		}
	}
	return nil, ErrNoValidPath
}

// walk extends a random walk one hop at a time, returning nil when it
// dead ends.
func (g *Graph) walk(rng *rand.Rand, candidates []*Relay, n int, exit, entry string) []*Relay {
	used := make(map[string]struct{}, n)
	walk := make([]*Relay, 0, n)

	for i := 0; i < n; i++ {
		var options []*Relay
		for _, c := range candidates {
			if _, ok := used[c.PeerID]; ok {
				continue
			}
			if i == 0 {
				if entry != "" && !g.isConnected(entry, c.PeerID) {
					continue
				}
			} else if !g.isConnected(walk[i-1].PeerID, c.PeerID) {
				continue
			}
			if i == n-1 && !g.isConnected(c.PeerID, exit) {
				continue
			}
			options = append(options, c)
		}
		if len(options) == 0 {
			return nil
		}
		next := options[rng.Intn(len(options))]
		used[next.PeerID] = struct{}{}
		walk = append(walk, next)
	}
	return walk
}

// SelectDiversePaths returns count paths, avoiding relay reuse across
// paths while possible and falling back to reuse once relays run out.
func (g *Graph) SelectDiversePaths(count, hopCount int, exit *Exit, entry string) ([]*Path, error) {
	paths := make([]*Path, 0, count)
	used := make(map[string]struct{})
	for i := 0; i < count; i++ {
		p, err := g.SelectPath(hopCount, exit, used, entry)
		if err != nil {
			if p, err = g.SelectPath(hopCount, exit, nil, entry); err != nil {
				return nil, err
			}
		}
		for _, h := range p.Hops {
			used[string(h.PeerID)] = struct{}{}
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Gateways returns up to n relays directly connected to ourPeerID, used
// to populate a lease set.
func (g *Graph) Gateways(ourPeerID string, n int) []onion.Hop {
	g.RLock()
	defer g.RUnlock()

	candidates := g.eligible(ourPeerID, "", nil)
	hpqcrand.NewMath().Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	out := make([]onion.Hop, 0, n)
	for _, r := range candidates {
		if len(out) == n {
			break
		}
		if g.isConnected(ourPeerID, r.PeerID) {
			out = append(out, toHop(r))
		}
	}
	return out
}
