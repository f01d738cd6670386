// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package registry stores the TTL'd peer discovery records: exit and relay
// advertisements, pubkey to peer id mappings and the aggregate registries.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

const (
	// ProtocolID names the discovery protocol.
	ProtocolID = "/tunnelcraft/kad/1.0.0"

	// RecordTTL is the lifetime of every advertisement record.
	RecordTTL = 300 * time.Second

	// ExitRegistryKey lists every known exit.
	ExitRegistryKey = "/tunnelcraft/exit-registry"

	// RelayRegistryKey lists every known relay.
	RelayRegistryKey = "/tunnelcraft/relay-registry"
)

// ErrNotFound is returned for missing or expired records.
var ErrNotFound = errors.New("registry: record not found")

// ExitKey is the record key of an exit advertisement.
func ExitKey(peerID string) string {
	return "/tunnelcraft/exits/" + peerID
}

// RelayKey is the record key of a relay advertisement.
func RelayKey(peerID string) string {
	return "/tunnelcraft/relays/" + peerID
}

// PeerKey is the record key mapping a signing key to its peer id.
func PeerKey(pk crypto.PublicKey) string {
	return "/tunnelcraft/peers/" + pk.String()
}

// Store is a TTL'd key value record store with set valued registries.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	AddMember(ctx context.Context, registry, member string) error
	RemoveMember(ctx context.Context, registry, member string) error
	Members(ctx context.Context, registry string) ([]string, error)
	Close() error
}

// Advertise publishes an exit or relay record, its pubkey mapping and its
// registry membership.
func Advertise(ctx context.Context, s Store, isExit bool, peerID string, pk crypto.PublicKey, blob []byte) error {
	key, reg := RelayKey(peerID), RelayRegistryKey
	if isExit {
		key, reg = ExitKey(peerID), ExitRegistryKey
	}
	if err := s.Put(ctx, key, blob, RecordTTL); err != nil {
		return err
	}
	if err := s.Put(ctx, PeerKey(pk), []byte(peerID), RecordTTL); err != nil {
		return err
	}
	return s.AddMember(ctx, reg, peerID)
}

// Lookup resolves every live member of a registry to its record,
// dropping members whose record expired.
func Lookup(ctx context.Context, s Store, isExit bool) (map[string][]byte, error) {
	reg, keyFn := RelayRegistryKey, RelayKey
	if isExit {
		reg, keyFn = ExitRegistryKey, ExitKey
	}
	members, err := s.Members(ctx, reg)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(members))
	for _, m := range members {
		b, err := s.Get(ctx, keyFn(m))
		switch {
		case err == nil:
			out[m] = b
		case errors.Is(err, ErrNotFound):
			if err := s.RemoveMember(ctx, reg, m); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
	return out, nil
}

// ResolvePeer maps a signing key to the peer id it was advertised under.
func ResolvePeer(ctx context.Context, s Store, pk crypto.PublicKey) (string, error) {
	b, err := s.Get(ctx, PeerKey(pk))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
