// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package onion builds and peels the layered per-relay routing header.
package onion

import (
	"errors"
	"fmt"

	"github.com/tunnelcraft/tunnelcraft/core/codec"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

var (
	// ErrEmptyHeader is returned when peeling a direct mode shard.
	ErrEmptyHeader = errors.New("onion: empty header")

	// ErrSettlementMismatch is returned when the settlement list does not
	// cover every hop.
	ErrSettlementMismatch = errors.New("onion: settlement count does not match hops")

	// ErrMalformedLayer is returned when a decrypted layer fails to decode.
	ErrMalformedLayer = errors.New("onion: malformed layer")
)

// Settlement is the per-hop accounting stub a relay signs a receipt over.
type Settlement struct {
	ShardID     crypto.Id        `cbor:"shard_id"`
	PayloadSize uint32           `cbor:"payload_size"`
	PoolPubkey  crypto.PublicKey `cbor:"pool_pubkey"`
}

// Layer is the routing instruction revealed to exactly one relay.
type Layer struct {
	NextPeerID          []byte           `cbor:"next_peer_id"`
	NextEphemeralPubkey crypto.PublicKey `cbor:"next_ephemeral_pubkey"`
	Settlement          Settlement       `cbor:"settlement"`
	RemainingHeader     []byte           `cbor:"remaining_header"`
	IsTerminal          bool             `cbor:"is_terminal"`
	TunnelID            *crypto.Id       `cbor:"tunnel_id,omitempty"`
}

// Hop is a relay on a path.
type Hop struct {
	PeerID           []byte
	SigningPubkey    crypto.PublicKey
	EncryptionPubkey crypto.PublicKey
}

// BuildHeader wraps one layer per hop, innermost first. The innermost
// layer points at destination and is terminal; tunnelID is only set for
// the gateway layer of a response. It returns the outermost ciphertext
// and the ephemeral key the first relay needs. No hops means direct mode
// and yields an empty header with a zero ephemeral key.
func BuildHeader(hops []Hop, destination []byte, settlement []Settlement, tunnelID *crypto.Id) ([]byte, crypto.PublicKey, error) {
	if len(hops) == 0 {
		return nil, crypto.PublicKey{}, nil
	}
	if len(settlement) != len(hops) {
		return nil, crypto.PublicKey{}, ErrSettlementMismatch
	}

	last := len(hops) - 1
	var (
		header    []byte
		ephemeral crypto.PublicKey
	)
	for i := last; i >= 0; i-- {
		layer := &Layer{
			Settlement: settlement[i],
		}
		if i == last {
			layer.NextPeerID = destination
			layer.IsTerminal = true
			layer.TunnelID = tunnelID
		} else {
			layer.NextPeerID = hops[i+1].PeerID
			layer.NextEphemeralPubkey = ephemeral
			layer.RemainingHeader = header
		}

		raw, err := codec.Marshal(layer)
		if err != nil {
			return nil, crypto.PublicKey{}, err
		}
		eph, sealed, err := crypto.SealEphemeral(hops[i].EncryptionPubkey, raw)
		if err != nil {
			return nil, crypto.PublicKey{}, fmt.Errorf("onion: hop %d: %w", i, err)
		}
		header, ephemeral = sealed, eph
	}
	return header, ephemeral, nil
}

// Peel decrypts the outermost layer of header with the relay's long term
// key and the ephemeral key carried by the shard.
func Peel(k *crypto.EncryptionKeypair, ephemeral crypto.PublicKey, header []byte) (*Layer, error) {
	if len(header) == 0 {
		return nil, ErrEmptyHeader
	}
	raw, err := crypto.OpenEphemeral(k, ephemeral, header)
	if err != nil {
		return nil, err
	}
	layer := new(Layer)
	if err := codec.Unmarshal(raw, layer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLayer, err)
	}
	return layer, nil
}
