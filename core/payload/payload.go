// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package payload defines the end to end messages sealed for the exit
// and the client: the ExitPayload, its RoutingTag and the LeaseSet.
package payload

import (
	"errors"
	"fmt"

	"github.com/tunnelcraft/tunnelcraft/core/codec"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/erasure"
)

// ErrMalformed is returned for payloads that decode but violate their
// structural constraints.
var ErrMalformed = errors.New("payload: malformed")

// ShardType tells the exit and the client which direction a payload
// travels.
type ShardType uint8

const (
	Request ShardType = iota
	Response
)

// Mode selects how the exit interprets ExitPayload.Data.
type Mode uint8

const (
	ModeHTTP   Mode = 0x00
	ModeTunnel Mode = 0x01
)

// Lease is a gateway that holds a pre-registered tunnel to the client.
// A zero TunnelID means the gateway is the client itself.
type Lease struct {
	GatewayPeerID           []byte           `cbor:"gateway_peer_id"`
	GatewayEncryptionPubkey crypto.PublicKey `cbor:"gateway_encryption_pubkey"`
	TunnelID                crypto.Id        `cbor:"tunnel_id"`
	ExpiresAt               uint64           `cbor:"expires_at"`
}

// IsDirect reports whether responses go straight to the gateway peer.
func (l *Lease) IsDirect() bool {
	return l.TunnelID.IsZero()
}

// LeaseSet is the response routing capability attached to a request.
type LeaseSet struct {
	SessionID crypto.Id `cbor:"session_id"`
	Leases    []Lease   `cbor:"leases"`
}

// Live returns the leases that have not expired at now (Unix seconds).
func (s *LeaseSet) Live(now uint64) []Lease {
	out := make([]Lease, 0, len(s.Leases))
	for _, l := range s.Leases {
		if l.ExpiresAt == 0 || l.ExpiresAt > now {
			out = append(out, l)
		}
	}
	return out
}

// ExitPayload is the plaintext the exit recovers after reassembly.
type ExitPayload struct {
	RequestID         crypto.Id        `cbor:"request_id"`
	UserPubkey        crypto.PublicKey `cbor:"user_pubkey"`
	LeaseSet          LeaseSet         `cbor:"lease_set"`
	TotalHops         uint8            `cbor:"total_hops"`
	ShardType         ShardType        `cbor:"shard_type"`
	Mode              Mode             `cbor:"mode"`
	Data              []byte           `cbor:"data"`
	ResponseEncPubkey crypto.PublicKey `cbor:"response_enc_pubkey"`
}

// Marshal encodes the payload.
func (p *ExitPayload) Marshal() ([]byte, error) {
	return codec.Marshal(p)
}

// ExitPayloadFromBytes decodes and validates a payload.
func ExitPayloadFromBytes(b []byte) (*ExitPayload, error) {
	p := new(ExitPayload)
	if err := codec.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Mode != ModeHTTP && p.Mode != ModeTunnel {
		return nil, fmt.Errorf("%w: unknown mode %d", ErrMalformed, p.Mode)
	}
	if p.ShardType != Request && p.ShardType != Response {
		return nil, fmt.Errorf("%w: unknown shard type %d", ErrMalformed, p.ShardType)
	}
	return p, nil
}

// SealFor encrypts the payload to the exit's encryption key.
func (p *ExitPayload) SealFor(exit crypto.PublicKey) ([]byte, error) {
	b, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.EncryptFor(exit, b)
}

// OpenExitPayload decrypts and decodes an envelope made by SealFor.
func OpenExitPayload(k *crypto.EncryptionKeypair, envelope []byte) (*ExitPayload, error) {
	b, err := crypto.DecryptWith(k, envelope)
	if err != nil {
		return nil, err
	}
	return ExitPayloadFromBytes(b)
}

// ResponseKey returns the key a response must be sealed to: the
// dedicated response key, or the user key on the legacy path.
func (p *ExitPayload) ResponseKey() crypto.PublicKey {
	if p.ResponseEncPubkey.IsZero() {
		return p.UserPubkey
	}
	return p.ResponseEncPubkey
}

// RoutingTag binds a shard to its assembly. Only the final recipient can
// decrypt it.
type RoutingTag struct {
	AssemblyID  crypto.Id        `cbor:"assembly_id"`
	ShardIndex  uint8            `cbor:"shard_index"`
	TotalShards uint8            `cbor:"total_shards"`
	ChunkIndex  uint16           `cbor:"chunk_index"`
	TotalChunks uint16           `cbor:"total_chunks"`
	PoolPubkey  crypto.PublicKey `cbor:"pool_pubkey"`
}

// Validate checks the tag's indices against the codec geometry.
func (t *RoutingTag) Validate() error {
	switch {
	case t.TotalShards != erasure.TotalShards:
		return fmt.Errorf("%w: total_shards %d", ErrMalformed, t.TotalShards)
	case t.ShardIndex >= t.TotalShards:
		return fmt.Errorf("%w: shard_index %d", ErrMalformed, t.ShardIndex)
	case t.TotalChunks == 0:
		return fmt.Errorf("%w: zero total_chunks", ErrMalformed)
	case t.ChunkIndex >= t.TotalChunks:
		return fmt.Errorf("%w: chunk_index %d", ErrMalformed, t.ChunkIndex)
	}
	return nil
}

// SealFor encrypts the tag under a fresh ephemeral key.
func (t *RoutingTag) SealFor(recipient crypto.PublicKey) ([]byte, error) {
	b, err := codec.Marshal(t)
	if err != nil {
		return nil, err
	}
	return crypto.EncryptFor(recipient, b)
}

// OpenRoutingTag decrypts and validates a routing tag.
func OpenRoutingTag(k *crypto.EncryptionKeypair, envelope []byte) (*RoutingTag, error) {
	b, err := crypto.DecryptWith(k, envelope)
	if err != nil {
		return nil, err
	}
	t := new(RoutingTag)
	if err := codec.Unmarshal(b, t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
