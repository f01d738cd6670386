// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire defines the shard, the only structure a network observer
// ever sees, and the length prefixed frames of the shard stream protocol.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tunnelcraft/tunnelcraft/core/codec"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/receipt"
)

const (
	// ProtocolID names the shard stream protocol.
	ProtocolID = "/tunnelcraft/shard-stream/1.0.0"

	// MaxFrameSize bounds an encoded frame, all wrapping included.
	MaxFrameSize = 1 << 20

	frameHeaderSize = 4
)

// Nack reasons.
const (
	ReasonDecrypt       = "decrypt"
	ReasonTierViolation = "tier violation"
	ReasonRateLimit     = "rate limit"
	ReasonBadRouting    = "bad routing"
	ReasonPolicy        = "policy"
	ReasonUnreachable   = "unreachable"
)

var (
	// ErrFrameTooLarge is returned for frames over MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame too large")

	// ErrInvalidFrame is returned for frames that decode but are
	// inconsistent.
	ErrInvalidFrame = errors.New("wire: invalid frame")
)

// Shard is an erasure coded fragment with its remaining onion header.
type Shard struct {
	EphemeralPubkey crypto.PublicKey `cbor:"ephemeral_pubkey"`
	Header          []byte           `cbor:"header"`
	Payload         []byte           `cbor:"payload"`
	RoutingTag      []byte           `cbor:"routing_tag"`
	TotalHops       uint8            `cbor:"total_hops"`
	HopsRemaining   uint8            `cbor:"hops_remaining"`
}

// Outbound is a shard and the peer it must be handed to.
type Outbound struct {
	PeerID string
	Shard  *Shard
}

// IsDirect reports whether the shard carries no onion header.
func (s *Shard) IsDirect() bool {
	return len(s.Header) == 0
}

// Size returns the number of variable length bytes the shard carries.
func (s *Shard) Size() int {
	return crypto.KeySize + len(s.Header) + len(s.Payload) + len(s.RoutingTag) + 2
}

// FrameType discriminates stream frames.
type FrameType uint8

const (
	FrameShard FrameType = iota + 1
	FrameAck
	FrameNack
	FrameHello
	FrameGossip
	FrameLease
)

// String implements fmt.Stringer.
func (t FrameType) String() string {
	switch t {
	case FrameShard:
		return "shard"
	case FrameAck:
		return "ack"
	case FrameNack:
		return "nack"
	case FrameHello:
		return "hello"
	case FrameGossip:
		return "gossip"
	case FrameLease:
		return "lease"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// Frame is one message on a shard stream.
type Frame struct {
	Type    FrameType               `cbor:"type"`
	SeqID   uint64                  `cbor:"seq_id"`
	Shard   *Shard                  `cbor:"shard,omitempty"`
	Receipt *receipt.ForwardReceipt `cbor:"receipt,omitempty"`
	Reason  string                  `cbor:"reason,omitempty"`
	Hello   *Hello                  `cbor:"hello,omitempty"`
	Gossip  []byte                  `cbor:"gossip,omitempty"`
	Lease   *LeaseRequest           `cbor:"lease,omitempty"`
}

// LeaseRequest asks a gateway relay to hold a response tunnel to the
// sender until ExpiresAt (Unix seconds).
type LeaseRequest struct {
	TunnelID  crypto.Id `cbor:"tunnel_id"`
	ExpiresAt uint64    `cbor:"expires_at"`
}

// NewLeaseFrame wraps a tunnel registration.
func NewLeaseFrame(seq uint64, l *LeaseRequest) *Frame {
	return &Frame{Type: FrameLease, SeqID: seq, Lease: l}
}

// Hello is the first frame on every stream, binding the stream to the
// sender's signing key.
type Hello struct {
	PeerID    string           `cbor:"peer_id"`
	Pubkey    crypto.PublicKey `cbor:"pubkey"`
	Timestamp uint64           `cbor:"timestamp"`
	Signature crypto.Signature `cbor:"signature"`
}

func (h *Hello) signableData() []byte {
	b := make([]byte, 0, 20+len(h.PeerID)+crypto.KeySize+8)
	b = append(b, "tunnelcraft-hello-v1"...)
	b = append(b, h.PeerID...)
	b = append(b, h.Pubkey[:]...)
	return binary.LittleEndian.AppendUint64(b, h.Timestamp)
}

// NewHello builds and signs a hello for peerID.
func NewHello(signer *crypto.SigningKeypair, peerID string, timestamp uint64) *Frame {
	h := &Hello{PeerID: peerID, Pubkey: signer.PublicKey(), Timestamp: timestamp}
	h.Signature = signer.Sign(h.signableData())
	return &Frame{Type: FrameHello, Hello: h}
}

// Verify checks the hello signature.
func (h *Hello) Verify() bool {
	return crypto.Verify(h.Pubkey, h.signableData(), h.Signature)
}

// NewGossipFrame wraps an encoded gossip envelope.
func NewGossipFrame(b []byte) *Frame {
	return &Frame{Type: FrameGossip, Gossip: b}
}

// NewShardFrame wraps s.
func NewShardFrame(seq uint64, s *Shard) *Frame {
	return &Frame{Type: FrameShard, SeqID: seq, Shard: s}
}

// NewAck acknowledges seq, optionally with a receipt.
func NewAck(seq uint64, r *receipt.ForwardReceipt) *Frame {
	return &Frame{Type: FrameAck, SeqID: seq, Receipt: r}
}

// NewNack rejects seq.
func NewNack(seq uint64, reason string) *Frame {
	return &Frame{Type: FrameNack, SeqID: seq, Reason: reason}
}

func (f *Frame) validate() error {
	switch f.Type {
	case FrameShard:
		if f.Shard == nil {
			return ErrInvalidFrame
		}
	case FrameAck, FrameNack:
		if f.Shard != nil {
			return ErrInvalidFrame
		}
	case FrameHello:
		if f.Hello == nil {
			return ErrInvalidFrame
		}
	case FrameGossip:
		if len(f.Gossip) == 0 {
			return ErrInvalidFrame
		}
	case FrameLease:
		if f.Lease == nil || f.Lease.TunnelID.IsZero() {
			return ErrInvalidFrame
		}
	default:
		return ErrInvalidFrame
	}
	return nil
}

// WriteFrame writes the big endian length and the encoded frame.
func WriteFrame(w io.Writer, f *Frame) error {
	b, err := codec.Marshal(f)
	if err != nil {
		return err
	}
	if len(b) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	_, err = w.Write(append(buf, b...))
	return err
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	f := new(Frame)
	if err := codec.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}
