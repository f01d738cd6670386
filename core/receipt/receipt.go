// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package receipt implements relay signed forwarding receipts, the per
// hop blind shard identifiers they are issued over, and receipt batches.
package receipt

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/yawning/bloom"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
)

// SignableSize is the size of the receipt preimage.
const SignableSize = 32*4 + 4 + 8

var (
	// ErrReplay is returned when a receipt was already accepted.
	ErrReplay = errors.New("receipt: replayed receipt")

	// ErrInvalid is returned for receipts with a bad signature or that
	// do not belong to the batch.
	ErrInvalid = errors.New("receipt: invalid receipt")
)

// ForwardReceipt is the receiver's signed proof that it accepted a shard
// from sender.
type ForwardReceipt struct {
	ShardID        crypto.Id        `cbor:"shard_id"`
	SenderPubkey   crypto.PublicKey `cbor:"sender_pubkey"`
	ReceiverPubkey crypto.PublicKey `cbor:"receiver_pubkey"`
	PoolPubkey     crypto.PublicKey `cbor:"pool_pubkey"`
	PayloadSize    uint32           `cbor:"payload_size"`
	Timestamp      uint64           `cbor:"timestamp"`
	Signature      crypto.Signature `cbor:"signature"`
}

// DeriveShardID returns SHA256(request_id ‖ "shard" ‖ chunk_be16 ‖
// shard_index ‖ relay_pubkey), unique per shard and relay.
func DeriveShardID(requestID crypto.Id, chunkIndex uint16, shardIndex uint8, relay crypto.PublicKey) crypto.Id {
	return deriveID("shard", requestID, chunkIndex, shardIndex, relay)
}

// DeriveResponseShardID is DeriveShardID for response shards, labelled
// "response" so a gateway that also carried the request sees distinct ids.
func DeriveResponseShardID(requestID crypto.Id, chunkIndex uint16, shardIndex uint8, relay crypto.PublicKey) crypto.Id {
	return deriveID("response", requestID, chunkIndex, shardIndex, relay)
}

func deriveID(label string, requestID crypto.Id, chunkIndex uint16, shardIndex uint8, relay crypto.PublicKey) crypto.Id {
	var ci [2]byte
	binary.BigEndian.PutUint16(ci[:], chunkIndex)
	return crypto.Sum256(requestID[:], []byte(label), ci[:], []byte{shardIndex}, relay[:])
}

// New signs a receipt for a shard received from sender.
func New(signer *crypto.SigningKeypair, shardID crypto.Id, sender, pool crypto.PublicKey, payloadSize uint32, timestamp uint64) *ForwardReceipt {
	r := &ForwardReceipt{
		ShardID:        shardID,
		SenderPubkey:   sender,
		ReceiverPubkey: signer.PublicKey(),
		PoolPubkey:     pool,
		PayloadSize:    payloadSize,
		Timestamp:      timestamp,
	}
	r.Signature = signer.Sign(r.SignableData())
	return r
}

// SignableData returns shard_id ‖ sender ‖ receiver ‖ pool ‖
// payload_size_le32 ‖ timestamp_le64.
func (r *ForwardReceipt) SignableData() []byte {
	b := make([]byte, 0, SignableSize)
	b = append(b, r.ShardID[:]...)
	b = append(b, r.SenderPubkey[:]...)
	b = append(b, r.ReceiverPubkey[:]...)
	b = append(b, r.PoolPubkey[:]...)
	b = binary.LittleEndian.AppendUint32(b, r.PayloadSize)
	return binary.LittleEndian.AppendUint64(b, r.Timestamp)
}

// Verify checks the signature against the receiver key.
func (r *ForwardReceipt) Verify() bool {
	return crypto.Verify(r.ReceiverPubkey, r.SignableData(), r.Signature)
}

// ReplayKey identifies a receipt for replay detection. The timestamp is
// excluded so a re-signed copy is still a replay.
func (r *ForwardReceipt) ReplayKey() [32]byte {
	return crypto.Sum256(r.ShardID[:], r.SenderPubkey[:], r.ReceiverPubkey[:], r.PoolPubkey[:])
}

// Leaf is the receipt's Merkle leaf: SHA256(signable ‖ signature).
func (r *ForwardReceipt) Leaf() merkle.Hash {
	return crypto.Sum256(r.SignableData(), r.Signature[:])
}

// ReplayFilter remembers accepted receipts. It is probabilistic across
// batches: a false positive drops a valid receipt, never accepts a replay.
type ReplayFilter struct {
	sync.Mutex
	f *bloom.Filter
}

// NewReplayFilter sizes a filter for 2^mLn2 bits at false positive rate p.
func NewReplayFilter(r io.Reader, mLn2 int, p float64) (*ReplayFilter, error) {
	f, err := bloom.New(r, mLn2, p)
	if err != nil {
		return nil, err
	}
	return &ReplayFilter{f: f}, nil
}

// Check records r and returns ErrReplay if it was seen before.
func (f *ReplayFilter) Check(r *ForwardReceipt) error {
	k := r.ReplayKey()
	f.Lock()
	defer f.Unlock()
	if f.f.TestAndSet(k[:]) {
		return ErrReplay
	}
	return nil
}

// Entries returns the number of receipts recorded.
func (f *ReplayFilter) Entries() int {
	f.Lock()
	defer f.Unlock()
	return f.f.Entries()
}
