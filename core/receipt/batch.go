// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package receipt

import (
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
)

// Batch is an ordered set of receipts for one (pool, epoch) that have not
// yet been summarised in a proof.
type Batch struct {
	Pool  crypto.PublicKey
	Epoch uint64

	receipts []*ForwardReceipt
	seen     map[[32]byte]struct{}
	bytes    uint64
}

// NewBatch returns an empty batch.
func NewBatch(pool crypto.PublicKey, epoch uint64) *Batch {
	return &Batch{
		Pool:  pool,
		Epoch: epoch,
		seen:  make(map[[32]byte]struct{}),
	}
}

// Add appends r. Receipts for another pool, with a bad signature, or
// already in the batch are rejected.
func (b *Batch) Add(r *ForwardReceipt) error {
	if r.PoolPubkey != b.Pool || !r.Verify() {
		return ErrInvalid
	}
	k := r.ReplayKey()
	if _, ok := b.seen[k]; ok {
		return ErrReplay
	}
	b.seen[k] = struct{}{}
	b.receipts = append(b.receipts, r)
	b.bytes += uint64(r.PayloadSize)
	return nil
}

// Len returns the number of receipts.
func (b *Batch) Len() int {
	return len(b.receipts)
}

// Bytes returns the summed payload size.
func (b *Batch) Bytes() uint64 {
	return b.bytes
}

// Receipts returns the receipts in insertion order.
func (b *Batch) Receipts() []*ForwardReceipt {
	return b.receipts
}

// Leaves returns the Merkle leaves of the batch.
func (b *Batch) Leaves() []merkle.Hash {
	leaves := make([]merkle.Hash, len(b.receipts))
	for i, r := range b.receipts {
		leaves[i] = r.Leaf()
	}
	return leaves
}

// Root returns the Merkle root over the receipts.
func (b *Batch) Root() merkle.Hash {
	return merkle.Root(b.Leaves())
}
