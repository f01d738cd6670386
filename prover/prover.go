// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package prover summarises receipt batches into a root and an opaque
// proof that the aggregator can check.
package prover

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tunnelcraft/tunnelcraft/core/codec"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
	"github.com/tunnelcraft/tunnelcraft/core/receipt"
)

// ErrEmptyBatch is returned when proving a batch with no receipts.
var ErrEmptyBatch = errors.New("prover: empty batch")

// Prover is a receipt batch summariser.
type Prover interface {
	// Prove returns the batch root and an opaque proof.
	Prove(b *receipt.Batch) (merkle.Hash, []byte, error)

	// Verify checks that proof commits to root over size payload bytes.
	Verify(root merkle.Hash, proof []byte, size uint64) bool
}

// New returns the named prover backend ("mock" or "merkle").
func New(kind string) (Prover, error) {
	switch strings.ToLower(kind) {
	case "", "mock":
		return MockProver{}, nil
	case "merkle":
		return MerkleProver{}, nil
	default:
		return nil, fmt.Errorf("prover: unknown backend '%v'", kind)
	}
}

// MockProver returns the batch root with an empty proof and accepts
// every proof.
type MockProver struct{}

// Prove implements Prover.
func (MockProver) Prove(b *receipt.Batch) (merkle.Hash, []byte, error) {
	if b.Len() == 0 {
		return merkle.Hash{}, nil, ErrEmptyBatch
	}
	return b.Root(), nil, nil
}

// Verify implements Prover.
func (MockProver) Verify(merkle.Hash, []byte, uint64) bool {
	return true
}

// journal is the proof emitted by MerkleProver: the public guest output
// and the private leaves it was computed from.
type journal struct {
	Output []byte        `cbor:"output"`
	Leaves []merkle.Hash `cbor:"leaves"`
}

// MerkleProver emits the leaves and the 76 byte guest output; verification
// recomputes the tree.
type MerkleProver struct{}

// Prove implements Prover.
func (MerkleProver) Prove(b *receipt.Batch) (merkle.Hash, []byte, error) {
	if b.Len() == 0 {
		return merkle.Hash{}, nil, ErrEmptyBatch
	}
	leaves := b.Leaves()
	out := &merkle.GuestOutput{
		Root:       merkle.Root(leaves),
		TotalBytes: b.Bytes(),
		EntryCount: uint32(len(leaves)),
		Pool:       b.Pool,
	}
	proof, err := codec.Marshal(&journal{Output: out.Bytes(), Leaves: leaves})
	if err != nil {
		return merkle.Hash{}, nil, err
	}
	return out.Root, proof, nil
}

// Verify implements Prover.
func (MerkleProver) Verify(root merkle.Hash, proof []byte, size uint64) bool {
	var j journal
	if err := codec.Unmarshal(proof, &j); err != nil {
		return false
	}
	out, err := merkle.GuestOutputFromBytes(j.Output)
	if err != nil {
		return false
	}
	return out.Root == root &&
		out.TotalBytes == size &&
		int(out.EntryCount) == len(j.Leaves) &&
		merkle.Root(j.Leaves) == root
}
