// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package merkle implements the SHA-256 binary Merkle tree shared by the
// relay receipt batches and the per-pool reward distribution.
package merkle

import (
	"crypto/sha256"
	"errors"
)

// Hash is a tree node.
type Hash = [32]byte

// ErrIndexOutOfRange is returned when asking for a proof past the last leaf.
var ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")

// Proof is an inclusion proof: the leaf index and the sibling hashes
// from the leaf level up.
type Proof struct {
	Index    uint32 `cbor:"index" json:"index"`
	Siblings []Hash `cbor:"siblings" json:"siblings"`
}

// Node hashes two children.
func Node(left, right Hash) Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return sha256.Sum256(buf[:])
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// levels builds every level of the tree, leaves first, padding the leaf
// level to a power of two with zero hashes.
func levels(leaves []Hash) [][]Hash {
	if len(leaves) == 0 {
		return [][]Hash{{{}}}
	}
	level := make([]Hash, nextPow2(len(leaves)))
	copy(level, leaves)

	out := [][]Hash{level}
	for len(level) > 1 {
		next := make([]Hash, len(level)/2)
		for i := range next {
			next[i] = Node(level[2*i], level[2*i+1])
		}
		out = append(out, next)
		level = next
	}
	return out
}

// Root returns the tree root. An empty tree has the zero root and a
// single leaf is its own root.
func Root(leaves []Hash) Hash {
	l := levels(leaves)
	return l[len(l)-1][0]
}

// Prove returns the inclusion proof for leaves[index].
func Prove(leaves []Hash, index int) (*Proof, error) {
	if index < 0 || index >= len(leaves) {
		return nil, ErrIndexOutOfRange
	}
	l := levels(leaves)
	p := &Proof{Index: uint32(index)}
	idx := index
	for _, level := range l[:len(l)-1] {
		p.Siblings = append(p.Siblings, level[idx^1])
		idx >>= 1
	}
	return p, nil
}

// Verify walks p from leaf and compares the result with root.
func Verify(leaf Hash, p *Proof, root Hash) bool {
	if p == nil || len(p.Siblings) > 32 {
		return false
	}
	h, idx := leaf, p.Index
	for _, s := range p.Siblings {
		if idx&1 == 0 {
			h = Node(h, s)
		} else {
			h = Node(s, h)
		}
		idx >>= 1
	}
	return idx == 0 && h == root
}
