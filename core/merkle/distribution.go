// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

// GuestOutputSize is the size of the prover's public output.
const GuestOutputSize = 32 + 8 + 4 + 32

var (
	// ErrUnknownRelay is returned when a relay has no distribution entry.
	ErrUnknownRelay = errors.New("merkle: relay not in distribution")

	// ErrInvalidGuestOutput is returned for a malformed guest output.
	ErrInvalidGuestOutput = errors.New("merkle: invalid guest output")
)

// Entry is one relay's share of a pool.
type Entry struct {
	RelayPubkey crypto.PublicKey `cbor:"relay_pubkey" json:"relay_pubkey"`
	Bytes       uint64           `cbor:"bytes" json:"bytes"`
}

// Leaf returns SHA256(relay_pubkey ‖ bytes_le64).
func Leaf(relay crypto.PublicKey, n uint64) Hash {
	var buf [crypto.KeySize + 8]byte
	copy(buf[:], relay[:])
	binary.LittleEndian.PutUint64(buf[crypto.KeySize:], n)
	return sha256.Sum256(buf[:])
}

// Distribution is the reward tree for one pool.
type Distribution struct {
	Pool       crypto.PublicKey
	Root       Hash
	TotalBytes uint64
	Entries    []Entry

	leaves []Hash
}

// BuildDistribution sorts the entries by relay key and builds the tree.
// Zero byte entries are dropped; duplicate relays are summed.
func BuildDistribution(pool crypto.PublicKey, entries []Entry) *Distribution {
	merged := make(map[crypto.PublicKey]uint64, len(entries))
	for _, e := range entries {
		if e.Bytes > 0 {
			merged[e.RelayPubkey] += e.Bytes
		}
	}

	d := &Distribution{Pool: pool, Entries: make([]Entry, 0, len(merged))}
	for k, v := range merged {
		d.Entries = append(d.Entries, Entry{RelayPubkey: k, Bytes: v})
	}
	sort.Slice(d.Entries, func(i, j int) bool {
		return bytes.Compare(d.Entries[i].RelayPubkey[:], d.Entries[j].RelayPubkey[:]) < 0
	})

	d.leaves = make([]Hash, len(d.Entries))
	for i, e := range d.Entries {
		d.leaves[i] = Leaf(e.RelayPubkey, e.Bytes)
		d.TotalBytes += e.Bytes
	}
	d.Root = Root(d.leaves)
	return d
}

// ProofFor returns the relay's byte count and inclusion proof.
func (d *Distribution) ProofFor(relay crypto.PublicKey) (uint64, *Proof, error) {
	i := sort.Search(len(d.Entries), func(i int) bool {
		return bytes.Compare(d.Entries[i].RelayPubkey[:], relay[:]) >= 0
	})
	if i == len(d.Entries) || d.Entries[i].RelayPubkey != relay {
		return 0, nil, ErrUnknownRelay
	}
	if len(d.leaves) != len(d.Entries) {
		d.leaves = make([]Hash, len(d.Entries))
		for j, e := range d.Entries {
			d.leaves[j] = Leaf(e.RelayPubkey, e.Bytes)
		}
	}
	p, err := Prove(d.leaves, i)
	if err != nil {
		return 0, nil, err
	}
	return d.Entries[i].Bytes, p, nil
}

// VerifyClaim checks that relay was assigned n bytes under root.
func VerifyClaim(root Hash, relay crypto.PublicKey, n uint64, p *Proof) bool {
	return Verify(Leaf(relay, n), p, root)
}

// GuestOutput is the public output of the distribution prover.
type GuestOutput struct {
	Root       Hash
	TotalBytes uint64
	EntryCount uint32
	Pool       crypto.PublicKey
}

// GuestOutput returns the prover output committing to d.
func (d *Distribution) GuestOutput() *GuestOutput {
	return &GuestOutput{
		Root:       d.Root,
		TotalBytes: d.TotalBytes,
		EntryCount: uint32(len(d.Entries)),
		Pool:       d.Pool,
	}
}

// Bytes encodes root ‖ total_bytes_le64 ‖ entry_count_le32 ‖ pool.
func (g *GuestOutput) Bytes() []byte {
	out := make([]byte, GuestOutputSize)
	copy(out[0:32], g.Root[:])
	binary.LittleEndian.PutUint64(out[32:40], g.TotalBytes)
	binary.LittleEndian.PutUint32(out[40:44], g.EntryCount)
	copy(out[44:76], g.Pool[:])
	return out
}

// GuestOutputFromBytes decodes a guest output.
func GuestOutputFromBytes(b []byte) (*GuestOutput, error) {
	if len(b) != GuestOutputSize {
		return nil, ErrInvalidGuestOutput
	}
	g := &GuestOutput{
		TotalBytes: binary.LittleEndian.Uint64(b[32:40]),
		EntryCount: binary.LittleEndian.Uint32(b[40:44]),
	}
	copy(g.Root[:], b[0:32])
	copy(g.Pool[:], b[44:76])
	return g, nil
}
