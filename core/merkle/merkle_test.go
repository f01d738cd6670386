// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package merkle

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

func TestRootShapes(t *testing.T) {
	require := require.New(t)

	require.Equal(Hash{}, Root(nil))

	a := sha256.Sum256([]byte("a"))
	b := sha256.Sum256([]byte("b"))
	c := sha256.Sum256([]byte("c"))
	require.Equal(a, Root([]Hash{a}))
	require.Equal(Node(a, b), Root([]Hash{a, b}))
	require.Equal(Node(Node(a, b), Node(c, Hash{})), Root([]Hash{a, b, c}))
}

func TestProveVerify(t *testing.T) {
	require := require.New(t)

	for n := 1; n <= 9; n++ {
		leaves := make([]Hash, n)
		for i := range leaves {
			leaves[i] = sha256.Sum256([]byte{byte(i)})
		}
		root := Root(leaves)
		for i := range leaves {
			p, err := Prove(leaves, i)
			require.NoError(err)
			require.True(Verify(leaves[i], p, root), "n=%d i=%d", n, i)
			require.False(Verify(sha256.Sum256([]byte("x")), p, root))
		}
		_, err := Prove(leaves, n)
		require.ErrorIs(err, ErrIndexOutOfRange)
	}
}

func TestDistribution(t *testing.T) {
	require := require.New(t)

	pool := crypto.PublicKey{0xee}
	r1, r2, r3 := crypto.PublicKey{0x03}, crypto.PublicKey{0x01}, crypto.PublicKey{0x02}
	d := BuildDistribution(pool, []Entry{
		{RelayPubkey: r1, Bytes: 250_000},
		{RelayPubkey: r2, Bytes: 500_000},
		{RelayPubkey: r3, Bytes: 200_000},
		{RelayPubkey: r3, Bytes: 50_000},
		{RelayPubkey: crypto.PublicKey{0x09}, Bytes: 0},
	})
	require.Equal(uint64(1_000_000), d.TotalBytes)
	require.Len(d.Entries, 3)
	require.Equal(r2, d.Entries[0].RelayPubkey)
	require.Equal(r3, d.Entries[1].RelayPubkey)

	want := Node(Node(Leaf(r2, 500_000), Leaf(r3, 250_000)), Node(Leaf(r1, 250_000), Hash{}))
	require.Equal(want, d.Root)

	n, p, err := d.ProofFor(r1)
	require.NoError(err)
	require.Equal(uint64(250_000), n)
	require.True(VerifyClaim(d.Root, r1, n, p))
	require.False(VerifyClaim(d.Root, r1, n+1, p))

	_, _, err = d.ProofFor(crypto.PublicKey{0x09})
	require.ErrorIs(err, ErrUnknownRelay)

	g := d.GuestOutput()
	raw := g.Bytes()
	require.Len(raw, GuestOutputSize)
	g2, err := GuestOutputFromBytes(raw)
	require.NoError(err)
	require.Equal(g, g2)
	require.Equal(uint32(3), g2.EntryCount)

	_, err = GuestOutputFromBytes(raw[:75])
	require.ErrorIs(err, ErrInvalidGuestOutput)
}
