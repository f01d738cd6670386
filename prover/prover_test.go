// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package prover

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
	"github.com/tunnelcraft/tunnelcraft/core/receipt"
)

func testBatch(t *testing.T, n int) *receipt.Batch {
	var seed [crypto.SeedSize]byte
	seed[0] = 0x42
	signer, err := crypto.SigningKeypairFromSeed(seed)
	require.NoError(t, err)

	pool := crypto.PublicKey{0x0f}
	b := receipt.NewBatch(pool, 1)
	for i := 0; i < n; i++ {
		r := receipt.New(signer, crypto.Id{byte(i)}, crypto.PublicKey{0x01}, pool, 1000, uint64(i))
		require.NoError(t, b.Add(r))
	}
	return b
}

func TestNew(t *testing.T) {
	require := require.New(t)

	p, err := New("")
	require.NoError(err)
	require.IsType(MockProver{}, p)
	p, err = New("Merkle")
	require.NoError(err)
	require.IsType(MerkleProver{}, p)
	_, err = New("zk")
	require.Error(err)
}

func TestMockProver(t *testing.T) {
	require := require.New(t)

	b := testBatch(t, 3)
	root, proof, err := MockProver{}.Prove(b)
	require.NoError(err)
	require.Equal(b.Root(), root)
	require.Empty(proof)
	require.True(MockProver{}.Verify(merkle.Hash{}, nil, 0))

	_, _, err = MockProver{}.Prove(receipt.NewBatch(crypto.PublicKey{}, 0))
	require.ErrorIs(err, ErrEmptyBatch)
}

func TestMerkleProver(t *testing.T) {
	require := require.New(t)

	b := testBatch(t, 5)
	root, proof, err := MerkleProver{}.Prove(b)
	require.NoError(err)
	require.Equal(b.Root(), root)

	require.True(MerkleProver{}.Verify(root, proof, 5000))
	require.False(MerkleProver{}.Verify(root, proof, 4999))
	require.False(MerkleProver{}.Verify(merkle.Hash{0x01}, proof, 5000))
	require.False(MerkleProver{}.Verify(root, []byte{0xff}, 5000))
}
