// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package receipt

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
)

func testSigner(t *testing.T, b byte) *crypto.SigningKeypair {
	var seed [crypto.SeedSize]byte
	for i := range seed {
		seed[i] = b
	}
	k, err := crypto.SigningKeypairFromSeed(seed)
	require.NoError(t, err)
	return k
}

func TestSignableLayout(t *testing.T) {
	require := require.New(t)

	r := &ForwardReceipt{
		ShardID:        crypto.Id{0x01},
		SenderPubkey:   crypto.PublicKey{0x02},
		ReceiverPubkey: crypto.PublicKey{0x03},
		PoolPubkey:     crypto.PublicKey{0x04},
		PayloadSize:    0x01020304,
		Timestamp:      0x0a0b,
	}
	b := r.SignableData()
	require.Len(b, 140)
	require.Equal(byte(0x01), b[0])
	require.Equal(byte(0x02), b[32])
	require.Equal(byte(0x03), b[64])
	require.Equal(byte(0x04), b[96])
	require.Equal([]byte{0x04, 0x03, 0x02, 0x01}, b[128:132])
	require.Equal([]byte{0x0b, 0x0a, 0, 0, 0, 0, 0, 0}, b[132:140])
}

func TestSignVerify(t *testing.T) {
	require := require.New(t)

	relay := testSigner(t, 0x05)
	r := New(relay, crypto.Id{0x01}, crypto.PublicKey{0x02}, crypto.PublicKey{0x04}, 6144, 1000)
	require.True(r.Verify())

	r2 := *r
	r2.PayloadSize++
	require.False(r2.Verify())

	r3 := *r
	r3.ReceiverPubkey = testSigner(t, 0x06).PublicKey()
	require.False(r3.Verify())
}

func TestShardIDsDistinctPerRelay(t *testing.T) {
	require := require.New(t)

	req := crypto.Id{0x42}
	seen := make(map[crypto.Id]bool)
	for i := byte(0); i < 4; i++ {
		id := DeriveShardID(req, 0, 3, testSigner(t, 0x10+i).PublicKey())
		require.False(seen[id])
		seen[id] = true
	}
	relay := testSigner(t, 0x10).PublicKey()
	require.NotEqual(DeriveShardID(req, 0, 3, relay), DeriveShardID(req, 1, 3, relay))
	require.NotEqual(DeriveShardID(req, 0, 3, relay), DeriveShardID(req, 0, 4, relay))

	var ci = []byte{0x00, 0x01}
	want := crypto.Sum256(req[:], []byte("shard"), ci, []byte{3}, relay[:])
	require.Equal(crypto.Id(want), DeriveShardID(req, 1, 3, relay))
	require.NotEqual(DeriveShardID(req, 1, 3, relay), DeriveResponseShardID(req, 1, 3, relay))
}

func TestReplayFilter(t *testing.T) {
	require := require.New(t)

	f, err := NewReplayFilter(rand.Reader, 16, 0.001)
	require.NoError(err)

	relay := testSigner(t, 0x05)
	r := New(relay, crypto.Id{0x01}, crypto.PublicKey{0x02}, crypto.PublicKey{0x04}, 10, 1)
	require.NoError(f.Check(r))
	resigned := New(relay, crypto.Id{0x01}, crypto.PublicKey{0x02}, crypto.PublicKey{0x04}, 10, 2)
	require.ErrorIs(f.Check(resigned), ErrReplay)
	require.Equal(1, f.Entries())
}

func TestBatch(t *testing.T) {
	require := require.New(t)

	pool := crypto.PublicKey{0x04}
	relay := testSigner(t, 0x05)
	b := NewBatch(pool, 7)

	r1 := New(relay, crypto.Id{0x01}, crypto.PublicKey{0x02}, pool, 100, 1)
	r2 := New(relay, crypto.Id{0x02}, crypto.PublicKey{0x02}, pool, 50, 1)
	require.NoError(b.Add(r1))
	require.NoError(b.Add(r2))
	require.ErrorIs(b.Add(r1), ErrReplay)
	require.ErrorIs(b.Add(New(relay, crypto.Id{0x03}, crypto.PublicKey{0x02}, crypto.PublicKey{0x09}, 1, 1)), ErrInvalid)

	require.Equal(2, b.Len())
	require.Equal(uint64(150), b.Bytes())
	require.Equal(merkle.Node(r1.Leaf(), r2.Leaf()), b.Root())
}
