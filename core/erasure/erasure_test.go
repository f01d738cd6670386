// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package erasure

import (
	"io"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func randBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	require.NoError(t, err)
	return b
}

func TestRoundTripBoundaries(t *testing.T) {
	require := require.New(t)

	for _, n := range []int{0, 1, 2, 3, ChunkSize - 5, ChunkSize - 4, ChunkSize, ChunkSize + 1, 3*ChunkSize + 7} {
		msg := randBytes(t, n)
		chunks, err := EncodeFramed(msg)
		require.NoError(err)
		require.Equal(NumChunks(n+FrameHeaderSize), len(chunks))

		for _, shards := range chunks {
			require.Len(shards, TotalShards)
			for _, s := range shards {
				require.Equal(len(shards[0]), len(s))
			}
		}

		out, err := DecodeFramed(chunks)
		require.NoError(err, "n=%d", n)
		require.Equal(msg, out, "n=%d", n)
	}
}

func TestOneBytePayload(t *testing.T) {
	require := require.New(t)

	chunks, err := ChunkAndEncode([]byte{0x42})
	require.NoError(err)
	require.Len(chunks, 1)
	require.Len(chunks[0], TotalShards)
	require.Len(chunks[0][0], 1)

	out, err := Decode(chunks[0], 1)
	require.NoError(err)
	require.Equal([]byte{0x42}, out)
}

func TestDecodeWithMissingShards(t *testing.T) {
	require := require.New(t)

	msg := randBytes(t, 1000)
	chunks, err := ChunkAndEncode(msg)
	require.NoError(err)

	shards := append([][]byte(nil), chunks[0]...)
	shards[0] = nil
	shards[2] = nil
	out, err := Decode(shards, len(msg))
	require.NoError(err)
	require.Equal(msg, out)

	shards[4] = nil
	_, err = Decode(shards, len(msg))
	require.ErrorIs(err, ErrInsufficientShards)
}

func TestDecodeRejectsMismatchedLengths(t *testing.T) {
	require := require.New(t)

	chunks, err := ChunkAndEncode(randBytes(t, 30))
	require.NoError(err)
	shards := append([][]byte(nil), chunks[0]...)
	shards[1] = shards[1][:3]
	_, err = Decode(shards, 0)
	require.ErrorIs(err, ErrInvalidShards)

	_, err = Decode(shards[:4], 0)
	require.ErrorIs(err, ErrInvalidShards)
}

func TestUnframe(t *testing.T) {
	require := require.New(t)

	_, err := Unframe([]byte{1, 0})
	require.ErrorIs(err, ErrInvalidFrame)
	_, err = Unframe([]byte{5, 0, 0, 0, 1})
	require.ErrorIs(err, ErrInvalidFrame)

	b, err := Unframe(append(Frame([]byte("abc")), 0, 0))
	require.NoError(err)
	require.Equal([]byte("abc"), b)
}

func TestReassembleMissingChunk(t *testing.T) {
	_, err := Reassemble(map[int][]byte{0: {1}}, 2, 1)
	require.ErrorIs(t, err, ErrInsufficientShards)
}

func TestDecodeAttemptCorruptShard(t *testing.T) {
	require := require.New(t)

	msg := randBytes(t, 900)
	chunks, err := ChunkAndEncode(msg)
	require.NoError(err)
	require.Len(chunks, 1)

	corrupt := make([][]byte, TotalShards)
	for i, s := range chunks[0] {
		corrupt[i] = append([]byte(nil), s...)
	}
	corrupt[1][0] ^= 0xff

	// All five shards: the majority codeword wins outright.
	out, err := DecodeAttempt(corrupt, len(msg), 0)
	require.NoError(err)
	require.Equal(msg, out)

	// Four shards cannot tell which one is bad, but some attempt is right.
	corrupt[4] = nil
	found := false
	for attempt := 0; attempt < 4; attempt++ {
		out, err = DecodeAttempt(corrupt, len(msg), attempt)
		require.NoError(err)
		if string(out) == string(msg) {
			found = true
		}
	}
	require.True(found)
}

func TestChunkCountFitsTag(t *testing.T) {
	require := require.New(t)

	require.NoError(checkChunks(1<<16 - 1))
	require.ErrorIs(checkChunks(1<<16), ErrTooLarge)
	require.EqualValues(MaxChunks, uint16(MaxChunks))
}

func TestSubsets(t *testing.T) {
	require := require.New(t)

	require.Len(subsets([]int{0, 1, 2, 3, 4}, DataShards), 10)
	require.Equal([][]int{{0, 2, 3}}, subsets([]int{0, 2, 3}, DataShards))
}
