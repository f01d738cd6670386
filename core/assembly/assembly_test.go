// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package assembly

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
)

var pool = crypto.PublicKey{0xaa}

type piece struct {
	tag  *payload.RoutingTag
	data []byte
}

func encode(t *testing.T, id crypto.Id, b []byte) []piece {
	chunks, err := erasure.EncodeFramed(b)
	require.NoError(t, err)
	var out []piece
	for c, shards := range chunks {
		for i, data := range shards {
			out = append(out, piece{
				tag: &payload.RoutingTag{
					AssemblyID:  id,
					ShardIndex:  uint8(i),
					TotalShards: erasure.TotalShards,
					ChunkIndex:  uint16(c),
					TotalChunks: uint16(len(chunks)),
					PoolPubkey:  pool,
				},
				data: data,
			})
		}
	}
	return out
}

func TestReadyAtDataShards(t *testing.T) {
	require := require.New(t)

	msg := bytes.Repeat([]byte{0x74}, erasure.ChunkSize+100)
	pieces := encode(t, crypto.Id{1}, msg)
	require.Len(pieces, 2*erasure.TotalShards)

	c := NewCollector(Limits{})
	// Chunk 0 complete, chunk 1 one short.
	for _, p := range append(append([]piece{}, pieces[0:3]...), pieces[5:7]...) {
		a, err := c.Add(p.tag, "peer", 0, p.data)
		require.NoError(err)
		require.Nil(a)
	}
	require.Equal(1, c.Len())
	require.Equal(1, c.PoolLen(pool))

	// Re-delivering a shard changes nothing.
	a, err := c.Add(pieces[5].tag, "other", 0, pieces[5].data)
	require.NoError(err)
	require.Nil(a)

	a, err = c.Add(pieces[9].tag, "other", 0, pieces[9].data)
	require.NoError(err)
	require.NotNil(a)
	require.Equal([]string{"peer", "other"}, a.From)
	require.Equal(6, a.Shards())
	require.Equal(1, c.Len())

	out, err := a.Decode()
	require.NoError(err)
	require.Equal(msg, out)

	require.True(c.Complete(a.ID))
	require.False(c.Complete(a.ID))
	require.True(c.Done(a.ID))
	require.Zero(c.Len())
	require.Zero(c.PoolLen(pool))

	_, err = c.Add(pieces[4].tag, "peer", 0, pieces[4].data)
	require.ErrorIs(err, ErrComplete)
}

func TestLimits(t *testing.T) {
	require := require.New(t)

	c := NewCollector(Limits{MaxPending: 2, MaxPerPool: 1})
	p1 := encode(t, crypto.Id{1}, []byte("a"))
	p2 := encode(t, crypto.Id{2}, []byte("b"))
	p3 := encode(t, crypto.Id{3}, []byte("c"))

	_, err := c.Add(p1[0].tag, "x", 0, p1[0].data)
	require.NoError(err)
	_, err = c.Add(p2[0].tag, "x", 0, p2[0].data)
	require.ErrorIs(err, ErrRateLimited)

	p3[0].tag.PoolPubkey = crypto.PublicKey{0xbb}
	_, err = c.Add(p3[0].tag, "x", 0, p3[0].data)
	require.NoError(err)

	p4 := encode(t, crypto.Id{4}, []byte("d"))
	p4[0].tag.PoolPubkey = crypto.PublicKey{0xcc}
	_, err = c.Add(p4[0].tag, "x", 0, p4[0].data)
	require.ErrorIs(err, ErrRateLimited)

	require.True(c.Cancel(crypto.Id{1}))
	require.False(c.Cancel(crypto.Id{1}))
	_, err = c.Add(p2[0].tag, "x", 0, p2[0].data)
	require.NoError(err)
}

func TestInconsistentTags(t *testing.T) {
	require := require.New(t)

	c := NewCollector(Limits{})
	p := encode(t, crypto.Id{1}, []byte("hello"))
	_, err := c.Add(p[0].tag, "x", 0, p[0].data)
	require.NoError(err)

	bad := *p[1].tag
	bad.TotalChunks = 2
	_, err = c.Add(&bad, "x", 0, p[1].data)
	require.ErrorIs(err, ErrInconsistent)

	_, err = c.Add(p[0].tag, "x", 0, []byte("different"))
	require.ErrorIs(err, ErrInconsistent)

	invalid := *p[1].tag
	invalid.ShardIndex = erasure.TotalShards
	_, err = c.Add(&invalid, "x", 0, p[1].data)
	require.ErrorIs(err, payload.ErrMalformed)
}

func TestSweep(t *testing.T) {
	require := require.New(t)

	now := time.Unix(1700000000, 0)
	c := NewCollector(Limits{TTL: time.Minute})
	c.SetClock(func() time.Time { return now })

	old := encode(t, crypto.Id{1}, []byte("old"))
	_, err := c.Add(old[0].tag, "x", 0, old[0].data)
	require.NoError(err)

	now = now.Add(30 * time.Second)
	young := encode(t, crypto.Id{2}, []byte("young"))
	_, err = c.Add(young[0].tag, "x", 0, young[0].data)
	require.NoError(err)

	now = now.Add(31 * time.Second)
	evicted := c.Sweep()
	require.Len(evicted, 1)
	require.Equal(crypto.Id{1}, evicted[0].ID)
	require.Equal(1, c.Len())

	now = now.Add(time.Minute)
	require.Len(c.Sweep(), 1)
	require.Zero(c.Len())
	require.Zero(c.PoolLen(pool))
}

func TestRetryAfterCorruptShard(t *testing.T) {
	require := require.New(t)

	msg := []byte("a request that must survive one bad shard")
	pieces := encode(t, crypto.Id{1}, msg)
	require.Len(pieces, erasure.TotalShards)
	bad := append([]byte(nil), pieces[0].data...)
	bad[0] ^= 0xff

	c := NewCollector(Limits{})
	_, err := c.Add(pieces[0].tag, "x", 0, bad)
	require.NoError(err)
	_, err = c.Add(pieces[1].tag, "x", 0, pieces[1].data)
	require.NoError(err)
	a, err := c.Add(pieces[2].tag, "x", 0, pieces[2].data)
	require.NoError(err)
	require.NotNil(a)

	out, err := a.Decode()
	if err == nil {
		require.NotEqual(msg, out)
	}

	// A shard arriving mid attempt is held until the attempt is reported.
	a, err = c.Add(pieces[3].tag, "x", 0, pieces[3].data)
	require.NoError(err)
	require.Nil(a)

	a = c.Retry(crypto.Id{1})
	require.NotNil(a)
	require.Equal(1, a.Attempt)
	require.Nil(c.Retry(crypto.Id{1}))
	require.Equal(1, c.Len())

	// With every shard present the corrupt one is outvoted.
	a, err = c.Add(pieces[4].tag, "x", 0, pieces[4].data)
	require.NoError(err)
	require.NotNil(a)
	out, err = a.Decode()
	require.NoError(err)
	require.Equal(msg, out)
	require.True(c.Complete(a.ID))
	require.Zero(c.Len())
}

func TestTotalHopsMustAgree(t *testing.T) {
	require := require.New(t)

	c := NewCollector(Limits{})
	p := encode(t, crypto.Id{1}, []byte("hops"))
	_, err := c.Add(p[0].tag, "x", 2, p[0].data)
	require.NoError(err)
	_, err = c.Add(p[1].tag, "x", 1, p[1].data)
	require.ErrorIs(err, ErrInconsistent)
	a, err := c.Add(p[1].tag, "x", 2, p[1].data)
	require.NoError(err)
	require.Nil(a)
	a, err = c.Add(p[2].tag, "x", 2, p[2].data)
	require.NoError(err)
	require.EqualValues(2, a.TotalHops)
}
