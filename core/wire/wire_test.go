// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/receipt"
)

func TestFrameStream(t *testing.T) {
	require := require.New(t)

	var seed [crypto.SeedSize]byte
	signer, err := crypto.SigningKeypairFromSeed(seed)
	require.NoError(err)

	s := &Shard{
		EphemeralPubkey: crypto.PublicKey{0x01},
		Header:          []byte("header"),
		Payload:         []byte("payload"),
		RoutingTag:      []byte("tag"),
		TotalHops:       2,
		HopsRemaining:   1,
	}
	r := receipt.New(signer, crypto.Id{0x01}, crypto.PublicKey{0x02}, crypto.PublicKey{0x03}, 7, 9)

	var buf bytes.Buffer
	require.NoError(WriteFrame(&buf, NewShardFrame(1, s)))
	require.NoError(WriteFrame(&buf, NewAck(1, r)))
	require.NoError(WriteFrame(&buf, NewNack(2, ReasonDecrypt)))

	f, err := ReadFrame(&buf)
	require.NoError(err)
	require.Equal(FrameShard, f.Type)
	require.Equal(s, f.Shard)
	require.False(f.Shard.IsDirect())

	f, err = ReadFrame(&buf)
	require.NoError(err)
	require.Equal(FrameAck, f.Type)
	require.True(f.Receipt.Verify())

	f, err = ReadFrame(&buf)
	require.NoError(err)
	require.Equal(FrameNack, f.Type)
	require.Equal(uint64(2), f.SeqID)
	require.Equal(ReasonDecrypt, f.Reason)
}

func TestFrameLimits(t *testing.T) {
	require := require.New(t)

	big := &Shard{Payload: make([]byte, MaxFrameSize)}
	require.ErrorIs(WriteFrame(new(bytes.Buffer), NewShardFrame(1, big)), ErrFrameTooLarge)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	require.ErrorIs(err, ErrFrameTooLarge)

	var buf bytes.Buffer
	require.NoError(WriteFrame(&buf, &Frame{Type: FrameShard, SeqID: 1}))
	_, err = ReadFrame(&buf)
	require.ErrorIs(err, ErrInvalidFrame)
}

func TestHelloAndGossip(t *testing.T) {
	require := require.New(t)

	var seed [crypto.SeedSize]byte
	seed[0] = 7
	signer, err := crypto.SigningKeypairFromSeed(seed)
	require.NoError(err)

	var buf bytes.Buffer
	require.NoError(WriteFrame(&buf, NewHello(signer, "peer-a", 100)))
	require.NoError(WriteFrame(&buf, NewGossipFrame([]byte{0xa0})))

	f, err := ReadFrame(&buf)
	require.NoError(err)
	require.Equal(FrameHello, f.Type)
	require.True(f.Hello.Verify())
	f.Hello.PeerID = "peer-b"
	require.False(f.Hello.Verify())

	f, err = ReadFrame(&buf)
	require.NoError(err)
	require.Equal(FrameGossip, f.Type)
	require.Equal([]byte{0xa0}, f.Gossip)

	require.NoError(WriteFrame(&buf, &Frame{Type: FrameGossip}))
	_, err = ReadFrame(&buf)
	require.ErrorIs(err, ErrInvalidFrame)
}

func TestLeaseFrame(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteFrame(&buf, NewLeaseFrame(3, &LeaseRequest{TunnelID: crypto.Id{0x09}, ExpiresAt: 60})))
	require.NoError(WriteFrame(&buf, NewLeaseFrame(4, &LeaseRequest{})))

	f, err := ReadFrame(&buf)
	require.NoError(err)
	require.Equal(FrameLease, f.Type)
	require.Equal(uint64(60), f.Lease.ExpiresAt)
	require.Equal("lease", f.Type.String())

	_, err = ReadFrame(&buf)
	require.ErrorIs(err, ErrInvalidFrame)
}
