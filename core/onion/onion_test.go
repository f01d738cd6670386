// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

type testRelay struct {
	hop Hop
	key *crypto.EncryptionKeypair
}

func newTestRelays(n int) []testRelay {
	relays := make([]testRelay, n)
	for i := range relays {
		var secret [crypto.KeySize]byte
		for j := range secret {
			secret[j] = byte(0x10 + i)
		}
		k := crypto.EncryptionKeypairFromSecret(secret)
		relays[i] = testRelay{
			hop: Hop{PeerID: []byte(fmt.Sprintf("relay-%d", i)), EncryptionPubkey: k.PublicKey()},
			key: k,
		}
	}
	return relays
}

func settlementFor(n int) []Settlement {
	s := make([]Settlement, n)
	for i := range s {
		s[i] = Settlement{ShardID: crypto.Id{byte(i)}, PayloadSize: 6144, PoolPubkey: crypto.PublicKey{0xaa}}
	}
	return s
}

func TestDirectMode(t *testing.T) {
	require := require.New(t)

	header, eph, err := BuildHeader(nil, []byte("exit"), nil, nil)
	require.NoError(err)
	require.Empty(header)
	require.True(eph.IsZero())
}

func TestBuildAndPeelChain(t *testing.T) {
	require := require.New(t)

	relays := newTestRelays(3)
	hops := []Hop{relays[0].hop, relays[1].hop, relays[2].hop}
	settlement := settlementFor(3)

	header, eph, err := BuildHeader(hops, []byte("exit"), settlement, nil)
	require.NoError(err)

	for i, r := range relays {
		layer, err := Peel(r.key, eph, header)
		require.NoError(err, "hop %d", i)
		require.Equal(settlement[i], layer.Settlement)
		if i < len(relays)-1 {
			require.False(layer.IsTerminal)
			require.Equal(relays[i+1].hop.PeerID, layer.NextPeerID)
			require.NotEmpty(layer.RemainingHeader)
		} else {
			require.True(layer.IsTerminal)
			require.Equal([]byte("exit"), layer.NextPeerID)
			require.Nil(layer.TunnelID)
			require.Empty(layer.RemainingHeader)
		}
		header, eph = layer.RemainingHeader, layer.NextEphemeralPubkey
	}
}

func TestPeelWithWrongKey(t *testing.T) {
	require := require.New(t)

	relays := newTestRelays(2)
	header, eph, err := BuildHeader([]Hop{relays[0].hop}, []byte("exit"), settlementFor(1), nil)
	require.NoError(err)

	_, err = Peel(relays[1].key, eph, header)
	require.ErrorIs(err, crypto.ErrDecryptionFailed)

	_, err = Peel(relays[0].key, eph, nil)
	require.ErrorIs(err, ErrEmptyHeader)
}

func TestGatewayLayer(t *testing.T) {
	require := require.New(t)

	relays := newTestRelays(1)
	tunnel := crypto.Id{0x77}
	header, eph, err := BuildHeader([]Hop{relays[0].hop}, []byte("client"), settlementFor(1), &tunnel)
	require.NoError(err)

	layer, err := Peel(relays[0].key, eph, header)
	require.NoError(err)
	require.True(layer.IsTerminal)
	require.NotNil(layer.TunnelID)
	require.Equal(tunnel, *layer.TunnelID)
}

func TestSettlementMismatch(t *testing.T) {
	relays := newTestRelays(2)
	_, _, err := BuildHeader([]Hop{relays[0].hop, relays[1].hop}, []byte("exit"), settlementFor(1), nil)
	require.ErrorIs(t, err, ErrSettlementMismatch)
}
