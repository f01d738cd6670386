// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

func exerciseStore(t *testing.T, s Store, expire func(time.Duration)) {
	require := require.New(t)
	ctx := context.Background()

	pk := crypto.PublicKey{0x01}
	require.NoError(Advertise(ctx, s, true, "exit-1", pk, []byte("blob-1")))
	require.NoError(Advertise(ctx, s, false, "relay-1", crypto.PublicKey{0x02}, []byte("blob-2")))

	exits, err := Lookup(ctx, s, true)
	require.NoError(err)
	require.Equal(map[string][]byte{"exit-1": []byte("blob-1")}, exits)

	id, err := ResolvePeer(ctx, s, pk)
	require.NoError(err)
	require.Equal("exit-1", id)

	_, err = s.Get(ctx, ExitKey("missing"))
	require.ErrorIs(err, ErrNotFound)

	expire(RecordTTL + time.Second)

	exits, err = Lookup(ctx, s, true)
	require.NoError(err)
	require.Empty(exits)
	members, err := s.Members(ctx, ExitRegistryKey)
	require.NoError(err)
	require.Empty(members)

	_, err = ResolvePeer(ctx, s, pk)
	require.ErrorIs(err, ErrNotFound)
}

func TestKeys(t *testing.T) {
	require := require.New(t)

	require.Equal("/tunnelcraft/exits/abc", ExitKey("abc"))
	require.Equal("/tunnelcraft/relays/abc", RelayKey("abc"))
	require.Equal("/tunnelcraft/peers/01"+strings.Repeat("0", 62), PeerKey(crypto.PublicKey{0x01}))
}

func TestMemoryStore(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })
	exerciseStore(t, s, func(d time.Duration) { now = now.Add(d) })
	// the lookups above already dropped the exit record and its peer key;
	// the relay record and its peer key are left for Prune
	require.Equal(t, 2, s.Prune())
	require.Equal(t, 0, s.Prune())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), mr.Addr(), "test:")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s, mr.FastForward)
}
