// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/log"
)

// mesh wires routers together in memory.
type mesh struct {
	sync.Mutex
	routers map[string]*Router
	links   map[string][]string
	sent    int
}

type meshSender struct {
	m    *mesh
	self string
}

func (s *meshSender) Broadcast(except string, e *Envelope) {
	s.m.Lock()
	peers := s.m.links[s.self]
	s.m.sent += len(peers)
	s.m.Unlock()
	for _, p := range peers {
		if p == except {
			continue
		}
		cp := *e
		s.m.routers[p].HandleIncoming(s.self, &cp)
	}
}

func newMesh(t *testing.T, links map[string][]string) *mesh {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	m := &mesh{routers: make(map[string]*Router), links: links}
	for id := range links {
		m.routers[id] = NewRouter(backend.GetLogger("gossip:"+id), &meshSender{m: m, self: id})
	}
	return m
}

func TestFloodDeduplicates(t *testing.T) {
	require := require.New(t)

	// a triangle plus a tail: a-b, b-c, c-a, c-d
	m := newMesh(t, map[string][]string{
		"a": {"b", "c"},
		"b": {"a", "c"},
		"c": {"a", "b", "d"},
		"d": {"c"},
	})
	chB := m.routers["b"].Subscribe(TopicRelayStatus, 8)
	chD := m.routers["d"].Subscribe(TopicRelayStatus, 8)
	chA := m.routers["a"].Subscribe(TopicRelayStatus, 8)

	st := &RelayStatus{Kind: StatusHeartbeat, PeerID: "a", Load: 3}
	require.NoError(m.routers["a"].Publish(TopicRelayStatus, st))

	for _, ch := range []<-chan *Envelope{chB, chD} {
		select {
		case e := <-ch:
			var got RelayStatus
			require.NoError(e.Decode(&got))
			require.Equal(*st, got)
		case <-time.After(time.Second):
			t.Fatal("no delivery")
		}
		require.Len(ch, 0)
	}
	require.Len(chA, 0)
}

func TestPublishTooLarge(t *testing.T) {
	m := newMesh(t, map[string][]string{"a": nil})
	err := m.routers["a"].PublishRaw(TopicProofs, make([]byte, MaxMessageSize+1))
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestProofMessageSignature(t *testing.T) {
	require := require.New(t)

	var seed [crypto.SeedSize]byte
	seed[0] = 9
	k, err := crypto.SigningKeypairFromSeed(seed)
	require.NoError(err)

	m := &ProofMessage{PoolPubkey: crypto.PublicKey{1}, Epoch: 2, NewRoot: [32]byte{3}, BatchCount: 4, BatchBytes: 100, CumulativeBytes: 100}
	m.Sign(k)
	require.True(m.Verify())
	m.CumulativeBytes++
	require.False(m.Verify())
}

func testKey(t *testing.T, b byte) *crypto.SigningKeypair {
	var seed [crypto.SeedSize]byte
	seed[0] = b
	k, err := crypto.SigningKeypairFromSeed(seed)
	require.NoError(t, err)
	return k
}

func TestStatusSignatures(t *testing.T) {
	require := require.New(t)

	owner, other := testKey(t, 1), testKey(t, 2)

	r := &RelayStatus{Kind: StatusOffline, QueueDepth: 2, Timestamp: 10}
	r.Sign(owner)
	require.Equal(owner.PublicKey().String(), r.PeerID)
	require.True(r.Verify())

	forged := *r
	forged.Timestamp++
	require.False(forged.Verify())

	// a signature from another key over the owner's id
	forged = RelayStatus{Kind: StatusOffline, Timestamp: 11}
	forged.Sign(other)
	forged.PeerID = r.PeerID
	require.False(forged.Verify())

	unsigned := RelayStatus{Kind: StatusOffline, PeerID: r.PeerID, Pubkey: r.Pubkey, Timestamp: 12}
	require.False(unsigned.Verify())

	e := &ExitStatus{Kind: StatusHeartbeat, EncPubkey: crypto.PublicKey{7}, Load: 5, Region: "eu", Timestamp: 10}
	e.Sign(owner)
	require.True(e.Verify())

	fe := *e
	fe.EncPubkey = crypto.PublicKey{8}
	require.False(fe.Verify())
	fe = *e
	fe.Region = "us"
	require.False(fe.Verify())

	// statuses are not interchangeable across topics
	cross := ExitStatus{Kind: r.Kind, PeerID: r.PeerID, Pubkey: r.Pubkey, Timestamp: r.Timestamp, Signature: r.Signature}
	require.False(cross.Verify())
}

func TestLiveness(t *testing.T) {
	require := require.New(t)

	now := time.Unix(1000, 0)
	l := NewLiveness()
	l.SetClock(func() time.Time { return now })
	l.Observe("a", StatusHeartbeat)
	l.Observe("b", StatusHeartbeat)
	require.True(l.Online("a"))

	l.Observe("b", StatusOffline)
	require.False(l.Online("b"))

	now = now.Add(OfflineAfter + time.Second)
	require.False(l.Online("a"))
	require.Equal([]string{"a"}, l.Prune())
}
