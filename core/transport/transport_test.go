// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/wire"
)

type testHandler struct {
	sync.Mutex

	shards []*wire.Shard
	leases []*wire.LeaseRequest
	gossip chan []byte
}

func newTestHandler() *testHandler {
	return &testHandler{gossip: make(chan []byte, 8)}
}

func (h *testHandler) OnShard(_ context.Context, from *Peer, s *wire.Shard) *wire.Frame {
	h.Lock()
	h.shards = append(h.shards, s)
	h.Unlock()
	if s.HopsRemaining == 0xff {
		return wire.NewNack(0, wire.ReasonPolicy)
	}
	return wire.NewAck(0, nil)
}

func (h *testHandler) OnLease(from *Peer, l *wire.LeaseRequest) *wire.Frame {
	h.Lock()
	defer h.Unlock()
	h.leases = append(h.leases, l)
	return nil
}

func (h *testHandler) OnGossip(from *Peer, b []byte) {
	h.gossip <- b
}

func newTestManager(t *testing.T, seed byte, h Handler) *Manager {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	var s [crypto.SeedSize]byte
	for i := range s {
		s[i] = seed
	}
	signer, err := crypto.SigningKeypairFromSeed(s)
	require.NoError(t, err)
	m := NewManager(logBackend, signer, Config{RetryBaseDelay: 10 * time.Millisecond, RetryMaxDelay: 50 * time.Millisecond}, h)
	t.Cleanup(m.Halt)
	return m
}

func connectedPair(t *testing.T) (*Manager, *Manager, *testHandler, *testHandler) {
	require := require.New(t)

	ha, hb := newTestHandler(), newTestHandler()
	a, b := newTestManager(t, 0x0a, ha), newTestManager(t, 0x0b, hb)

	addr, err := b.Listen("tcp://127.0.0.1:0")
	require.NoError(err)
	_, err = a.Dial(context.Background(), "tcp://"+addr.String())
	require.NoError(err)
	require.Eventually(func() bool { return b.IsConnected(a.PeerID()) }, time.Second, 5*time.Millisecond)
	return a, b, ha, hb
}

func TestStalledPeerWriteTimeout(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	local, remote := net.Pipe()
	defer remote.Close()

	// remote never reads, so the first write blocks until the deadline
	s := newSession(logBackend.GetLogger("transport:test"), local, &Peer{ID: "remote"}, newTestHandler(), 4, 50*time.Millisecond)
	defer s.Halt()

	start := time.Now()
	err = s.SendGossip([]byte("hello"))
	require.ErrorIs(err, os.ErrDeadlineExceeded)
	require.Less(time.Since(start), 5*time.Second)

	select {
	case <-s.CloseCh():
	case <-time.After(time.Second):
		require.Fail("session left open after a write timeout")
	}

	_, err = s.SendShard(context.Background(), &wire.Shard{})
	require.ErrorIs(err, ErrNetwork)
}

func TestShardAckNack(t *testing.T) {
	require := require.New(t)
	a, b, _, hb := connectedPair(t)

	require.Equal([]string{b.PeerID()}, a.Peers())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			resp, err := a.Send(ctx, b.PeerID(), &wire.Shard{Payload: []byte(fmt.Sprintf("shard-%d", i))})
			if err == nil && resp.Type != wire.FrameAck {
				err = fmt.Errorf("unexpected %v", resp.Type)
			}
			errCh <- err
		}(i)
	}
	for i := 0; i < 16; i++ {
		require.NoError(<-errCh)
	}

	resp, err := a.Send(ctx, b.PeerID(), &wire.Shard{HopsRemaining: 0xff})
	require.NoError(err)
	require.Equal(wire.FrameNack, resp.Type)
	require.Equal(wire.ReasonPolicy, resp.Reason)

	hb.Lock()
	require.Len(hb.shards, 17)
	hb.Unlock()

	_, err = a.Send(ctx, "unknown", &wire.Shard{})
	require.ErrorIs(err, ErrNotConnected)
}

func TestLeaseAndGossip(t *testing.T) {
	require := require.New(t)
	a, b, ha, hb := connectedPair(t)

	s, ok := a.Session(b.PeerID())
	require.True(ok)
	resp, err := s.RegisterLease(context.Background(), &wire.LeaseRequest{TunnelID: crypto.Id{0x01}, ExpiresAt: 10})
	require.NoError(err)
	require.Equal(wire.FrameAck, resp.Type)
	hb.Lock()
	require.Len(hb.leases, 1)
	hb.Unlock()

	b.Broadcast("", &gossip.Envelope{Topic: gossip.TopicTopology, Data: []byte("{}"), Hops: 2})
	select {
	case raw := <-ha.gossip:
		e, err := DecodeGossip(raw)
		require.NoError(err)
		require.Equal(gossip.TopicTopology, e.Topic)
		require.Equal(uint8(2), e.Hops)
	case <-time.After(5 * time.Second):
		t.Fatal("gossip not delivered")
	}

	b.Broadcast(a.PeerID(), &gossip.Envelope{Topic: gossip.TopicTopology, Data: []byte("{}")})
	select {
	case <-ha.gossip:
		t.Fatal("gossip delivered to excluded peer")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectFailsInflight(t *testing.T) {
	require := require.New(t)
	a, b, _, _ := connectedPair(t)

	s, ok := a.Session(b.PeerID())
	require.True(ok)
	s.Close()

	_, err := s.SendShard(context.Background(), &wire.Shard{})
	require.ErrorIs(err, ErrNetwork)
	require.Eventually(func() bool { return !a.IsConnected(b.PeerID()) }, time.Second, 5*time.Millisecond)
	require.Eventually(func() bool { return !b.IsConnected(a.PeerID()) }, time.Second, 5*time.Millisecond)
}

func TestMaintainRedials(t *testing.T) {
	require := require.New(t)

	a, b := newTestManager(t, 0x0a, newTestHandler()), newTestManager(t, 0x0b, newTestHandler())
	addr, err := b.Listen("tcp://127.0.0.1:0")
	require.NoError(err)

	a.Maintain("tcp://" + addr.String())
	require.Eventually(func() bool { return a.IsConnected(b.PeerID()) }, 5*time.Second, 5*time.Millisecond)

	old, _ := a.Session(b.PeerID())
	s, _ := b.Session(a.PeerID())
	s.Close()
	require.Eventually(func() bool {
		cur, ok := a.Session(b.PeerID())
		return ok && cur != old
	}, 5*time.Second, 5*time.Millisecond)
}

func TestParseBootstrapPeer(t *testing.T) {
	require := require.New(t)

	id, addr, err := ParseBootstrapPeer("abcd@tcp://127.0.0.1:9000")
	require.NoError(err)
	require.Equal("abcd", id)
	require.Equal("tcp://127.0.0.1:9000", addr)

	id, addr, err = ParseBootstrapPeer("quic://127.0.0.1:9000")
	require.NoError(err)
	require.Empty(id)
	require.Equal("quic://127.0.0.1:9000", addr)

	_, _, err = ParseBootstrapPeer("127.0.0.1:9000")
	require.Error(err)
}

func TestSelfConnectionRejected(t *testing.T) {
	require := require.New(t)

	a := newTestManager(t, 0x0a, newTestHandler())
	addr, err := a.Listen("tcp://127.0.0.1:0")
	require.NoError(err)
	_, err = a.Dial(context.Background(), "tcp://"+addr.String())
	require.ErrorIs(err, ErrHandshake)
}

func TestQUICTransport(t *testing.T) {
	require := require.New(t)

	a, b := newTestManager(t, 0x0a, newTestHandler()), newTestManager(t, 0x0b, newTestHandler())
	addr, err := b.Listen("quic://127.0.0.1:0")
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = a.Dial(ctx, "quic://"+addr.String())
	require.NoError(err)

	resp, err := a.Send(ctx, b.PeerID(), &wire.Shard{Payload: []byte("over quic")})
	require.NoError(err)
	require.Equal(wire.FrameAck, resp.Type)
}
