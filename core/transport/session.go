// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/wire"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
)

const (
	// KeepAliveInterval is the QUIC keepalive period.
	KeepAliveInterval = 15 * time.Second

	// DefaultHandshakeTimeout bounds the Hello exchange.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultInflightPerPeer bounds the shards a peer may have outstanding
	// with us.
	DefaultInflightPerPeer = 256

	// DefaultWriteTimeout bounds a single frame write. A peer that stops
	// reading for longer is disconnected.
	DefaultWriteTimeout = 30 * time.Second

	// MaxClockSkew bounds the Hello timestamp.
	MaxClockSkew = 5 * time.Minute
)

var (
	// ErrNetwork is returned when a session drops with requests
	// outstanding.
	ErrNetwork = errors.New("transport: network error")

	// ErrNotConnected is returned when sending to an unknown peer.
	ErrNotConnected = errors.New("transport: peer not connected")

	// ErrHandshake is returned for a missing or invalid Hello.
	ErrHandshake = errors.New("transport: handshake failed")
)

// PeerID returns the peer id a signing key is known under.
func PeerID(pk crypto.PublicKey) string {
	return pk.String()
}

// Peer is the authenticated remote end of a session.
type Peer struct {
	ID     string
	Pubkey crypto.PublicKey
}

// Handler consumes inbound frames. OnShard and OnLease return the Ack or
// Nack to send; the sequence id is filled in by the session.
type Handler interface {
	OnShard(ctx context.Context, from *Peer, s *wire.Shard) *wire.Frame
	OnLease(from *Peer, l *wire.LeaseRequest) *wire.Frame
	OnGossip(from *Peer, b []byte)
}

// Session is one authenticated shard stream to a peer.
type Session struct {
	worker.Worker

	log     *logging.Logger
	conn    net.Conn
	peer    Peer
	handler Handler

	writeLock    sync.Mutex
	writeTimeout time.Duration
	seq          atomic.Uint64

	inflightLock sync.Mutex
	inflight     map[uint64]chan *wire.Frame

	window chan struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
}

// handshake exchanges signed Hello frames and returns the peer.
func handshake(conn net.Conn, signer *crypto.SigningKeypair, timeout time.Duration) (*Peer, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	now := time.Now()
	if err := wire.WriteFrame(conn, wire.NewHello(signer, PeerID(signer.PublicKey()), uint64(now.Unix()))); err != nil {
		return nil, err
	}
	f, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if f.Type != wire.FrameHello {
		return nil, fmt.Errorf("%w: unexpected %v frame", ErrHandshake, f.Type)
	}
	h := f.Hello
	if !h.Verify() || h.PeerID != PeerID(h.Pubkey) {
		return nil, fmt.Errorf("%w: bad hello", ErrHandshake)
	}
	if d := now.Sub(time.Unix(int64(h.Timestamp), 0)); d > MaxClockSkew || d < -MaxClockSkew {
		return nil, fmt.Errorf("%w: clock skew %v", ErrHandshake, d)
	}
	if h.Pubkey == signer.PublicKey() {
		return nil, fmt.Errorf("%w: connected to self", ErrHandshake)
	}
	return &Peer{ID: h.PeerID, Pubkey: h.Pubkey}, nil
}

func newSession(log *logging.Logger, conn net.Conn, peer *Peer, handler Handler, window int, writeTimeout time.Duration) *Session {
	s := &Session{
		log:          log,
		conn:         conn,
		peer:         *peer,
		handler:      handler,
		writeTimeout: writeTimeout,
		inflight:     make(map[uint64]chan *wire.Frame),
		window:       make(chan struct{}, window),
		closeCh:      make(chan struct{}),
	}
	s.Go(s.reader)
	return s
}

// Peer returns the remote end.
func (s *Session) Peer() *Peer {
	p := s.peer
	return &p
}

// CloseCh is closed once the session is torn down.
func (s *Session) CloseCh() <-chan struct{} {
	return s.closeCh
}

// Close tears the session down without waiting for its goroutines.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.conn.Close()

		s.inflightLock.Lock()
		for seq, ch := range s.inflight {
			close(ch)
			delete(s.inflight, seq)
		}
		s.inflightLock.Unlock()
	})
}

// Halt tears the session down and waits for its goroutines.
func (s *Session) Halt() {
	s.Close()
	s.Worker.Halt()
}

// write sends one frame. A failed or timed out write leaves the stream
// mid-frame, so the session is closed.
func (s *Session) write(f *wire.Frame) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.Close()
		return err
	}
	if err := wire.WriteFrame(s.conn, f); err != nil {
		if !errors.Is(err, wire.ErrFrameTooLarge) {
			s.Close()
		}
		return err
	}
	return nil
}

// request sends a sequenced frame and waits for its Ack or Nack.
func (s *Session) request(ctx context.Context, f *wire.Frame) (*wire.Frame, error) {
	seq := s.seq.Add(1)
	f.SeqID = seq
	ch := make(chan *wire.Frame, 1)

	s.inflightLock.Lock()
	select {
	case <-s.closeCh:
		s.inflightLock.Unlock()
		return nil, ErrNetwork
	default:
	}
	s.inflight[seq] = ch
	s.inflightLock.Unlock()

	defer func() {
		s.inflightLock.Lock()
		delete(s.inflight, seq)
		s.inflightLock.Unlock()
	}()

	if err := s.write(f); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNetwork
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendShard forwards a shard and returns the peer's Ack or Nack.
func (s *Session) SendShard(ctx context.Context, shard *wire.Shard) (*wire.Frame, error) {
	return s.request(ctx, wire.NewShardFrame(0, shard))
}

// RegisterLease asks the peer to hold a response tunnel for us.
func (s *Session) RegisterLease(ctx context.Context, l *wire.LeaseRequest) (*wire.Frame, error) {
	return s.request(ctx, wire.NewLeaseFrame(0, l))
}

// SendGossip writes an encoded gossip envelope.
func (s *Session) SendGossip(b []byte) error {
	return s.write(wire.NewGossipFrame(b))
}

func (s *Session) complete(f *wire.Frame) {
	s.inflightLock.Lock()
	ch, ok := s.inflight[f.SeqID]
	delete(s.inflight, f.SeqID)
	s.inflightLock.Unlock()
	if !ok {
		s.log.Debugf("Unsolicited %v for seq %d", f.Type, f.SeqID)
		return
	}
	ch <- f
}

func (s *Session) reader() {
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		f, err := wire.ReadFrame(s.conn)
		if err != nil {
			select {
			case <-s.closeCh:
			default:
				s.log.Debugf("Read failed: %v", err)
			}
			return
		}

		switch f.Type {
		case wire.FrameAck, wire.FrameNack:
			s.complete(f)
		case wire.FrameShard:
			select {
			case s.window <- struct{}{}:
			default:
				if err := s.write(wire.NewNack(f.SeqID, wire.ReasonRateLimit)); err != nil {
					return
				}
				continue
			}
			s.Go(func() {
				defer func() { <-s.window }()
				resp := s.handler.OnShard(ctx, s.Peer(), f.Shard)
				if resp == nil {
					resp = wire.NewAck(0, nil)
				}
				resp.SeqID = f.SeqID
				if err := s.write(resp); err != nil {
					s.log.Debugf("Failed to answer seq %d: %v", f.SeqID, err)
				}
			})
		case wire.FrameLease:
			resp := s.handler.OnLease(s.Peer(), f.Lease)
			if resp == nil {
				resp = wire.NewAck(0, nil)
			}
			resp.SeqID = f.SeqID
			if err := s.write(resp); err != nil {
				return
			}
		case wire.FrameGossip:
			s.handler.OnGossip(s.Peer(), f.Gossip)
		default:
			s.log.Debugf("Dropping unexpected %v frame", f.Type)
		}
	}
}
