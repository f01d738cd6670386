// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport implements the authenticated shard stream between
// peers over TCP or QUIC, and the connection table that keeps it up.
package transport

import (
	"context"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/codec"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/retry"
	"github.com/tunnelcraft/tunnelcraft/core/wire"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
)

// Config tunes a Manager. Zero values select the defaults.
type Config struct {
	HandshakeTimeout time.Duration
	InflightPerPeer  int
	MaxDialAttempts  int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	WriteTimeout     time.Duration
}

func (c *Config) fixup() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.InflightPerPeer <= 0 {
		c.InflightPerPeer = DefaultInflightPerPeer
	}
	if c.MaxDialAttempts <= 0 {
		c.MaxDialAttempts = retry.DefaultMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = retry.DefaultBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = retry.DefaultMaxDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Manager owns the listeners and one session per connected peer.
type Manager struct {
	worker.Worker
	sync.RWMutex

	logBackend *log.Backend
	log        *logging.Logger
	signer     *crypto.SigningKeypair
	cfg        Config
	handler    Handler

	sessions  map[string]*Session
	listeners []net.Listener

	onConnect    func(*Peer)
	onDisconnect func(*Peer)
}

// NewManager returns a manager authenticating as signer.
func NewManager(logBackend *log.Backend, signer *crypto.SigningKeypair, cfg Config, handler Handler) *Manager {
	cfg.fixup()
	return &Manager{
		logBackend: logBackend,
		log:        logBackend.GetLogger("transport"),
		signer:     signer,
		cfg:        cfg,
		handler:    handler,
		sessions:   make(map[string]*Session),
	}
}

// PeerID returns our own peer id.
func (m *Manager) PeerID() string {
	return PeerID(m.signer.PublicKey())
}

// SetHandler replaces the inbound frame handler. It must be called before
// any listener or dial is started.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

// OnConnect and OnDisconnect register connection table callbacks.
func (m *Manager) OnConnect(fn func(*Peer)) {
	m.onConnect = fn
}

func (m *Manager) OnDisconnect(fn func(*Peer)) {
	m.onDisconnect = fn
}

// Listen starts accepting peers on addr.
func (m *Manager) Listen(addr string) (net.Addr, error) {
	l, err := Listen(addr)
	if err != nil {
		m.log.Errorf("Failed to start listener '%v': %v", addr, err)
		return nil, err
	}
	m.Lock()
	m.listeners = append(m.listeners, l)
	m.Unlock()

	m.Go(func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				select {
				case <-m.HaltCh():
				default:
					m.log.Errorf("Accept failed on '%v': %v", addr, err)
				}
				return
			}
			m.Go(func() {
				if _, err := m.Attach(conn); err != nil {
					m.log.Debugf("Inbound handshake from %v failed: %v", conn.RemoteAddr(), err)
				}
			})
		}
	})
	m.log.Noticef("Listening on %v", l.Addr())
	return l.Addr(), nil
}

// Attach authenticates conn and adds it to the connection table,
// replacing any older session to the same peer.
func (m *Manager) Attach(conn net.Conn) (*Session, error) {
	peer, err := handshake(conn, m.signer, m.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := newSession(m.logBackend.GetLogger("transport:"+shortID(peer.ID)), conn, peer, m.handler, m.cfg.InflightPerPeer, m.cfg.WriteTimeout)

	m.Lock()
	old := m.sessions[peer.ID]
	m.sessions[peer.ID] = s
	m.Unlock()
	if old != nil {
		old.Close()
	}
	if m.onConnect != nil {
		m.onConnect(peer)
	}

	m.Go(func() {
		select {
		case <-s.CloseCh():
		case <-m.HaltCh():
			s.Close()
		}
		m.Lock()
		if m.sessions[peer.ID] == s {
			delete(m.sessions, peer.ID)
		}
		m.Unlock()
		s.Halt()
		if m.onDisconnect != nil {
			m.onDisconnect(peer)
		}
	})
	m.log.Debugf("Session established with %v", shortID(peer.ID))
	return s, nil
}

// Dial connects to addr once.
func (m *Manager) Dial(ctx context.Context, addr string) (*Session, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{KeepAlive: KeepAliveInterval, Timeout: m.cfg.HandshakeTimeout}
	conn, err := DialURL(ctx, u, dialer.DialContext)
	if err != nil {
		return nil, err
	}
	return m.Attach(conn)
}

// Maintain keeps a session to addr up, re-dialing with exponential
// backoff. It gives up after MaxDialAttempts consecutive failures.
func (m *Manager) Maintain(addr string) {
	m.Go(func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-m.HaltCh():
				cancel()
			case <-ctx.Done():
			}
		}()

		attempt := 0
		for attempt < m.cfg.MaxDialAttempts {
			s, err := m.Dial(ctx, addr)
			if err == nil {
				attempt = 0
				select {
				case <-s.CloseCh():
					m.log.Debugf("Session to %v terminated, will reconnect.", addr)
				case <-m.HaltCh():
					return
				}
			} else {
				if !retry.IsTransientError(err) && ctx.Err() == nil {
					m.log.Warningf("Failed to connect to '%v': %v", addr, err)
				}
				attempt++
			}
			select {
			case <-time.After(retry.Delay(m.cfg.RetryBaseDelay, m.cfg.RetryMaxDelay, retry.DefaultJitter, attempt)):
			case <-m.HaltCh():
				return
			}
		}
		m.log.Warningf("Giving up on '%v' after %d attempts", addr, attempt)
	})
}

// Session returns the live session to peerID.
func (m *Manager) Session(peerID string) (*Session, bool) {
	m.RLock()
	defer m.RUnlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// IsConnected reports whether a session to peerID is up.
func (m *Manager) IsConnected(peerID string) bool {
	_, ok := m.Session(peerID)
	return ok
}

// Peers returns the connected peer ids, sorted.
func (m *Manager) Peers() []string {
	m.RLock()
	defer m.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Send forwards a shard to peerID and returns its Ack or Nack.
func (m *Manager) Send(ctx context.Context, peerID string, s *wire.Shard) (*wire.Frame, error) {
	sess, ok := m.Session(peerID)
	if !ok {
		return nil, ErrNotConnected
	}
	return sess.SendShard(ctx, s)
}

// RegisterLease asks peerID to route response tunnel l back to us.
func (m *Manager) RegisterLease(ctx context.Context, peerID string, l *wire.LeaseRequest) (*wire.Frame, error) {
	sess, ok := m.Session(peerID)
	if !ok {
		return nil, ErrNotConnected
	}
	return sess.RegisterLease(ctx, l)
}

// Broadcast implements gossip.Sender.
func (m *Manager) Broadcast(except string, e *gossip.Envelope) {
	b, err := codec.Marshal(e)
	if err != nil {
		m.log.Errorf("Failed to encode gossip: %v", err)
		return
	}
	m.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if id != except {
			targets = append(targets, s)
		}
	}
	m.RUnlock()
	for _, s := range targets {
		if err := s.SendGossip(b); err != nil {
			m.log.Debugf("Gossip to %v failed: %v", shortID(s.peer.ID), err)
		}
	}
}

// Halt closes every listener and session.
func (m *Manager) Halt() {
	m.Lock()
	for _, l := range m.listeners {
		l.Close()
	}
	m.listeners = nil
	m.Unlock()
	m.Worker.Halt()
}

// DecodeGossip unmarshals a gossip frame body.
func DecodeGossip(b []byte) (*gossip.Envelope, error) {
	e := new(gossip.Envelope)
	if err := codec.Unmarshal(b, e); err != nil {
		return nil, err
	}
	return e, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
