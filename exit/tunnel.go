// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package exit

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/internal/instrument"
)

const (
	// DefaultMaxTunnelsPerPool bounds the tunnel sessions one pool may
	// hold open.
	DefaultMaxTunnelsPerPool = 50

	// DefaultTunnelReadLimit caps the bytes returned for one burst.
	DefaultTunnelReadLimit = 256 << 10

	// DefaultTunnelIdle is the read poll that ends a burst once the target
	// goes quiet.
	DefaultTunnelIdle = 100 * time.Millisecond

	// DefaultTunnelFirstByte bounds the wait for the first response byte
	// after a write.
	DefaultTunnelFirstByte = 30 * time.Second

	readBufSize = 32 << 10
)

// TunnelDialer opens egress TCP connections.
type TunnelDialer interface {
	DialTCP(ctx context.Context, host string, port uint16) (net.Conn, error)
}

// TunnelConfig tunes Tunnels. Zero values select the defaults.
type TunnelConfig struct {
	MaxTunnelsPerPool int
	ReadLimit         int
	Idle              time.Duration
	FirstByte         time.Duration
}

type tunnelSession struct {
	sync.Mutex

	id       crypto.Id
	pool     crypto.PublicKey
	conn     net.Conn
	lastUsed time.Time
	closed   bool
}

func (s *tunnelSession) close() {
	if !s.closed {
		s.closed = true
		s.conn.Close()
	}
}

// Tunnels holds the exit's open TCP tunnel sessions keyed by session id.
type Tunnels struct {
	sync.Mutex

	cfg      TunnelConfig
	dialer   TunnelDialer
	sessions map[crypto.Id]*tunnelSession
	perPool  map[crypto.PublicKey]int
	now      func() time.Time
}

// NewTunnels returns an empty session table dialing through dialer.
func NewTunnels(cfg TunnelConfig, dialer TunnelDialer) *Tunnels {
	if cfg.MaxTunnelsPerPool <= 0 {
		cfg.MaxTunnelsPerPool = DefaultMaxTunnelsPerPool
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultTunnelReadLimit
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultTunnelIdle
	}
	if cfg.FirstByte <= 0 {
		cfg.FirstByte = DefaultTunnelFirstByte
	}
	return &Tunnels{
		cfg:      cfg,
		dialer:   dialer,
		sessions: make(map[crypto.Id]*tunnelSession),
		perPool:  make(map[crypto.PublicKey]int),
		now:      time.Now,
	}
}

// Len returns the number of open sessions.
func (t *Tunnels) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.sessions)
}

// PoolLen returns the number of sessions owned by pool.
func (t *Tunnels) PoolLen(pool crypto.PublicKey) int {
	t.Lock()
	defer t.Unlock()
	return t.perPool[pool]
}

func (t *Tunnels) lookup(id crypto.Id) *tunnelSession {
	t.Lock()
	defer t.Unlock()
	return t.sessions[id]
}

// reserve must be followed by either commit or release.
func (t *Tunnels) reserve(pool crypto.PublicKey) bool {
	t.Lock()
	defer t.Unlock()
	if t.perPool[pool] >= t.cfg.MaxTunnelsPerPool {
		return false
	}
	t.perPool[pool]++
	return true
}

func (t *Tunnels) release(pool crypto.PublicKey) {
	t.Lock()
	defer t.Unlock()
	t.decPool(pool)
}

func (t *Tunnels) decPool(pool crypto.PublicKey) {
	if t.perPool[pool]--; t.perPool[pool] <= 0 {
		delete(t.perPool, pool)
	}
}

func (t *Tunnels) commit(s *tunnelSession) *tunnelSession {
	t.Lock()
	defer t.Unlock()
	if cur, ok := t.sessions[s.id]; ok {
		// Lost a race with a concurrent open of the same session.
		t.decPool(s.pool)
		s.conn.Close()
		return cur
	}
	t.sessions[s.id] = s
	instrument.TunnelsOpen(len(t.sessions))
	return s
}

func (t *Tunnels) remove(s *tunnelSession) {
	t.Lock()
	defer t.Unlock()
	if cur, ok := t.sessions[s.id]; ok && cur == s {
		delete(t.sessions, s.id)
		t.decPool(s.pool)
		instrument.TunnelsOpen(len(t.sessions))
	}
}

// Handle writes one burst to the session named by meta, opening it if
// needed, and returns what the target sent back. The returned bool is
// true once the session is closed, either on request or because the
// target went away.
func (t *Tunnels) Handle(ctx context.Context, pool crypto.PublicKey, meta *payload.TunnelMetadata, data []byte) ([]byte, bool, error) {
	s := t.lookup(meta.SessionID)
	if meta.IsClose {
		if s != nil {
			s.Lock()
			s.close()
			s.Unlock()
			t.remove(s)
		}
		return nil, true, nil
	}

	if s == nil {
		if !t.reserve(pool) {
			return nil, false, ErrRateLimited
		}
		conn, err := t.dialer.DialTCP(ctx, meta.Host, meta.Port)
		if err != nil {
			t.release(pool)
			return nil, true, err
		}
		s = t.commit(&tunnelSession{
			id:       meta.SessionID,
			pool:     pool,
			conn:     conn,
			lastUsed: t.now(),
		})
	}

	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, true, ErrTunnelIO
	}
	s.lastUsed = t.now()

	if len(data) > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(t.cfg.FirstByte))
		if _, err := s.conn.Write(data); err != nil {
			s.close()
			t.remove(s)
			return nil, true, ErrTunnelIO
		}
	}

	first := t.cfg.Idle
	if len(data) > 0 {
		first = t.cfg.FirstByte
	}
	out, eof, err := t.readBurst(s.conn, first)
	if err != nil || eof {
		s.close()
		t.remove(s)
	}
	if err != nil {
		return out, true, ErrTunnelIO
	}
	return out, eof, nil
}

func (t *Tunnels) readBurst(conn net.Conn, first time.Duration) ([]byte, bool, error) {
	var out []byte
	buf := make([]byte, readBufSize)
	wait := first
	for len(out) < t.cfg.ReadLimit {
		conn.SetReadDeadline(time.Now().Add(wait))
		want := buf
		if rem := t.cfg.ReadLimit - len(out); rem < len(want) {
			want = want[:rem]
		}
		n, err := conn.Read(want)
		out = append(out, want[:n]...)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			return out, false, nil
		case errors.Is(err, io.EOF):
			return out, true, nil
		default:
			return out, false, err
		}
		wait = t.cfg.Idle
	}
	return out, false, nil
}

// Sweep closes sessions idle for longer than ttl and returns how many.
func (t *Tunnels) Sweep(ttl time.Duration) int {
	deadline := t.now().Add(-ttl)

	t.Lock()
	var idle []*tunnelSession
	for _, s := range t.sessions {
		if s.TryLock() {
			if s.lastUsed.Before(deadline) {
				idle = append(idle, s)
			}
			s.Unlock()
		}
	}
	t.Unlock()

	for _, s := range idle {
		s.Lock()
		s.close()
		s.Unlock()
		t.remove(s)
	}
	return len(idle)
}

// Close tears down every session.
func (t *Tunnels) Close() {
	t.Lock()
	sessions := make([]*tunnelSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.Unlock()
	for _, s := range sessions {
		// Unblocks any burst still in flight on the session.
		s.conn.Close()
		t.remove(s)
	}
}
