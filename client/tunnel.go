// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/topology"
)

const (
	// DefaultBurstQueue is the depth of the burst channels.
	DefaultBurstQueue = 16

	// DefaultPollCeiling bounds the idle poll backoff.
	DefaultPollCeiling = 5 * time.Second

	proxyReadSize = 16 << 10
)

// ErrTunnelClosed is returned by Send once the tunnel is closed.
var ErrTunnelClosed = errors.New("client: tunnel closed")

// TunnelConfig tunes a Tunnel. A zero PollFloor disables idle polling.
type TunnelConfig struct {
	Queue       int
	PollFloor   time.Duration
	PollCeiling time.Duration
}

// Tunnel is a TCP stream carried as request/response bursts through one
// exit. Bursts are sent in order; each response burst is delivered on
// Responses.
type Tunnel struct {
	c    *Client
	exit *topology.Exit
	meta payload.TunnelMetadata
	cfg  TunnelConfig

	in        chan []byte
	out       chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	errLock sync.Mutex
	err     error
}

// OpenTunnel starts a tunnel session to host:port via exit. The exit
// opens the TCP connection on the first burst.
func (c *Client) OpenTunnel(exit *topology.Exit, host string, port uint16, cfg TunnelConfig) *Tunnel {
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultBurstQueue
	}
	if cfg.PollCeiling <= 0 {
		cfg.PollCeiling = DefaultPollCeiling
	}
	t := &Tunnel{
		c:    c,
		exit: exit,
		meta: payload.TunnelMetadata{
			Host:      host,
			Port:      port,
			SessionID: crypto.NewId(),
		},
		cfg:     cfg,
		in:      make(chan []byte, cfg.Queue),
		out:     make(chan []byte, cfg.Queue),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.Go(t.worker)
	return t
}

// SessionID returns the exit side session id.
func (t *Tunnel) SessionID() crypto.Id {
	return t.meta.SessionID
}

// Send queues one burst.
func (t *Tunnel) Send(ctx context.Context, b []byte) error {
	select {
	case <-t.closeCh:
		return ErrTunnelClosed
	case <-t.done:
		return ErrTunnelClosed
	default:
	}
	select {
	case t.in <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closeCh:
		return ErrTunnelClosed
	case <-t.done:
		return ErrTunnelClosed
	}
}

// Responses returns the channel response bursts arrive on. It is closed
// when the tunnel ends.
func (t *Tunnel) Responses() <-chan []byte {
	return t.out
}

// Close flushes queued bursts, then tells the exit to close the session.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() { close(t.closeCh) })
}

// Done is closed once the tunnel has ended.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that ended the tunnel, if any.
func (t *Tunnel) Err() error {
	t.errLock.Lock()
	defer t.errLock.Unlock()
	return t.err
}

func (t *Tunnel) setErr(err error) {
	t.errLock.Lock()
	defer t.errLock.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *Tunnel) worker() {
	defer close(t.done)
	defer close(t.out)

	var (
		pollC   <-chan time.Time
		poll    *time.Timer
		backoff = t.cfg.PollFloor
	)
	if backoff > 0 {
		poll = time.NewTimer(backoff)
		defer poll.Stop()
		pollC = poll.C
	}
	resetPoll := func(gotData bool) {
		if poll == nil {
			return
		}
		if gotData {
			backoff = t.cfg.PollFloor
		} else if backoff *= 2; backoff > t.cfg.PollCeiling {
			backoff = t.cfg.PollCeiling
		}
		poll.Reset(backoff)
	}

	for {
		var (
			burst []byte
			closing bool
		)
		select {
		case <-t.c.HaltCh():
			return
		case burst = <-t.in:
		case <-pollC:
		case <-t.closeCh:
			// Flush what the caller already queued.
			select {
			case burst = <-t.in:
			default:
				closing = true
			}
		}

		got, remoteClosed, err := t.roundTrip(burst, closing)
		if err != nil {
			t.setErr(err)
			return
		}
		if len(got) > 0 {
			select {
			case t.out <- got:
			case <-t.c.HaltCh():
				return
			}
		}
		if closing || remoteClosed {
			return
		}
		if poll != nil {
			if !poll.Stop() {
				select {
				case <-poll.C:
				default:
				}
			}
			resetPoll(len(got) > 0)
		}
	}
}

func (t *Tunnel) roundTrip(burst []byte, closing bool) ([]byte, bool, error) {
	meta := t.meta
	meta.IsClose = closing
	b, err := payload.EncodeTunnelData(&meta, burst)
	if err != nil {
		return nil, false, err
	}
	resp, err := t.c.Do(context.Background(), t.exit, payload.ModeTunnel, b)
	if err != nil {
		return nil, false, err
	}
	rm, data, err := payload.DecodeTunnelData(resp)
	if err != nil {
		return nil, false, err
	}
	if rm.SessionID != t.meta.SessionID {
		return nil, false, payload.ErrMalformed
	}
	return data, rm.IsClose, nil
}

// Proxy shuttles bytes between conn and the tunnel until either side
// closes. It returns the error that ended the tunnel.
func (t *Tunnel) Proxy(conn io.ReadWriteCloser) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer t.Close()
		buf := make([]byte, proxyReadSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if t.Send(context.Background(), append([]byte(nil), buf[:n]...)) != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		defer conn.Close()
		for b := range t.out {
			if _, err := conn.Write(b); err != nil {
				t.Close()
				for range t.out {
				}
				return
			}
		}
	}()
	wg.Wait()
	return t.Err()
}
