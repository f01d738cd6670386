// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/quic-go/quic-go"
)

// Listen opens a tcp://, tcp4://, tcp6:// or quic:// listener.
func Listen(addr string) (net.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return net.Listen(u.Scheme, u.Host)
	case "quic":
		ql, err := quic.ListenAddr(u.Host, GenerateTLSConfig(), quicConfig())
		if err != nil {
			return nil, err
		}
		return &QuicListener{Listener: ql}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported listener scheme '%v'", u.Scheme)
	}
}

// DialURL connects to u, using dialFn for the stream schemes.
func DialURL(ctx context.Context, u *url.URL, dialFn func(ctx context.Context, network, address string) (net.Conn, error)) (net.Conn, error) {
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return dialFn(ctx, u.Scheme, u.Host)
	case "quic":
		conn, err := quic.DialAddr(ctx, u.Host, clientTLSConfig(), quicConfig())
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			return nil, err
		}
		return NewQuicConn(conn, stream), nil
	default:
		return nil, fmt.Errorf("transport: unsupported dial scheme '%v'", u.Scheme)
	}
}

// ParseBootstrapPeer splits a "peer_id@addr" entry. The peer id is
// optional.
func ParseBootstrapPeer(s string) (peerID, addr string, err error) {
	if i := strings.LastIndex(s, "@"); i >= 0 {
		peerID, addr = s[:i], s[i+1:]
	} else {
		addr = s
	}
	if _, err = url.Parse(addr); err != nil {
		return "", "", err
	}
	if !strings.Contains(addr, "://") {
		return "", "", fmt.Errorf("transport: bootstrap address '%v' has no scheme", addr)
	}
	return peerID, addr, nil
}
