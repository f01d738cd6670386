// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// QuicConn wraps a QUIC connection and its single stream as a net.Conn.
type QuicConn struct {
	Stream *quic.Stream
	Conn   *quic.Conn
}

// NewQuicConn panics on a nil connection or stream.
func NewQuicConn(conn *quic.Conn, stream *quic.Stream) *QuicConn {
	if conn == nil || stream == nil {
		panic("BUG: transport: nil QUIC connection or stream")
	}
	return &QuicConn{Conn: conn, Stream: stream}
}

// LocalAddr implements net.Conn
func (q *QuicConn) LocalAddr() net.Addr {
	return q.Conn.LocalAddr()
}

// RemoteAddr implements net.Conn
func (q *QuicConn) RemoteAddr() net.Addr {
	return q.Conn.RemoteAddr()
}

// SetDeadline implements net.Conn
func (q *QuicConn) SetDeadline(t time.Time) error {
	return q.Stream.SetDeadline(t)
}

// SetReadDeadline implements net.Conn
func (q *QuicConn) SetReadDeadline(t time.Time) error {
	return q.Stream.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn
func (q *QuicConn) SetWriteDeadline(t time.Time) error {
	return q.Stream.SetWriteDeadline(t)
}

// Close implements net.Conn; the stream and its connection are closed.
func (q *QuicConn) Close() error {
	err := q.Stream.Close()
	q.Conn.CloseWithError(0, "")
	return err
}

// Read implements net.Conn
func (q *QuicConn) Read(b []byte) (int, error) {
	return q.Stream.Read(b)
}

// Write implements net.Conn
func (q *QuicConn) Write(b []byte) (int, error) {
	return q.Stream.Write(b)
}

// QuicListener implements net.Listener over single stream connections.
type QuicListener struct {
	Listener *quic.Listener
}

// Accept implements net.Listener. It accepts the peer's single stream.
func (l *QuicListener) Accept() (net.Conn, error) {
	ctx := context.Background()
	conn, err := l.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return NewQuicConn(conn, stream), nil
}

// Addr implements net.Listener
func (l *QuicListener) Addr() net.Addr {
	return l.Listener.Addr()
}

// Close implements net.Listener
func (l *QuicListener) Close() error {
	return l.Listener.Close()
}

// GenerateTLSConfig returns a throwaway self signed server config. Peers
// are authenticated by the Hello frame, not by TLS.
func GenerateTLSConfig() *tls.Config {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		panic(err)
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	// ALPN is visible on the wire, so blend in with HTTP/3.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{http3.NextProtoH3}}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: KeepAliveInterval,
		MaxIdleTimeout:  3 * KeepAliveInterval,
	}
}
