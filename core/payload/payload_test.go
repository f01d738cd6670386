// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package payload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

func testKey(b byte) *crypto.EncryptionKeypair {
	var s [crypto.KeySize]byte
	for i := range s {
		s[i] = b
	}
	return crypto.EncryptionKeypairFromSecret(s)
}

func TestExitPayloadSealOpen(t *testing.T) {
	require := require.New(t)

	exit := testKey(0x01)
	p := &ExitPayload{
		RequestID:  crypto.Id{0x01},
		UserPubkey: crypto.PublicKey{0x02},
		LeaseSet: LeaseSet{
			SessionID: crypto.Id{0x03},
			Leases: []Lease{{
				GatewayPeerID:           []byte("gw"),
				GatewayEncryptionPubkey: crypto.PublicKey{0x04},
				TunnelID:                crypto.Id{0x05},
				ExpiresAt:               100,
			}},
		},
		TotalHops: 2,
		ShardType: Request,
		Mode:      ModeHTTP,
		Data:      []byte("GET\nhttps://api.test/echo\n0\n0\n"),
	}
	ct, err := p.SealFor(exit.PublicKey())
	require.NoError(err)

	out, err := OpenExitPayload(exit, ct)
	require.NoError(err)
	require.Equal(p, out)
	require.Equal(p.UserPubkey, out.ResponseKey())

	out.ResponseEncPubkey = crypto.PublicKey{0x09}
	require.Equal(crypto.PublicKey{0x09}, out.ResponseKey())

	_, err = OpenExitPayload(testKey(0x02), ct)
	require.ErrorIs(err, crypto.ErrDecryptionFailed)
}

func TestExitPayloadRejectsUnknownMode(t *testing.T) {
	p := &ExitPayload{Mode: 7}
	b, err := p.Marshal()
	require.NoError(t, err)
	_, err = ExitPayloadFromBytes(b)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRoutingTag(t *testing.T) {
	require := require.New(t)

	exit := testKey(0x07)
	tag := &RoutingTag{AssemblyID: crypto.Id{0x0a}, ShardIndex: 4, TotalShards: 5, ChunkIndex: 1, TotalChunks: 2}
	ct1, err := tag.SealFor(exit.PublicKey())
	require.NoError(err)
	ct2, err := tag.SealFor(exit.PublicKey())
	require.NoError(err)
	require.NotEqual(ct1, ct2)

	out, err := OpenRoutingTag(exit, ct1)
	require.NoError(err)
	require.Equal(tag, out)

	bad := *tag
	bad.ShardIndex = 5
	ct, err := bad.SealFor(exit.PublicKey())
	require.NoError(err)
	_, err = OpenRoutingTag(exit, ct)
	require.ErrorIs(err, ErrMalformed)
}

func TestLeaseSetLive(t *testing.T) {
	s := &LeaseSet{Leases: []Lease{{ExpiresAt: 10}, {ExpiresAt: 0}, {ExpiresAt: 50}}}
	require.Len(t, s.Live(20), 2)
	require.True(t, (&Lease{}).IsDirect())
}

func TestTunnelData(t *testing.T) {
	require := require.New(t)

	meta := &TunnelMetadata{Host: "example.test", Port: 443, SessionID: crypto.Id{0x01}}
	b, err := EncodeTunnelData(meta, []byte("hello"))
	require.NoError(err)

	m, tcp, err := DecodeTunnelData(b)
	require.NoError(err)
	require.Equal(meta, m)
	require.Equal([]byte("hello"), tcp)

	_, _, err = DecodeTunnelData(b[:3])
	require.ErrorIs(err, ErrMalformed)
	_, _, err = DecodeTunnelData([]byte{0, 0, 1, 0, 1})
	require.ErrorIs(err, ErrMalformed)

	m, _, err = DecodeTunnelRequest(b)
	require.NoError(err)
	require.Equal("example.test", m.Host)
}

func TestTunnelReplyWithoutDestination(t *testing.T) {
	require := require.New(t)

	reply := &TunnelMetadata{SessionID: crypto.Id{0x02}, IsClose: true}
	b, err := EncodeTunnelData(reply, []byte("resp"))
	require.NoError(err)

	m, data, err := DecodeTunnelData(b)
	require.NoError(err)
	require.True(m.IsClose)
	require.Equal(reply.SessionID, m.SessionID)
	require.Equal([]byte("resp"), data)

	_, _, err = DecodeTunnelRequest(b)
	require.ErrorIs(err, ErrMalformed)
}

func TestHTTPCanonicalText(t *testing.T) {
	require := require.New(t)

	req := &HTTPRequest{
		Method:  "POST",
		URL:     "https://api.test/echo",
		Headers: []Header{{Name: "Content-Type", Value: "text/plain"}, {Name: "X-A", Value: "b: c"}},
		Body:    []byte("line1\nline2"),
	}
	enc := req.Encode()
	require.Equal("POST\nhttps://api.test/echo\n2\nContent-Type: text/plain\nX-A: b: c\n11\nline1\nline2", string(enc))

	out, err := ParseHTTPRequest(enc)
	require.NoError(err)
	require.Equal(req, out)

	resp := &HTTPResponse{Status: 200, Body: []byte("hello")}
	r, err := ParseHTTPResponse(resp.Encode())
	require.NoError(err)
	require.Equal(200, r.Status)
	require.Equal([]byte("hello"), r.Body)
	require.Empty(r.Headers)

	_, err = ParseHTTPRequest([]byte("GET\nhttps://x\n1\nnocolon\n0\n"))
	require.ErrorIs(err, ErrMalformed)
	_, err = ParseHTTPRequest([]byte("GET\nhttps://x\n0\n5\nabc"))
	require.ErrorIs(err, ErrMalformed)
}
