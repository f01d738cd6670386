// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package exit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/payload"
)

func TestIsPublicAddr(t *testing.T) {
	require := require.New(t)

	for _, s := range []string{
		"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.1.1",
		"169.254.1.1", "100.64.0.1", "100.127.255.254", "0.0.0.0",
		"::1", "fc00::1", "fd12:3456::1", "fe80::1", "::ffff:10.0.0.1",
	} {
		require.False(IsPublicAddr(netip.MustParseAddr(s)), s)
	}
	for _, s := range []string{"8.8.8.8", "100.128.0.1", "1.1.1.1", "2606:4700::1111"} {
		require.True(IsPublicAddr(netip.MustParseAddr(s)), s)
	}
}

func TestEgressFetch(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Custom", r.Header.Get("X-Custom"))
		w.WriteHeader(http.StatusCreated)
		w.Write(append([]byte("got:"), b...))
	}))
	defer srv.Close()

	e, err := NewEgress(&EgressConfig{AllowPrivateIPs: true})
	require.NoError(err)

	resp, err := e.Fetch(context.Background(), &payload.HTTPRequest{
		Method:  "POST",
		URL:     srv.URL + "/echo",
		Headers: []payload.Header{{Name: "X-Custom", Value: "v"}},
		Body:    []byte("ping"),
	})
	require.NoError(err)
	require.Equal(http.StatusCreated, resp.Status)
	require.Equal([]byte("got:ping"), resp.Body)

	headers := make(map[string]string)
	for _, h := range resp.Headers {
		headers[h.Name] = h.Value
	}
	require.Equal("POST", headers["X-Method"])
	require.Equal("v", headers["X-Custom"])
}

func TestEgressPrivateAddressFilter(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e, err := NewEgress(&EgressConfig{})
	require.NoError(err)

	_, err = e.Fetch(context.Background(), &payload.HTTPRequest{Method: "GET", URL: srv.URL})
	require.ErrorIs(err, ErrBlockedDestination)

	// Names that resolve to loopback are caught at dial time.
	_, err = e.Fetch(context.Background(), &payload.HTTPRequest{Method: "GET", URL: "http://localhost:1/"})
	require.ErrorIs(err, ErrBlockedDestination)

	_, err = e.DialTCP(context.Background(), "10.0.0.1", 80)
	require.ErrorIs(err, ErrBlockedDestination)
}

func TestEgressBlocklist(t *testing.T) {
	require := require.New(t)

	e, err := NewEgress(&EgressConfig{
		BlockedDomains:  []string{"Example.TEST.", "bücher.example"},
		AllowPrivateIPs: true,
	})
	require.NoError(err)

	for _, u := range []string{
		"http://example.test/",
		"https://api.EXAMPLE.test/x",
		"http://xn--bcher-kva.example/",
		"http://www.xn--bcher-kva.example/",
	} {
		_, err = e.Fetch(context.Background(), &payload.HTTPRequest{Method: "GET", URL: u})
		require.ErrorIs(err, ErrBlockedDestination, u)
	}

	_, err = e.Fetch(context.Background(), &payload.HTTPRequest{Method: "GET", URL: "ftp://example.org/"})
	require.ErrorIs(err, ErrInvalidRequest)
}

func TestEgressLimits(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	e, err := NewEgress(&EgressConfig{
		AllowPrivateIPs: true,
		MaxResponseSize: 4,
		Timeout:         100 * time.Millisecond,
	})
	require.NoError(err)

	_, err = e.Fetch(context.Background(), &payload.HTTPRequest{Method: "GET", URL: srv.URL + "/big"})
	require.ErrorIs(err, ErrResponseTooLarge)

	_, err = e.Fetch(context.Background(), &payload.HTTPRequest{Method: "GET", URL: srv.URL + "/slow"})
	require.True(errors.Is(err, ErrTimeout), "%v", err)
}
