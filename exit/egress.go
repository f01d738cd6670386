// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package exit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/idna"

	"github.com/tunnelcraft/tunnelcraft/core/payload"
)

const (
	// DefaultTimeout bounds one upstream HTTP fetch.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResponseSize caps an upstream HTTP response body.
	DefaultMaxResponseSize = 10 << 20

	dialTimeout = 10 * time.Second
)

// HTTPFetcher performs an HTTP request on behalf of a client.
type HTTPFetcher interface {
	Fetch(ctx context.Context, req *payload.HTTPRequest) (*payload.HTTPResponse, error)
}

// EgressConfig configures an Egress.
type EgressConfig struct {
	Timeout         time.Duration
	MaxResponseSize int64
	BlockedDomains  []string
	AllowPrivateIPs bool
}

// Egress is the exit's only path to the internet. It enforces the domain
// blocklist, and unless AllowPrivateIPs is set, refuses to connect to any
// address that is not globally routable. The address check runs on the
// resolved address inside the dialer so DNS rebinding can't bypass it.
type Egress struct {
	timeout      time.Duration
	maxSize      int64
	blocked      map[string]struct{}
	allowPrivate bool

	dialer *net.Dialer
	client *http.Client
}

var _ HTTPFetcher = (*Egress)(nil)

// NewEgress returns an Egress for cfg.
func NewEgress(cfg *EgressConfig) (*Egress, error) {
	e := &Egress{
		timeout:      cfg.Timeout,
		maxSize:      cfg.MaxResponseSize,
		blocked:      make(map[string]struct{}),
		allowPrivate: cfg.AllowPrivateIPs,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.maxSize <= 0 {
		e.maxSize = DefaultMaxResponseSize
	}
	for _, d := range cfg.BlockedDomains {
		n, err := normalizeHost(d)
		if err != nil {
			return nil, fmt.Errorf("exit: blocked domain %q: %w", d, err)
		}
		e.blocked[n] = struct{}{}
	}

	e.dialer = &net.Dialer{
		Timeout: dialTimeout,
		Control: e.control,
	}
	e.client = &http.Client{
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           e.dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("too many redirects")
			}
			return e.checkHost(req.URL.Hostname())
		},
	}
	return e, nil
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if host == "" {
		return "", ErrInvalidRequest
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return strings.ToLower(host), nil
	}
	return idna.Lookup.ToASCII(host)
}

func (e *Egress) checkHost(host string) error {
	n, err := normalizeHost(host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for {
		if _, ok := e.blocked[n]; ok {
			return ErrBlockedDestination
		}
		i := strings.IndexByte(n, '.')
		if i < 0 {
			break
		}
		n = n[i+1:]
	}
	if addr, err := netip.ParseAddr(host); err == nil && !e.allowed(addr) {
		return ErrBlockedDestination
	}
	return nil
}

func (e *Egress) control(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return ErrBlockedDestination
	}
	if !e.allowed(ap.Addr()) {
		return ErrBlockedDestination
	}
	return nil
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

func (e *Egress) allowed(addr netip.Addr) bool {
	if e.allowPrivate {
		return true
	}
	return IsPublicAddr(addr)
}

// IsPublicAddr reports whether addr is globally routable. Loopback,
// RFC 1918, link local, CGNAT and IPv6 unique local ranges are not.
func IsPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		cgnat.Contains(addr):
		return false
	}
	return true
}

// Fetch issues req and returns the upstream response.
func (e *Egress) Fetch(ctx context.Context, req *payload.HTTPRequest) (*payload.HTTPResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidRequest
	}
	if err := e.checkHost(u.Hostname()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for _, h := range req.Headers {
		if strings.EqualFold(h.Name, "Host") {
			hreq.Host = h.Value
			continue
		}
		hreq.Header.Add(h.Name, h.Value)
	}

	resp, err := e.client.Do(hreq)
	if err != nil {
		if errors.Is(err, ErrBlockedDestination) {
			return nil, ErrBlockedDestination
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, e.maxSize+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	if int64(len(b)) > e.maxSize {
		return nil, ErrResponseTooLarge
	}

	out := &payload.HTTPResponse{
		Status: resp.StatusCode,
		Body:   b,
	}
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Header[name] {
			out.Headers = append(out.Headers, payload.Header{Name: name, Value: v})
		}
	}
	return out, nil
}

// DialTCP connects to host:port through the same address filter as Fetch.
func (e *Egress) DialTCP(ctx context.Context, host string, port uint16) (net.Conn, error) {
	if err := e.checkHost(host); err != nil {
		return nil, err
	}
	conn, err := e.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		if errors.Is(err, ErrBlockedDestination) {
			return nil, ErrBlockedDestination
		}
		return nil, fmt.Errorf("%w: %v", ErrTunnelConnectFailed, err)
	}
	return conn, nil
}
