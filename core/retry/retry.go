// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides the exponential backoff used when re-dialing
// peers after a stream reset.
package retry

import (
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is the number of re-dials before a peer is
	// given up on until the next topology refresh.
	DefaultMaxAttempts = 10

	// DefaultBaseDelay is the delay before the first re-dial.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay caps the backoff.
	DefaultMaxDelay = 30 * time.Second

	// DefaultJitter is the jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Delay returns the backoff for attempt (starting at 0), doubling from
// base up to max with the given multiplicative jitter.
func Delay(base, max time.Duration, jitter float64, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	if jitter > 0 {
		d *= 1 - jitter + rand.NewMath().Float64()*2*jitter
	}
	return time.Duration(d)
}

// IsTransientError reports whether err is a network failure worth
// re-dialing for.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	s := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "connection reset", "timeout", "no route to host", "network is unreachable", "application error"} {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
