// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package exit

import "errors"

var (
	// ErrInvalidRequest is returned for a request that fails to parse.
	ErrInvalidRequest = errors.New("exit: invalid request")

	// ErrBlockedDestination is returned when the blocklist or the private
	// address filter rejects a destination.
	ErrBlockedDestination = errors.New("exit: blocked destination")

	// ErrRateLimited is returned when a per pool or global limit is hit.
	ErrRateLimited = errors.New("exit: rate limited")

	// ErrTunnelConnectFailed is returned when a tunnel target can't be
	// reached.
	ErrTunnelConnectFailed = errors.New("exit: tunnel connect failed")

	// ErrTunnelIO is returned when an open tunnel fails.
	ErrTunnelIO = errors.New("exit: tunnel i/o error")

	// ErrTimeout is returned when an upstream fetch exceeds the timeout.
	ErrTimeout = errors.New("exit: timeout")

	// ErrResponseTooLarge is returned when a response exceeds
	// MaxResponseSize.
	ErrResponseTooLarge = errors.New("exit: response too large")
)
