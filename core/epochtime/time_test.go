// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package epochtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromUnix(t *testing.T) {
	require := require.New(t)

	start := Epoch.Add(3 * Period).Add(time.Hour)
	e, elapsed, till := FromUnix(start.Unix())
	require.Equal(uint64(3), e)
	require.Equal(time.Hour, elapsed)
	require.Equal(Period-time.Hour, till)

	e, _, till = FromUnix(Epoch.Add(-time.Minute).Unix())
	require.Equal(uint64(0), e)
	require.Equal(time.Minute, till)
}

func TestGraceWindow(t *testing.T) {
	require := require.New(t)

	exp := ExpiresAt(0)
	require.Equal(uint64(30*86400), exp)
	require.Equal(uint64(31*86400), ClaimableAt(exp))
}
