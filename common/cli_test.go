// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require := require.New(t)

	require.True(IsUsageError(errors.New("unknown flag: --bogus")))
	require.True(IsUsageError(errors.New("accepts 1 arg(s), received 0")))
	require.True(IsUsageError(errors.New("failed to load config file 'x.toml': no such file")))
	require.False(IsUsageError(errors.New("node: no exit available")))
}
