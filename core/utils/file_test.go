// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMkDataDir(t *testing.T) {
	require := require.New(t)

	dir := filepath.Join(t.TempDir(), "data")
	ok, err := Exists(dir)
	require.NoError(err)
	require.False(ok)

	require.NoError(MkDataDir(dir))
	require.NoError(MkDataDir(dir))
	ok, err = Exists(dir)
	require.NoError(err)
	require.True(ok)

	f := filepath.Join(dir, "file")
	require.NoError(os.WriteFile(f, nil, 0600))
	require.Error(MkDataDir(f))
}
