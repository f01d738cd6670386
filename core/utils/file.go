// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils holds small filesystem helpers.
package utils

import (
	"errors"
	"fmt"
	"os"
)

// Exists reports whether f exists. Errors other than not-exist are
// returned to the caller.
func Exists(f string) (bool, error) {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// MkDataDir creates dir with mode 0700, or verifies an existing one is a
// directory.
func MkDataDir(dir string) error {
	const dirMode = os.ModeDir | 0700

	fi, err := os.Lstat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat() DataDir: %w", err)
		}
		return os.Mkdir(dir, dirMode)
	}
	if !fi.IsDir() {
		return fmt.Errorf("DataDir '%v' is not a directory", dir)
	}
	return nil
}
