// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope
// +build !pyroscope

// Package profiling starts continuous profiling when built with the
// pyroscope tag.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start is a dummy function that does nothing.
func Start(log *logging.Logger, serverAddress, appName, role string) error {
	log.Info("Pyroscope is disabled")
	return nil
}
