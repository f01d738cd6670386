// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build pyroscope
// +build pyroscope

package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start initializes Pyroscope profiling. An empty serverAddress falls back
// to PYROSCOPE_SERVER_ADDRESS.
func Start(log *logging.Logger, serverAddress, appName, role string) error {
	log.Info("Starting Pyroscope")

	if serverAddress == "" {
		serverAddress = os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	}
	if serverAddress == "" {
		return errors.New("profiling: no pyroscope server address")
	}
	if appName == "" {
		appName = "tunnelcraft"
	}

	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"role": role,
		},
	})
	if err != nil {
		return err
	}
	log.Infof("Pyroscope started at %s, app name: %s, role: %s", serverAddress, appName, role)
	return nil
}
