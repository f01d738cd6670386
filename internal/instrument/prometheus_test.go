// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus
// +build !noprometheus

package instrument

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/log"
)

func TestMetricsEndpoint(t *testing.T) {
	require := require.New(t)

	ShardForwarded()
	ShardDropped("tier violation")
	Proof("accepted")
	TunnelsOpen(3)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	srv, err := Start(logBackend.GetLogger("metrics"), "127.0.0.1:0")
	require.NoError(err)
	defer srv.Close()

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(err)

	out := string(body)
	require.True(strings.Contains(out, "tunnelcraft_relay_shards_forwarded_total"))
	require.True(strings.Contains(out, `tunnelcraft_relay_shards_dropped_total{reason="tier violation"} 1`))
	require.True(strings.Contains(out, "tunnelcraft_exit_tunnels_open 3"))
}
