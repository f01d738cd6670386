// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus
// +build !noprometheus

// Package instrument exposes the node's prometheus metrics.
package instrument

import (
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

const namespace = "tunnelcraft"

var (
	// Registry holds every tunnelcraft collector.
	Registry = prometheus.NewRegistry()

	shardsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "shards_forwarded_total",
			Help:      "Number of shards forwarded to the next hop",
		},
	)
	shardsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "shards_dropped_total",
			Help:      "Number of shards rejected, by reason",
		},
		[]string{"reason"},
	)
	receiptsSigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "receipts_signed_total",
			Help:      "Number of forward receipts signed",
		},
	)
	assembliesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "assemblies_completed_total",
			Help:      "Number of requests reassembled and processed",
		},
	)
	assembliesEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "assemblies_evicted_total",
			Help:      "Number of pending assemblies evicted before completion",
		},
	)
	tunnelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "tunnels_open",
			Help:      "Number of open TCP tunnel sessions",
		},
	)
	proofs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "proofs_total",
			Help:      "Number of proof messages, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		shardsForwarded,
		shardsDropped,
		receiptsSigned,
		assembliesCompleted,
		assembliesEvicted,
		tunnelsOpen,
		proofs,
	)
}

// Start serves /metrics on addr until the listener fails.
func Start(log *logging.Logger, addr string) (*http.Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	log.Noticef("Serving metrics on %v", l.Addr())
	return srv, nil
}

// ShardForwarded increments the forwarded shard counter
func ShardForwarded() {
	shardsForwarded.Inc()
}

// ShardDropped increments the dropped shard counter for reason
func ShardDropped(reason string) {
	shardsDropped.WithLabelValues(reason).Inc()
}

// ReceiptSigned increments the signed receipt counter
func ReceiptSigned() {
	receiptsSigned.Inc()
}

// AssemblyCompleted increments the completed assembly counter
func AssemblyCompleted() {
	assembliesCompleted.Inc()
}

// AssembliesEvicted adds n to the evicted assembly counter
func AssembliesEvicted(n int) {
	assembliesEvicted.Add(float64(n))
}

// TunnelsOpen sets the open tunnel gauge
func TunnelsOpen(n int) {
	tunnelsOpen.Set(float64(n))
}

// Proof increments the proof counter for outcome
func Proof(outcome string) {
	proofs.WithLabelValues(outcome).Inc()
}
