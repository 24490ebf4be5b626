// Package metrics provides Prometheus metrics for the caretsync daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the counters the sync engine and link report into. A Set built
// by NewSet registers on its own registry so tests can create many without
// duplicate-registration panics.
type Set struct {
	registry *prometheus.Registry

	// PositionsSent counts outbound position messages transmitted.
	PositionsSent prometheus.Counter

	// PositionsApplied counts remote positions applied to the host.
	PositionsApplied prometheus.Counter

	// SuppressedOutbound counts local changes dropped by the outbound
	// policy, by reason.
	SuppressedOutbound *prometheus.CounterVec

	// SuppressedInbound counts remote messages dropped by the inbound
	// policy, by reason.
	SuppressedInbound *prometheus.CounterVec

	// MalformedMessages counts inbound frames that failed to decode.
	MalformedMessages prometheus.Counter

	// HostFailures counts host apply operations that failed.
	HostFailures prometheus.Counter

	// Reconnects counts reconnect attempts.
	Reconnects prometheus.Counter
}

// NewSet creates and registers the metric set on a fresh registry.
func NewSet() *Set {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Set{
		registry: registry,
		PositionsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "caretsync_positions_sent_total",
			Help: "Total outbound position messages transmitted",
		}),
		PositionsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "caretsync_positions_applied_total",
			Help: "Total remote positions applied to the host",
		}),
		SuppressedOutbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caretsync_suppressed_outbound_total",
			Help: "Local position changes dropped by the outbound policy",
		}, []string{"reason"}),
		SuppressedInbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caretsync_suppressed_inbound_total",
			Help: "Remote position messages dropped by the inbound policy",
		}, []string{"reason"}),
		MalformedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "caretsync_malformed_messages_total",
			Help: "Inbound frames that failed to decode",
		}),
		HostFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "caretsync_host_failures_total",
			Help: "Host apply operations that failed",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "caretsync_reconnects_total",
			Help: "Reconnect attempts",
		}),
	}
}

// Handler returns the HTTP handler serving this set.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr. It blocks until the server stops.
func (s *Set) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	return http.ListenAndServe(addr, mux)
}
