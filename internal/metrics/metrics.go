// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector behind one registry so tests can create
// isolated instances instead of fighting over a global.
type Metrics struct {
	// RequestsTotal counts dispatched commands by name.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration tracks command latency by name.
	RequestDuration *prometheus.HistogramVec

	// ActiveConnections is the number of currently served TCP connections.
	ActiveConnections prometheus.Gauge

	// KeysTotal mirrors the engine's key count.
	KeysTotal prometheus.Gauge

	// MemoryUsageBytes mirrors the engine's memory counter.
	MemoryUsageBytes prometheus.Gauge

	// AOLRecordsTotal counts records handed to the log writer.
	AOLRecordsTotal prometheus.Counter

	// SnapshotsTotal counts successfully published snapshots.
	SnapshotsTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kv_requests_total",
				Help: "Total commands dispatched, by command name.",
			},
			[]string{"command"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kv_request_duration_seconds",
				Help:    "Command dispatch latency in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2.0, 10),
			},
			[]string{"command"},
		),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kv_active_connections",
			Help: "Currently open client connections.",
		}),
		KeysTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kv_keys_total",
			Help: "Keys currently stored.",
		}),
		MemoryUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kv_memory_usage_bytes",
			Help: "Estimated bytes used by stored entries.",
		}),
		AOLRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kv_aol_records_total",
			Help: "Operations handed to the append-only log writer.",
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kv_snapshots_total",
			Help: "Snapshots published.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveConnections,
		m.KeysTotal,
		m.MemoryUsageBytes,
		m.AOLRecordsTotal,
		m.SnapshotsTotal,
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
