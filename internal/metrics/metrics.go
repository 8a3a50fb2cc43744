// Package metrics exposes Prometheus counters and gauges for the
// storage engine and the replication coordinator.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric this process exports.
type Registry struct {
	EngineOperationsTotal *prometheus.CounterVec
	EngineFlushesTotal    prometheus.Counter
	EngineCompactionsTotal prometheus.Counter
	EngineMemTableBytes   prometheus.Gauge
	EngineSSTablesTotal   prometheus.Gauge

	CoordinatorRequestsTotal  *prometheus.CounterVec
	CoordinatorQuorumFailures *prometheus.CounterVec
	CoordinatorPeerTimeouts   prometheus.Counter
	CoordinatorRequestLatency *prometheus.HistogramVec

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide metrics registry, building
// it on first use.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry builds a fresh, independently registered Registry. Tests
// that would otherwise collide on the global default should use this
// instead of DefaultRegistry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.EngineOperationsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftkv_engine_operations_total",
			Help: "Total storage engine operations by kind and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	r.EngineFlushesTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "driftkv_engine_flushes_total",
			Help: "Total number of memtable flushes completed.",
		},
	)
	r.EngineCompactionsTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "driftkv_engine_compactions_total",
			Help: "Total number of compactions completed.",
		},
	)
	r.EngineMemTableBytes = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "driftkv_engine_memtable_bytes",
			Help: "Estimated size in bytes of the active memtable.",
		},
	)
	r.EngineSSTablesTotal = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "driftkv_engine_sstables_total",
			Help: "Number of live SSTables in the current table set.",
		},
	)

	r.CoordinatorRequestsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftkv_coordinator_requests_total",
			Help: "Total client-facing requests by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	r.CoordinatorQuorumFailures = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftkv_coordinator_quorum_failures_total",
			Help: "Requests that failed to collect enough replica acks, by operation.",
		},
		[]string{"operation"},
	)
	r.CoordinatorPeerTimeouts = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "driftkv_coordinator_peer_timeouts_total",
			Help: "Peer round-trips abandoned after missing their deadline.",
		},
	)
	r.CoordinatorRequestLatency = promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftkv_coordinator_request_duration_seconds",
			Help:    "Client-facing request latency by operation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"operation"},
	)

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry, for
// mounting at /v0/metrics via promhttp.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
