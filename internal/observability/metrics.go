// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the monitor. Each instance owns
// its registry so tests can create throwaway instances without collisions.
type Metrics struct {
	registry *prometheus.Registry

	// Parsing metrics
	EventsParsed  *prometheus.CounterVec
	ParseFailures *prometheus.CounterVec
	ParseLatency  prometheus.Histogram

	// Pipeline metrics
	EventsNormalized  *prometheus.CounterVec
	BatchFlushes      *prometheus.CounterVec
	BatchSize         prometheus.Histogram
	ProcessorFailures *prometheus.CounterVec
	ProcessorRetries  prometheus.Counter

	// Pool metrics
	TrackedPools       prometheus.Gauge
	PoolUpdatesApplied prometheus.Counter
	PoolsEvicted       prometheus.Counter

	// Fork metrics
	ForksDetected *prometheus.CounterVec
	OrphanedSlots prometheus.Counter
	TrackedSlots  prometheus.Gauge

	// Connection metrics
	ConnectionFailures *prometheus.CounterVec
	BreakerOpen        *prometheus.GaugeVec
	EmergencyMode      prometheus.Gauge

	// Health metrics
	HighestSlotSeen prometheus.Gauge
	LastEventAt     prometheus.Gauge
	AlertsEmitted   *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all metrics registered on a
// fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "solana_pool_watch"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		// Parsing metrics
		EventsParsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "events_parsed_total",
			Help:      "Total number of payloads decoded by program and strategy",
		}, []string{"program", "strategy"}),
		ParseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "parse_failures_total",
			Help:      "Total number of parse failures by program and error key",
		}, []string{"program", "error"}),
		ParseLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "parse_latency_seconds",
			Help:      "Transaction parse latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Pipeline metrics
		EventsNormalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "events_normalized_total",
			Help:      "Total number of events normalized by type",
		}, []string{"event_type"}),
		BatchFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batch_flushes_total",
			Help:      "Total number of batch flushes by reason",
		}, []string{"reason"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batch_size",
			Help:      "Number of events per flushed batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		ProcessorFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "processor_failures_total",
			Help:      "Total number of events dropped after exhausting processor retries",
		}, []string{"processor"}),
		ProcessorRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "processor_retries_total",
			Help:      "Total number of processor retry attempts",
		}),

		// Pool metrics
		TrackedPools: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tracked_pools",
			Help:      "Current number of tracked pool states",
		}),
		PoolUpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "updates_applied_total",
			Help:      "Total number of pool state updates applied",
		}),
		PoolsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "pools_evicted_total",
			Help:      "Total number of stale pool states evicted",
		}),

		// Fork metrics
		ForksDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fork",
			Name:      "forks_detected_total",
			Help:      "Total number of detected forks by severity",
		}, []string{"severity"}),
		OrphanedSlots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fork",
			Name:      "orphaned_slots_total",
			Help:      "Total number of slots orphaned by detected forks",
		}),
		TrackedSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fork",
			Name:      "tracked_slots",
			Help:      "Current number of slots in the parent-pointer tree",
		}),

		// Connection metrics
		ConnectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "failures_total",
			Help:      "Total number of connection failures by connection",
		}, []string{"connection"}),
		BreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "breaker_open",
			Help:      "1 when the circuit breaker for a connection is open",
		}, []string{"connection"}),
		EmergencyMode: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "emergency_mode",
			Help:      "1 when all connections are down",
		}),

		// Health metrics
		HighestSlotSeen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number seen",
		}),
		LastEventAt: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_event_timestamp",
			Help:      "Unix timestamp of the last normalized event",
		}),
		AlertsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "alerts_emitted_total",
			Help:      "Total number of alerts emitted by severity",
		}, []string{"severity"}),
	}
}

// Handler returns an HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
