package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routing metrics
var (
	RoutingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_routing_decisions_total",
			Help: "Total number of resolved routing decisions",
		},
		[]string{"backend", "kind", "source"}, // source: "override", "router", "default"
	)

	RoutingErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_routing_errors_total",
			Help: "Total number of routing failures surfaced to callers",
		},
		[]string{"kind", "reason"},
	)

	RoutingRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbrouter_routing_retries_total",
			Help: "Total number of resolutions retried because the selected backend disappeared",
		},
	)

	ResolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbrouter_resolve_duration_seconds",
			Help:    "Duration of backend resolution in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		},
		[]string{"kind"},
	)

	ExecuteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_execute_total",
			Help: "Total number of units of work executed through the engine",
		},
		[]string{"backend", "status"}, // status: "success", "error", "breaker_open"
	)
)

// Health metrics
var (
	BackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_backend_healthy",
			Help: "Health of a backend as seen by the health checker (1=healthy, 0=unhealthy)",
		},
		[]string{"backend"},
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbrouter_probe_duration_seconds",
			Help:    "Duration of liveness probes in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend"},
	)

	ProbeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_probe_failures_total",
			Help: "Total number of failed liveness probes",
		},
		[]string{"backend", "category"},
	)

	SweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbrouter_health_sweeps_total",
			Help: "Total number of completed health sweeps",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbrouter_health_sweep_duration_seconds",
			Help:    "Duration of a full health sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_recovery_attempts_total",
			Help: "Total number of attempts to rebuild failed backends",
		},
		[]string{"backend", "result"}, // result: "success", "failure"
	)

	DialectDetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_dialect_detections_total",
			Help: "Total number of dialect detections by resulting dialect",
		},
		[]string{"dialect", "fallback"},
	)

	HealthEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_health_events_total",
			Help: "Total number of health events delivered to sinks",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbrouter_events_dropped_total",
			Help: "Total number of health events dropped because the buffer was full",
		},
	)

	EventSinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_event_sink_errors_total",
			Help: "Total number of errors returned by event sinks",
		},
		[]string{"sink"},
	)
)

// Registry metrics
var (
	BackendsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbrouter_backends_registered",
			Help: "Number of backends currently registered for routing",
		},
	)

	BackendsFailed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbrouter_backends_failed",
			Help: "Number of backends waiting for recovery",
		},
	)
)
