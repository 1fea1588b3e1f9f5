package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Database connection pool metrics
var (
	DBPoolOpenConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_db_pool_open_conns",
			Help: "Number of established connections in the pool.",
		},
		[]string{"backend"},
	)
	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_db_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
		[]string{"backend"},
	)
	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_db_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
		[]string{"backend"},
	)
	DBPoolWaitCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_db_pool_wait_count",
			Help: "Total number of connections waited for, as reported by the pool.",
		},
		[]string{"backend"},
	)
)

// Database circuit breaker metrics
var (
	DBCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_db_circuit_breaker_state",
			Help: "State of the per-backend circuit breaker (0=closed, 1=half_open, 2=open).",
		},
		[]string{"backend"},
	)

	DBCircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_db_circuit_breaker_failures_total",
			Help: "Total number of requests rejected by an open circuit breaker.",
		},
		[]string{"backend"},
	)
)

// PoolStats is a point-in-time view of a backend's connection pool.
type PoolStats struct {
	OpenConnections int
	Idle            int
	InUse           int
	WaitCount       int64
}

// SetPoolStats publishes the pool gauges of one backend.
func SetPoolStats(backend string, s PoolStats) {
	DBPoolOpenConns.WithLabelValues(backend).Set(float64(s.OpenConnections))
	DBPoolIdleConns.WithLabelValues(backend).Set(float64(s.Idle))
	DBPoolInUseConns.WithLabelValues(backend).Set(float64(s.InUse))
	DBPoolWaitCount.WithLabelValues(backend).Set(float64(s.WaitCount))
}

// DeleteBackend drops every per-backend series of a removed backend.
func DeleteBackend(backend string) {
	DBPoolOpenConns.DeleteLabelValues(backend)
	DBPoolIdleConns.DeleteLabelValues(backend)
	DBPoolInUseConns.DeleteLabelValues(backend)
	DBPoolWaitCount.DeleteLabelValues(backend)
	DBCircuitBreakerState.DeleteLabelValues(backend)
	BackendHealthy.DeleteLabelValues(backend)
}
