package metrics

import (
	"context"
	"time"

	"github.com/migadu/dbrouter/logger"
)

// Snapshot holds the registry-wide numbers a Collector publishes.
type Snapshot struct {
	Registered int
	Failed     int
	Pools      map[string]PoolStats
}

// StatsProvider is implemented by the routing engine.
type StatsProvider interface {
	MetricsSnapshot(ctx context.Context) (*Snapshot, error)
}

// Collector periodically collects and updates registry and pool metrics
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	known    map[string]struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		known:    make(map[string]struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Debug("Metrics collector started", "component", "METRICS", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Metrics collector stopping due to context cancellation", "component", "METRICS")
			return
		case <-c.stopCh:
			logger.Debug("Metrics collector stopping due to stop signal", "component", "METRICS")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	snap, err := c.provider.MetricsSnapshot(ctx)
	if err != nil {
		logger.Warn("Metrics collector: error collecting stats", "component", "METRICS", "error", err)
		return
	}

	BackendsRegistered.Set(float64(snap.Registered))
	BackendsFailed.Set(float64(snap.Failed))

	seen := make(map[string]struct{}, len(snap.Pools))
	for name, stats := range snap.Pools {
		SetPoolStats(name, stats)
		seen[name] = struct{}{}
	}
	for name := range c.known {
		if _, ok := seen[name]; !ok {
			DBPoolOpenConns.DeleteLabelValues(name)
			DBPoolIdleConns.DeleteLabelValues(name)
			DBPoolInUseConns.DeleteLabelValues(name)
			DBPoolWaitCount.DeleteLabelValues(name)
		}
	}
	c.known = seen
}
