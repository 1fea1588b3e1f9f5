package events

import (
	"context"

	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/metrics"
)

// LogSink writes every event to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Handle(ctx context.Context, ev Event) error {
	args := []any{"component", "EVENTS", "id", ev.ID.String(), "type", string(ev.Type), "backend", ev.Backend, "healthy", ev.Healthy}
	if ev.Detail != "" {
		args = append(args, "detail", ev.Detail)
	}
	if ev.Type == TypeFailure {
		logger.WarnContext(ctx, "Backend health event", args...)
	} else {
		logger.InfoContext(ctx, "Backend health event", args...)
	}
	return nil
}

// MetricsSink counts events by type. The per-backend health gauge belongs
// to the health checker, which updates it synchronously.
type MetricsSink struct{}

func (MetricsSink) Name() string { return "metrics" }

func (MetricsSink) Handle(ctx context.Context, ev Event) error {
	metrics.HealthEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	return nil
}
