package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/metrics"
)

// Async queues events in a bounded buffer and delivers them to its sinks on
// one goroutine. When the buffer is full new events are dropped and counted.
type Async struct {
	sinks []Sink
	queue chan Event

	mu     sync.RWMutex
	closed bool

	done chan struct{}
}

func NewAsync(bufferSize int, sinks ...Sink) *Async {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	a := &Async{
		sinks: sinks,
		queue: make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) PublishFailure(name, reason string) {
	a.enqueue(NewEvent(TypeFailure, name, false, reason))
}

func (a *Async) PublishRecovered(name string) {
	a.enqueue(NewEvent(TypeRecovered, name, true, ""))
}

func (a *Async) PublishHealthStatus(name string, healthy bool, detail string) {
	a.enqueue(NewEvent(TypeHealthStatus, name, healthy, detail))
}

func (a *Async) enqueue(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		metrics.EventsDroppedTotal.Inc()
		logger.Warn("Event buffer full, dropping event", "component", "EVENTS", "type", string(ev.Type), "backend", ev.Backend)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		for _, s := range a.sinks {
			a.deliver(s, ev)
		}
	}
}

func (a *Async) deliver(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventSinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			logger.Error("Event sink panicked", "component", "EVENTS", "sink", s.Name(), "panic", fmt.Sprint(r))
		}
	}()

	if err := s.Handle(context.Background(), ev); err != nil {
		metrics.EventSinkErrorsTotal.WithLabelValues(s.Name()).Inc()
		logger.Warn("Event sink failed", "component", "EVENTS", "sink", s.Name(), "type", string(ev.Type), "backend", ev.Backend, "error", err)
	}
}

// Close stops accepting events and waits until queued events are delivered
// or ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event delivery did not drain: %w", ctx.Err())
	}
}
