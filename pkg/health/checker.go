// Package health probes every registered backend on one background worker,
// keeps a health record per backend name and rebuilds backends that were
// removed after failing.
//
// A backend moves UNCHECKED -> HEALTHY <-> UNHEALTHY. The first failure
// after being healthy or unchecked publishes a failure event and, unless
// the backend is kept (the current default), takes it out of the registry
// and keeps its configuration for recovery. Kept backends stay registered
// and are probed in place. A recovered event is only ever published for a
// backend that previously failed.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/backend"
	"github.com/migadu/dbrouter/pkg/dialect"
	"github.com/migadu/dbrouter/pkg/events"
	"github.com/migadu/dbrouter/pkg/metrics"
	"github.com/migadu/dbrouter/pkg/registry"
	"github.com/migadu/dbrouter/pkg/retry"
)

var (
	ErrNotRegistered = errors.New("backend not registered")
	ErrStopped       = errors.New("health checker stopped")
)

// TransitionFunc is called on the worker after a backend changed between
// healthy and unhealthy. It must not block.
type TransitionFunc func(name string, healthy bool)

type Checker struct {
	registry  *registry.Registry
	factory   backend.Factory
	publisher events.Publisher
	detector  *dialect.Detector
	opts      Options
	backoff   func(int) time.Duration

	mu          sync.RWMutex
	records     map[string]*Record
	failed      map[string]*failedEntry
	transitions []TransitionFunc
	keep        func(name string) bool

	// sweepMu serializes sweeps between the worker and inline checks.
	sweepMu sync.Mutex

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	trigger chan chan struct{}
	done    chan struct{}
}

func NewChecker(reg *registry.Registry, factory backend.Factory, publisher events.Publisher, detector *dialect.Detector, opts Options) *Checker {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if detector == nil {
		detector = dialect.NewDetector(nil)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultOptions().ProbeTimeout
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultOptions().RecoveryTimeout
	}
	return &Checker{
		registry:  reg,
		factory:   factory,
		publisher: publisher,
		detector:  detector,
		opts:      opts,
		backoff:   retry.ExponentialBackoff(opts.RecoveryBackoff),
		records:   make(map[string]*Record),
		failed:    make(map[string]*failedEntry),
	}
}

// OnTransition registers fn for health transitions.
func (c *Checker) OnTransition(fn TransitionFunc) {
	c.mu.Lock()
	c.transitions = append(c.transitions, fn)
	c.mu.Unlock()
}

// KeepRegistered makes failed backends for which fn reports true stay in
// the registry instead of being removed for recovery. fn must not call
// back into the checker.
func (c *Checker) KeepRegistered(fn func(name string) bool) {
	c.mu.Lock()
	c.keep = fn
	c.mu.Unlock()
}

func (c *Checker) kept(name string) bool {
	c.mu.RLock()
	fn := c.keep
	c.mu.RUnlock()
	return fn != nil && fn(name)
}

// Register resets the state of name after it was added or replaced. A
// pending recovery of the same name is abandoned, since the new backend
// supersedes it.
func (c *Checker) Register(name string, cfg config.BackendConfig) {
	rec := &Record{Name: name, State: StateUnchecked, Dialect: c.resetDialect(name, cfg)}

	c.mu.Lock()
	delete(c.failed, name)
	c.records[name] = rec
	c.mu.Unlock()
}

// Forget drops every trace of name, including a pending recovery.
func (c *Checker) Forget(name string) {
	c.mu.Lock()
	delete(c.records, name)
	delete(c.failed, name)
	c.mu.Unlock()

	c.detector.Invalidate(name)
	metrics.BackendHealthy.DeleteLabelValues(name)
}

// resetDialect drops what was detected for name and seeds the dialect
// declared in cfg, if any. It returns the declared dialect or "".
func (c *Checker) resetDialect(name string, cfg config.BackendConfig) dialect.Dialect {
	c.detector.Invalidate(name)
	if cfg.Dialect == "" {
		return ""
	}
	d, err := dialect.Parse(cfg.Dialect)
	if err != nil {
		return ""
	}
	c.detector.Declare(name, d)
	return d
}

// TrackFailed queues a backend that could not be built at all, typically at
// startup, for the recovery pass.
func (c *Checker) TrackFailed(name string, cfg config.BackendConfig, err error) {
	category := backend.Classify(err)
	now := time.Now()

	c.mu.Lock()
	c.failed[name] = &failedEntry{config: cfg, lastErr: err, nextAttempt: now.Add(c.backoff(1))}
	c.records[name] = &Record{
		Name:                name,
		State:               StateUnhealthy,
		LastCheckedAt:       now,
		LastError:           string(category),
		ConsecutiveFailures: 1,
	}
	c.mu.Unlock()

	metrics.BackendHealthy.WithLabelValues(name).Set(0)
	logger.Warn("Backend unavailable, queued for recovery", "component", "HEALTH", "backend", name, "category", string(category))
	c.publisher.PublishFailure(name, string(category))
}

// IsHealthy is the routing health gate. Backends waiting for recovery and
// backends whose last probe failed are unhealthy; unknown and unchecked
// names are assumed healthy.
func (c *Checker) IsHealthy(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.failed[name]; ok {
		return false
	}
	if rec, ok := c.records[name]; ok {
		return rec.State != StateUnhealthy
	}
	return true
}

// HealthStatus maps every known backend, registered or pending recovery,
// to IsHealthy.
func (c *Checker) HealthStatus() map[string]bool {
	names := c.registry.Names()

	c.mu.RLock()
	defer c.mu.RUnlock()

	status := make(map[string]bool, len(names)+len(c.failed))
	for _, name := range names {
		rec, ok := c.records[name]
		status[name] = !ok || rec.State != StateUnhealthy
	}
	for name := range c.failed {
		status[name] = false
	}
	return status
}

// FailedBackends returns the names waiting for recovery, sorted.
func (c *Checker) FailedBackends() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.failed))
	for name := range c.failed {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (c *Checker) Record(name string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[name]
	if !ok {
		return Record{}, false
	}
	return c.exportLocked(rec), true
}

// Records returns a copy of every record, sorted by name.
func (c *Checker) Records() []Record {
	c.mu.RLock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, c.exportLocked(rec))
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Checker) exportLocked(rec *Record) Record {
	r := *rec
	r.Status = r.State.String()
	_, r.PendingRecovery = c.failed[r.Name]
	if r.Dialect == "" {
		if d, ok := c.detector.Cached(r.Name); ok {
			r.Dialect = d
		} else {
			r.Dialect = dialect.Unknown
		}
	}
	return r
}

// Dialect returns the cached dialect of name or detects it on a fresh
// connection, bounded by the probe timeout.
func (c *Checker) Dialect(ctx context.Context, name string) (dialect.Dialect, error) {
	if d, ok := c.detector.Cached(name); ok {
		return d, nil
	}
	b, ok := c.registry.Get(name)
	if !ok {
		return dialect.Unknown, ErrNotRegistered
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	d, err := bounded(ctx, func(ctx context.Context) (dialect.Dialect, error) {
		conn, err := b.Pool.OpenConnection(ctx)
		if err != nil {
			return dialect.Unknown, err
		}
		defer conn.Close()
		return c.detector.Detect(ctx, name, conn), nil
	}, nil)
	if err != nil {
		return dialect.Unknown, newProbeError(name, err)
	}
	return d, nil
}

// Start launches the background worker. Calling Start on a running checker
// is a no-op.
func (c *Checker) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.stopCh = make(chan struct{})
	c.trigger = make(chan chan struct{})
	c.done = make(chan struct{})

	go c.run(wctx, c.stopCh, c.trigger, c.done)
	logger.Info("Health checker started", "component", "HEALTH", "interval", c.opts.Interval,
		"probe_timeout", c.opts.ProbeTimeout, "remove_on_failure", c.opts.RemoveOnFailure)
}

func (c *Checker) run(ctx context.Context, stopCh <-chan struct{}, trigger <-chan chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health checker stopping due to context cancellation", "component", "HEALTH")
			return
		case <-stopCh:
			logger.Info("Health checker stopped", "component", "HEALTH")
			return
		case <-ticker.C:
			c.runSweep(ctx)
		case req := <-trigger:
			c.runSweep(ctx)
			close(req)
		}
	}
}

// CheckNowAndWait runs one complete sweep, including the recovery pass, and
// returns once it has finished. With a running worker the sweep runs there;
// otherwise it runs on the caller.
func (c *Checker) CheckNowAndWait(ctx context.Context) error {
	c.runMu.Lock()
	running, trigger, done := c.running, c.trigger, c.done
	c.runMu.Unlock()

	if !running {
		c.runSweep(ctx)
		return ctx.Err()
	}

	req := make(chan struct{})
	select {
	case trigger <- req:
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop lets an in-flight sweep finish and stops the worker. If ctx expires
// first the sweep is cancelled and Stop returns once the worker has exited.
func (c *Checker) Stop(ctx context.Context) error {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	cancel, done := c.cancel, c.done
	c.runMu.Unlock()

	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		logger.Warn("Health sweep did not finish in time, cancelling", "component", "HEALTH")
		cancel()
		<-done
		return ctx.Err()
	}
}

func (c *Checker) notify(name string, healthy bool) {
	c.mu.RLock()
	fns := append([]TransitionFunc(nil), c.transitions...)
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(name, healthy)
	}
}
