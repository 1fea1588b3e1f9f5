package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/backend"
	"github.com/migadu/dbrouter/pkg/dialect"
	"github.com/migadu/dbrouter/pkg/metrics"
)

// bounded runs fn on its own goroutine and returns when fn does or when ctx
// is done, whichever comes first. A panic in fn is returned as an error. If
// fn is abandoned and later produces a value, abandon receives it so it can
// be released.
func bounded[T any](ctx context.Context, fn func(context.Context) (T, error), abandon func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{zero, fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case res := <-ch:
		return res.v, res.err
	case <-ctx.Done():
		if abandon != nil {
			go func() {
				if res := <-ch; res.err == nil {
					abandon(res.v)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Checker) runSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("PANIC during health sweep", "component", "HEALTH", "panic", fmt.Sprint(r))
		}
	}()

	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	start := time.Now()
	backends := c.registry.Snapshot()
	for _, b := range backends {
		if ctx.Err() != nil {
			return
		}
		c.probeBackend(ctx, b)
	}
	c.pruneRecords()
	c.recoverFailed(ctx)

	metrics.SweepsTotal.Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	logger.Debug("Health sweep completed", "component", "HEALTH", "backends", len(backends), "duration", time.Since(start))
}

func (c *Checker) probeBackend(ctx context.Context, b *backend.Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	start := time.Now()
	d, err := bounded(probeCtx, func(ctx context.Context) (dialect.Dialect, error) {
		return c.probe(ctx, b)
	}, nil)
	metrics.ProbeDuration.WithLabelValues(b.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			// shutting down, not the backend's fault
			return
		}
		c.markUnhealthy(b, newProbeError(b.Name, err))
		return
	}
	c.markHealthy(b, d)
}

func (c *Checker) probe(ctx context.Context, b *backend.Backend) (dialect.Dialect, error) {
	conn, err := b.Pool.OpenConnection(ctx)
	if err != nil {
		return dialect.Unknown, err
	}
	defer conn.Close()

	d := c.detector.Detect(ctx, b.Name, conn)
	if _, err := conn.ExecContext(ctx, d.LivenessQuery()); err != nil {
		return d, err
	}
	return d, nil
}

// current reports whether b is still the registered backend for its name.
// Probes that finish after the backend was replaced or removed are ignored.
func (c *Checker) current(b *backend.Backend) bool {
	cur, ok := c.registry.Get(b.Name)
	return ok && cur == b
}

func (c *Checker) markHealthy(b *backend.Backend, d dialect.Dialect) {
	c.mu.Lock()
	if !c.current(b) {
		c.mu.Unlock()
		return
	}
	rec := c.recordLocked(b.Name)
	prev := rec.State
	rec.State = StateHealthy
	rec.LastCheckedAt = time.Now()
	rec.LastError = ""
	rec.ConsecutiveFailures = 0
	if d != dialect.Unknown {
		rec.Dialect = d
	}
	c.mu.Unlock()

	metrics.BackendHealthy.WithLabelValues(b.Name).Set(1)

	switch prev {
	case StateUnhealthy:
		logger.Info("Backend recovered", "component", "HEALTH", "backend", b.Name)
		c.publisher.PublishRecovered(b.Name)
		c.notify(b.Name, true)
	case StateUnchecked:
		logger.Info("Backend healthy", "component", "HEALTH", "backend", b.Name, "dialect", string(d))
		c.publisher.PublishHealthStatus(b.Name, true, "initial check")
	}
}

func (c *Checker) markUnhealthy(b *backend.Backend, perr *ProbeError) {
	category := string(perr.Category)
	metrics.ProbeFailuresTotal.WithLabelValues(b.Name, category).Inc()
	keep := c.kept(b.Name)

	c.mu.Lock()
	if !c.current(b) {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	rec := c.recordLocked(b.Name)
	prev := rec.State
	rec.State = StateUnhealthy
	rec.LastCheckedAt = now
	rec.LastError = category
	rec.ConsecutiveFailures++
	failures := rec.ConsecutiveFailures

	// A kept backend that stopped being kept, e.g. after the default was
	// switched away from it, is removed on its next failure.
	removed := false
	if c.opts.RemoveOnFailure && !keep && c.registry.RemoveIf(b.Name, b) {
		c.failed[b.Name] = &failedEntry{config: b.Config, lastErr: perr, nextAttempt: now.Add(c.backoff(1))}
		removed = true
	}
	c.mu.Unlock()

	metrics.BackendHealthy.WithLabelValues(b.Name).Set(0)
	if removed {
		go func() {
			if err := b.Pool.Close(); err != nil {
				logger.Warn("Failed to close pool of failed backend", "component", "HEALTH", "backend", b.Name, "error", err)
			}
		}()
	}

	if prev == StateUnhealthy {
		logger.Debug("Backend still unhealthy", "component", "HEALTH", "backend", b.Name,
			"category", category, "failures", failures, "removed", removed)
		return
	}

	// the dialect is detected again once the backend answers
	c.resetDialect(b.Name, b.Config)
	logger.Warn("Backend failed health probe", "component", "HEALTH", "backend", b.Name,
		"category", category, "removed", removed, "kept", keep, "error", perr.Err)
	c.publisher.PublishFailure(b.Name, category)
	c.notify(b.Name, false)
}

func (c *Checker) recordLocked(name string) *Record {
	rec, ok := c.records[name]
	if !ok {
		rec = &Record{Name: name, State: StateUnchecked}
		c.records[name] = rec
	}
	return rec
}

// pruneRecords drops records of names that are neither registered nor
// pending recovery, e.g. after a direct registry removal.
func (c *Checker) pruneRecords() {
	names := c.registry.Names()
	registered := make(map[string]bool, len(names))
	for _, n := range names {
		registered[n] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.records {
		if _, pending := c.failed[name]; !registered[name] && !pending {
			delete(c.records, name)
		}
	}
}

type recoveryTask struct {
	name  string
	entry *failedEntry
}

func (c *Checker) recoverFailed(ctx context.Context) {
	now := time.Now()

	c.mu.RLock()
	var due []recoveryTask
	for name, e := range c.failed {
		if !e.nextAttempt.After(now) {
			due = append(due, recoveryTask{name, e})
		}
	}
	c.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].name < due[j].name })
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		c.recoverOne(ctx, task.name, task.entry)
	}
}

func (c *Checker) recoverOne(ctx context.Context, name string, entry *failedEntry) {
	rctx, cancel := context.WithTimeout(ctx, c.opts.RecoveryTimeout)
	defer cancel()

	cfg := entry.config
	c.resetDialect(name, cfg)
	pool, err := bounded(rctx, func(ctx context.Context) (backend.Pool, error) {
		return c.rebuild(ctx, name, cfg)
	}, func(p backend.Pool) {
		_ = p.Close()
	})

	if err != nil {
		perr := newProbeError(name, err)
		c.mu.Lock()
		if cur, ok := c.failed[name]; ok && cur == entry {
			entry.attempts++
			entry.lastErr = perr
			entry.nextAttempt = time.Now().Add(c.backoff(entry.attempts + 1))
			if rec, ok := c.records[name]; ok {
				rec.LastCheckedAt = time.Now()
				rec.LastError = string(perr.Category)
				rec.ConsecutiveFailures++
			}
		}
		attempts, next := entry.attempts, entry.nextAttempt
		c.mu.Unlock()

		metrics.RecoveryAttemptsTotal.WithLabelValues(name, "failure").Inc()
		logger.Debug("Backend recovery failed", "component", "RECOVERY", "backend", name,
			"category", string(perr.Category), "attempts", attempts, "next_attempt", next)
		return
	}

	c.mu.Lock()
	if cur, ok := c.failed[name]; !ok || cur != entry {
		// forgotten or re-registered while rebuilding
		c.mu.Unlock()
		_ = pool.Close()
		return
	}
	delete(c.failed, name)
	prev := c.registry.Add(&backend.Backend{Name: name, Pool: pool, Config: cfg})
	rec := c.recordLocked(name)
	rec.State = StateHealthy
	rec.LastCheckedAt = time.Now()
	rec.LastError = ""
	rec.ConsecutiveFailures = 0
	if d, ok := c.detector.Cached(name); ok {
		rec.Dialect = d
	}
	attempts := entry.attempts + 1
	c.mu.Unlock()

	if prev != nil && prev.Pool != pool {
		go func() { _ = prev.Pool.Close() }()
	}

	metrics.BackendHealthy.WithLabelValues(name).Set(1)
	metrics.RecoveryAttemptsTotal.WithLabelValues(name, "success").Inc()
	logger.Info("Backend rebuilt and re-registered", "component", "RECOVERY", "backend", name, "attempts", attempts)
	c.publisher.PublishRecovered(name)
	c.notify(name, true)
}

// rebuild builds a fresh pool and proves it with one connection and one
// liveness query.
func (c *Checker) rebuild(ctx context.Context, name string, cfg config.BackendConfig) (backend.Pool, error) {
	if c.factory == nil {
		return nil, fmt.Errorf("no backend factory configured")
	}
	pool, err := c.factory.Build(ctx, name, cfg)
	if err != nil {
		return nil, err
	}

	conn, err := pool.OpenConnection(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	d := c.detector.Detect(ctx, name, conn)
	_, err = conn.ExecContext(ctx, d.LivenessQuery())
	_ = conn.Close()
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}
