package dialect

import (
	"context"
	"database/sql"
	"sync"

	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Execer is the part of a connection detection needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Detector detects and caches dialects per backend name. Concurrent
// detections for the same name share one round of probe queries.
type Detector struct {
	order []Dialect

	mu    sync.RWMutex
	cache map[string]Dialect

	group singleflight.Group
}

func NewDetector(order []Dialect) *Detector {
	if len(order) == 0 {
		order = DefaultOrder
	}
	return &Detector{
		order: append([]Dialect(nil), order...),
		cache: make(map[string]Dialect),
	}
}

// Order returns the probe order.
func (d *Detector) Order() []Dialect {
	return append([]Dialect(nil), d.order...)
}

// Cached returns the cached dialect of name, if any.
func (d *Detector) Cached(name string) (Dialect, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dl, ok := d.cache[name]
	return dl, ok
}

// Declare seeds the cache with a dialect known from configuration.
func (d *Detector) Declare(name string, dl Dialect) {
	if dl == Unknown || dl == "" {
		return
	}
	d.mu.Lock()
	d.cache[name] = dl
	d.mu.Unlock()
}

// Invalidate drops the cached dialect so the next Detect probes again.
func (d *Detector) Invalidate(name string) {
	d.mu.Lock()
	delete(d.cache, name)
	d.mu.Unlock()
	d.group.Forget(name)
}

// Detect returns the dialect of backend name, probing conn on a cache miss.
// It never fails: when nothing matches, Fallback is returned. Fallback is
// only cached once the connection answered a plain liveness query, so a
// backend caught mid-outage is detected again later. A cancelled ctx
// returns Unknown without caching.
func (d *Detector) Detect(ctx context.Context, name string, conn Execer) Dialect {
	if dl, ok := d.Cached(name); ok {
		return dl
	}

	v, _, _ := d.group.Do(name, func() (interface{}, error) {
		if dl, ok := d.Cached(name); ok {
			return dl, nil
		}
		return d.probe(ctx, name, conn), nil
	})
	return v.(Dialect)
}

func (d *Detector) probe(ctx context.Context, name string, conn Execer) Dialect {
	for _, dl := range d.order {
		if ctx.Err() != nil {
			return Unknown
		}
		if _, err := conn.ExecContext(ctx, dl.DetectQuery()); err == nil {
			d.store(name, dl)
			metrics.DialectDetectionsTotal.WithLabelValues(string(dl), "false").Inc()
			logger.Debug("Dialect detected", "component", "HEALTH", "backend", name, "dialect", string(dl))
			return dl
		}
	}
	if ctx.Err() != nil {
		return Unknown
	}

	if _, err := conn.ExecContext(ctx, Fallback.LivenessQuery()); err != nil {
		logger.Debug("Dialect detection inconclusive, backend not answering", "component", "HEALTH",
			"backend", name, "error", err)
		return Fallback
	}
	d.store(name, Fallback)
	metrics.DialectDetectionsTotal.WithLabelValues(string(Fallback), "true").Inc()
	logger.Warn("No dialect probe succeeded, assuming fallback dialect", "component", "HEALTH",
		"backend", name, "dialect", string(Fallback))
	return Fallback
}

func (d *Detector) store(name string, dl Dialect) {
	d.mu.Lock()
	d.cache[name] = dl
	d.mu.Unlock()
}
