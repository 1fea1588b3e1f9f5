// Package routing resolves an operation to one live backend and owns the
// engine that ties the registry, the routers and the health checker
// together.
package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/backend"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/metrics"
	"github.com/migadu/dbrouter/pkg/registry"
	"github.com/migadu/dbrouter/pkg/router"
)

// HealthGate is the part of the health checker the data source needs.
// *health.Checker implements it.
type HealthGate interface {
	IsHealthy(name string) bool
	Register(name string, cfg config.BackendConfig)
	Forget(name string)
	Record(name string) (health.Record, bool)
}

// Policy decides what happens when no router yields a backend.
type Policy struct {
	Default string
	Strict  bool
	// FailOnUnhealthyDefault makes non-strict resolution fail instead of
	// returning a default backend whose last probe failed.
	FailOnUnhealthyDefault bool
}

// PolicyFromConfig reads the policy from the [routing] section.
func PolicyFromConfig(cfg config.RoutingConfig) Policy {
	return Policy{
		Default:                cfg.Default,
		Strict:                 cfg.Strict,
		FailOnUnhealthyDefault: cfg.UnhealthyDefault == "fail",
	}
}

// DataSource is the entry point of every routed operation.
type DataSource struct {
	registry *registry.Registry
	health   HealthGate
	selector *router.Selector

	mu     sync.RWMutex
	policy Policy
}

func NewDataSource(reg *registry.Registry, gate HealthGate, selector *router.Selector, policy Policy) *DataSource {
	return &DataSource{
		registry: reg,
		health:   gate,
		selector: selector,
		policy:   policy,
	}
}

// Resolve picks the backend for one operation. An explicit override wins
// while its backend is registered and healthy. Otherwise the selector is
// asked with the registered backends that are not known to be unhealthy,
// and the default backend is the last resort unless strict mode is on. A
// choice that disappears before it can be used is retried once.
func (ds *DataSource) Resolve(ctx context.Context, rc router.RoutingContext) (*backend.Backend, error) {
	start := time.Now()
	defer func() {
		metrics.ResolveDuration.WithLabelValues(rc.Kind.String()).Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return nil, ds.fail(rc, "context done", err)
	}

	if rc.Override != "" {
		if b, ok := ds.registry.Get(rc.Override); ok && ds.health.IsHealthy(rc.Override) {
			metrics.RoutingDecisionsTotal.WithLabelValues(b.Name, rc.Kind.String(), "override").Inc()
			return b, nil
		}
		logger.Debug("Ignoring override of unavailable backend", "component", "ROUTER", "backend", rc.Override)
	}

	var last string
	for attempt := 0; attempt < 2; attempt++ {
		name, source, err := ds.choose(rc)
		if err != nil {
			return nil, err
		}
		if b, ok := ds.registry.Get(name); ok {
			metrics.RoutingDecisionsTotal.WithLabelValues(b.Name, rc.Kind.String(), source).Inc()
			return b, nil
		}
		last = name
		metrics.RoutingRetriesTotal.Inc()
		logger.Debug("Resolved backend vanished, retrying", "component", "ROUTER", "backend", name, "attempt", attempt+1)
	}
	return nil, ds.fail(rc, fmt.Sprintf("backend '%s' was removed while resolving", last), ErrBackendVanished)
}

// choose returns a backend name and the source of the decision.
func (ds *DataSource) choose(rc router.RoutingContext) (string, string, error) {
	snapshot := ds.registry.Names()
	candidates := make([]string, 0, len(snapshot))
	for _, name := range snapshot {
		if ds.health.IsHealthy(name) {
			candidates = append(candidates, name)
		}
	}

	if sel, ok := ds.selector.Select(rc.Kind, candidates, rc); ok {
		return sel.Backend, sel.Router, nil
	}

	policy := ds.Policy()
	if policy.Strict {
		return "", "", ds.fail(rc, fmt.Sprintf("no healthy backend among %d candidates", len(candidates)), ErrNoBackend)
	}
	if policy.Default == "" {
		return "", "", ds.fail(rc, "no default backend configured", ErrNoBackend)
	}
	if _, ok := ds.registry.Get(policy.Default); !ok {
		return "", "", ds.fail(rc, fmt.Sprintf("default backend '%s' is not registered", policy.Default), ErrNoBackend)
	}
	if !ds.health.IsHealthy(policy.Default) {
		if policy.FailOnUnhealthyDefault {
			return "", "", ds.fail(rc, fmt.Sprintf("default backend '%s' is unhealthy", policy.Default), ErrDefaultUnhealthy)
		}
		logger.Warn("No healthy backend, degrading to unhealthy default", "component", "ROUTER",
			"backend", policy.Default, "kind", rc.Kind.String())
	}
	return policy.Default, "default", nil
}

func (ds *DataSource) fail(rc router.RoutingContext, reason string, err error) error {
	metrics.RoutingErrorsTotal.WithLabelValues(rc.Kind.String(), reasonLabel(err)).Inc()
	return &RoutingError{Kind: rc.Kind, Reason: reason, Err: err}
}

// Add registers pool under name, replacing and closing any previous pool of
// that name. Health state of name starts over.
func (ds *DataSource) Add(name string, pool backend.Pool, cfg config.BackendConfig) {
	prev := ds.registry.Add(&backend.Backend{Name: name, Pool: pool, Config: cfg})
	ds.health.Register(name, cfg)

	if prev != nil && prev.Pool != pool {
		go func() {
			if err := prev.Pool.Close(); err != nil {
				logger.Warn("Failed to close replaced pool", "component", "ROUTER", "backend", name, "error", err)
			}
		}()
	}
	logger.Info("Backend added", "component", "ROUTER", "backend", name, "replaced", prev != nil)
}

// Remove unregisters name, abandons a pending recovery of it and returns
// the removed backend so the caller can close its pool. The current
// default backend cannot be removed.
func (ds *DataSource) Remove(name string) (*backend.Backend, error) {
	if name == ds.Default() {
		return nil, fmt.Errorf("cannot remove default backend '%s', switch the default first", name)
	}

	rec, tracked := ds.health.Record(name)
	b, ok := ds.registry.Remove(name)
	ds.health.Forget(name)

	if !ok && !(tracked && rec.PendingRecovery) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	logger.Info("Backend removed", "component", "ROUTER", "backend", name, "was_registered", ok)
	return b, nil
}

// SwitchDefault makes name the default backend. It must be registered or
// waiting for recovery.
func (ds *DataSource) SwitchDefault(name string) error {
	_, registered := ds.registry.Get(name)
	rec, tracked := ds.health.Record(name)
	if !registered && !(tracked && rec.PendingRecovery) {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}

	ds.mu.Lock()
	prev := ds.policy.Default
	ds.policy.Default = name
	ds.mu.Unlock()

	logger.Info("Default backend switched", "component", "ROUTER", "from", prev, "to", name)
	return nil
}

// ListBackends returns the registered names, sorted.
func (ds *DataSource) ListBackends() []string {
	return ds.registry.Names()
}

func (ds *DataSource) Default() string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.policy.Default
}

func (ds *DataSource) Policy() Policy {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.policy
}

// SetStrict toggles strict mode at runtime.
func (ds *DataSource) SetStrict(strict bool) {
	ds.mu.Lock()
	ds.policy.Strict = strict
	ds.mu.Unlock()
}
