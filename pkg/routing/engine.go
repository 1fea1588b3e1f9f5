package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/backend"
	"github.com/migadu/dbrouter/pkg/circuitbreaker"
	"github.com/migadu/dbrouter/pkg/dialect"
	"github.com/migadu/dbrouter/pkg/events"
	"github.com/migadu/dbrouter/pkg/events/store"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/metrics"
	"github.com/migadu/dbrouter/pkg/registry"
	"github.com/migadu/dbrouter/pkg/retry"
	"github.com/migadu/dbrouter/pkg/router"
)

// Stats summarizes the backends the engine knows about.
type Stats struct {
	TotalBackends   int    `json:"total_backends"`
	HealthyBackends int    `json:"healthy_backends"`
	Registered      int    `json:"registered"`
	Failed          int    `json:"failed"`
	Default         string `json:"default"`
}

// Engine owns one independent set of backends: their registry, routers,
// health checker and event delivery. Several engines can live in one
// process.
type Engine struct {
	cfg config.Config

	registry  *registry.Registry
	detector  *dialect.Detector
	checker   *health.Checker
	selector  *router.Selector
	readWrite *router.ReadWriteRouter
	failover  *router.FailoverRouter
	tenant    *router.TenantRouter
	source    *DataSource

	factory   backend.Factory
	publisher events.Publisher
	async     *events.Async
	store     *store.Store
	collector *metrics.Collector

	retryConfig     retry.BackoffConfig
	breakerSettings func(name string) circuitbreaker.Settings
	metricsInterval time.Duration

	breakersMu sync.Mutex
	breakers   map[string]*circuitbreaker.CircuitBreaker

	lifecycleMu sync.Mutex
	started     bool
	closed      bool
}

type Option func(*Engine)

// WithFactory replaces the SQL factory used for startup, AddBackend and
// recovery.
func WithFactory(f backend.Factory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithPublisher replaces the default asynchronous log and metrics
// publisher. The event store is not attached to a custom publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithBreakerSettings overrides the per-backend circuit breaker settings.
func WithBreakerSettings(fn func(name string) circuitbreaker.Settings) Option {
	return func(e *Engine) { e.breakerSettings = fn }
}

// WithRetryConfig overrides the backoff used by Execute.
func WithRetryConfig(cfg retry.BackoffConfig) Option {
	return func(e *Engine) { e.retryConfig = cfg }
}

// WithMetricsInterval sets how often pool statistics are collected.
func WithMetricsInterval(d time.Duration) Option {
	return func(e *Engine) { e.metricsInterval = d }
}

// New validates cfg and builds every configured backend. A backend that
// cannot be built is queued for recovery instead of failing the engine.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	order, err := dialect.ParseOrder(cfg.Health.DialectProbeOrder)
	if err != nil {
		return nil, fmt.Errorf("invalid dialect probe order: %w", err)
	}

	retryConfig := retry.DefaultBackoffConfig()
	retryConfig.MaxRetries = cfg.Routing.ExecuteRetries

	e := &Engine{
		cfg:             cfg,
		registry:        registry.New(),
		detector:        dialect.NewDetector(order),
		retryConfig:     retryConfig,
		breakerSettings: defaultBreakerSettings,
		breakers:        make(map[string]*circuitbreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.factory == nil {
		e.factory = backend.NewSQLFactory()
	}
	if e.publisher == nil {
		if err := e.openEventDelivery(ctx); err != nil {
			return nil, err
		}
	}

	e.buildRouters()
	if err := e.applyStrategies(); err != nil {
		e.closeEventDelivery(ctx)
		return nil, err
	}

	e.checker = health.NewChecker(e.registry, e.factory, e.publisher, e.detector, health.OptionsFromConfig(cfg.Health))
	e.checker.OnTransition(e.onTransition)
	e.source = NewDataSource(e.registry, e.checker, e.selector, PolicyFromConfig(cfg.Routing))
	// the default stays resolvable while it is down
	e.checker.KeepRegistered(func(name string) bool { return name == e.source.Default() })
	e.collector = metrics.NewCollector(e, e.metricsInterval)

	for _, name := range cfg.BackendNames() {
		bcfg := cfg.Backends[name]
		pool, err := e.factory.Build(ctx, name, bcfg)
		if err != nil {
			logger.Warn("Backend unavailable at startup, will retry in background", "component", "ENGINE", "backend", name, "error", err)
			e.checker.TrackFailed(name, bcfg, err)
			continue
		}
		e.source.Add(name, pool, bcfg)
	}

	logger.Info("Routing engine created", "component", "ENGINE", "backends", e.registry.Len(),
		"failed", len(e.checker.FailedBackends()), "default", cfg.Routing.Default, "strict", cfg.Routing.Strict)
	return e, nil
}

func (e *Engine) openEventDelivery(ctx context.Context) error {
	sinks := []events.Sink{events.LogSink{}, events.MetricsSink{}}
	if e.cfg.Events.Store.Enabled {
		st, err := store.Open(ctx, e.cfg.Events.Store.DSN)
		if err != nil {
			return fmt.Errorf("failed to open event store: %w", err)
		}
		e.store = st
		sinks = append(sinks, st)
	}
	e.async = events.NewAsync(e.cfg.Events.GetBufferSizeWithDefault(), sinks...)
	e.publisher = e.async
	return nil
}

func (e *Engine) closeEventDelivery(ctx context.Context) error {
	var result *multierror.Error
	if e.async != nil {
		if err := e.async.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if e.store != nil {
		e.store.Close()
	}
	return result.ErrorOrNil()
}

func (e *Engine) buildRouters() {
	rc := e.cfg.Routing
	e.readWrite = router.NewReadWriteRouter(rc.GetPrimary(), rc.Replicas, rc.ReplicaWeights)

	priority := rc.FailoverPriority
	if len(priority) == 0 {
		priority = []string{rc.Default}
	}
	e.failover = router.NewFailoverRouter(priority, rc.GetFailoverThresholdWithDefault())
	e.tenant = router.NewTenantRouter(rc.Tenants)

	e.selector = router.NewSelector()
	e.selector.Register(e.readWrite)
	e.selector.Register(e.failover)
	e.selector.Register(e.tenant)
}

// applyStrategies overlays [routing.strategy.<kind>] on the defaults. An
// empty field keeps the default router of that tier.
func (e *Engine) applyStrategies() error {
	for key, st := range e.cfg.Routing.Strategy {
		kind, err := router.ParseOperationKind(key)
		if err != nil {
			return fmt.Errorf("routing.strategy: %w", err)
		}
		cur := e.selector.Strategy(kind)
		if st.Primary != "" {
			cur.Primary = st.Primary
		}
		if st.Fallback != "" {
			cur.Fallback = st.Fallback
		}
		if err := e.selector.SetStrategy(kind, cur.Primary, cur.Fallback); err != nil {
			return fmt.Errorf("routing.strategy.%s: %w", key, err)
		}
	}
	return nil
}

func defaultBreakerSettings(name string) circuitbreaker.Settings {
	st := circuitbreaker.DefaultSettings(name)
	st.MaxRequests = 3
	st.Interval = 15 * time.Second
	st.Timeout = 30 * time.Second
	return st
}

// Start runs the initial health check if configured and launches the
// health worker and the pool metrics collector.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}

	if e.cfg.Health.Enabled {
		if e.cfg.Health.CheckOnStart {
			if err := e.checker.CheckNowAndWait(ctx); err != nil {
				return fmt.Errorf("initial health check: %w", err)
			}
		}
		e.checker.Start(ctx)
	}
	go e.collector.Start(ctx)

	e.started = true
	logger.Info("Routing engine started", "component", "ENGINE", "health_checks", e.cfg.Health.Enabled)
	return nil
}

// Close stops the health worker within the configured shutdown timeout,
// closes every pool and drains pending events. Errors are aggregated.
func (e *Engine) Close(ctx context.Context) error {
	e.lifecycleMu.Lock()
	if e.closed {
		e.lifecycleMu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.lifecycleMu.Unlock()

	var result *multierror.Error

	if started {
		stopCtx, cancel := context.WithTimeout(ctx, e.cfg.Health.GetShutdownTimeoutWithDefault())
		if err := e.checker.Stop(stopCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("health checker: %w", err))
		}
		cancel()
		e.collector.Stop()
	}

	for _, b := range e.registry.Snapshot() {
		if !e.registry.RemoveIf(b.Name, b) {
			continue
		}
		if err := b.Pool.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("backend '%s': %w", b.Name, err))
		}
	}

	if err := e.closeEventDelivery(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	logger.Info("Routing engine closed", "component", "ENGINE")
	return result.ErrorOrNil()
}

func (e *Engine) isClosed() bool {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.closed
}

// Resolve returns the backend an operation described by rc should use.
func (e *Engine) Resolve(ctx context.Context, rc router.RoutingContext) (*backend.Backend, error) {
	if e.isClosed() {
		return nil, &RoutingError{Kind: rc.Kind, Reason: "engine closed", Err: ErrClosed}
	}
	return e.source.Resolve(ctx, rc)
}

// Execute runs fn against the backend resolved for rc. Calls go through a
// per-backend circuit breaker; transient failures are reported to the
// failover router and the work is retried, re-resolving each time.
//
// Failures reported here only move work whose strategy asks the failover
// router first. With the default strategies that is OTHER work: READ and
// WRITE ask the read/write router first, which ignores these reports, so a
// failing primary keeps receiving writes until the health checker marks it
// unhealthy or its circuit breaker opens.
func (e *Engine) Execute(ctx context.Context, rc router.RoutingContext, fn func(ctx context.Context, b *backend.Backend) error) error {
	return retry.WithRetry(ctx, e.retryConfig, func(attempt int) error {
		b, err := e.Resolve(ctx, rc)
		if err != nil {
			return retry.Stop(err)
		}

		cb := e.breaker(b.Name)
		err = cb.ExecuteContext(ctx, func(ctx context.Context) error {
			return fn(ctx, b)
		})

		switch {
		case err == nil:
			metrics.ExecuteTotal.WithLabelValues(b.Name, "success").Inc()
			e.failover.MarkRecovered(b.Name)
			return nil
		case circuitbreaker.IsOpenError(err):
			metrics.ExecuteTotal.WithLabelValues(b.Name, "breaker_open").Inc()
			e.markFailure(b.Name)
			return err
		case isRetryableError(err):
			metrics.ExecuteTotal.WithLabelValues(b.Name, "error").Inc()
			metrics.DBCircuitBreakerFailures.WithLabelValues(b.Name).Inc()
			e.markFailure(b.Name)
			logger.Debug("Retrying unit of work after transient error", "component", "ENGINE",
				"backend", b.Name, "attempt", attempt+1, "error", err)
			return err
		default:
			metrics.ExecuteTotal.WithLabelValues(b.Name, "error").Inc()
			return retry.Stop(err)
		}
	})
}

func (e *Engine) markFailure(name string) {
	if e.failover.MarkFailure(name) {
		logger.Warn("Failover router stopped selecting backend", "component", "ENGINE", "backend", name)
	}
}

func (e *Engine) breaker(name string) *circuitbreaker.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()

	if cb, ok := e.breakers[name]; ok {
		return cb
	}
	st := e.breakerSettings(name)
	// only faults of the backend count against it
	st.IsSuccessful = func(err error) bool {
		return err == nil || !isRetryableError(err)
	}
	notify := st.OnStateChange
	st.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.DBCircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		if notify != nil {
			notify(name, from, to)
		}
	}
	cb := circuitbreaker.NewCircuitBreaker(st)
	e.breakers[name] = cb
	metrics.DBCircuitBreakerState.WithLabelValues(name).Set(0)
	return cb
}

func breakerStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// BreakerState reports the circuit breaker state of name. Backends that
// never executed work report closed.
func (e *Engine) BreakerState(name string) circuitbreaker.State {
	e.breakersMu.Lock()
	cb, ok := e.breakers[name]
	e.breakersMu.Unlock()
	if !ok {
		return circuitbreaker.StateClosed
	}
	return cb.State()
}

func (e *Engine) dropBreaker(name string) {
	e.breakersMu.Lock()
	delete(e.breakers, name)
	e.breakersMu.Unlock()
	metrics.DBCircuitBreakerState.DeleteLabelValues(name)
}

// onTransition runs on the health worker. A recovered backend gets trial
// calls through its breaker right away instead of after the open timeout.
func (e *Engine) onTransition(name string, healthy bool) {
	if !healthy {
		return
	}
	e.failover.MarkRecovered(name)
	e.breakersMu.Lock()
	cb, ok := e.breakers[name]
	e.breakersMu.Unlock()
	if ok {
		cb.ForceHalfOpen()
	}
}

// ResetBreaker closes the circuit breaker of name and clears its counts.
func (e *Engine) ResetBreaker(name string) error {
	if _, known := e.checker.HealthStatus()[name]; !known {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	e.breakersMu.Lock()
	cb, ok := e.breakers[name]
	e.breakersMu.Unlock()
	if ok {
		cb.Reset()
	}
	logger.Info("Circuit breaker reset", "component", "ENGINE", "backend", name)
	return nil
}

// AddBackend builds a pool from cfg and registers it, replacing any backend
// of the same name.
func (e *Engine) AddBackend(ctx context.Context, name string, cfg config.BackendConfig) error {
	if e.isClosed() {
		return ErrClosed
	}
	if name == "" {
		return fmt.Errorf("backend name must not be empty")
	}
	pool, err := e.factory.Build(ctx, name, cfg)
	if err != nil {
		return err
	}
	e.AddPool(name, pool, cfg)
	return nil
}

// AddPool registers an already built pool under name.
func (e *Engine) AddPool(name string, pool backend.Pool, cfg config.BackendConfig) {
	e.source.Add(name, pool, cfg)
	e.failover.Forget(name)
	e.dropBreaker(name)
}

// RemoveBackend unregisters name, stops recovering it and closes its pool.
func (e *Engine) RemoveBackend(name string) error {
	b, err := e.source.Remove(name)
	if err != nil {
		return err
	}
	e.failover.Forget(name)
	e.dropBreaker(name)
	metrics.DeleteBackend(name)

	if b != nil {
		if err := b.Pool.Close(); err != nil {
			return fmt.Errorf("backend '%s' removed but its pool failed to close: %w", name, err)
		}
	}
	return nil
}

// SwitchDefault makes name the default backend. Without an explicit
// primary the read/write router follows the default, and so does the
// failover router without an explicit priority list.
func (e *Engine) SwitchDefault(name string) error {
	if err := e.source.SwitchDefault(name); err != nil {
		return err
	}
	if e.cfg.Routing.Primary == "" {
		e.readWrite.SetPrimary(name)
	}
	if len(e.cfg.Routing.FailoverPriority) == 0 {
		e.failover.SetPriority([]string{name})
	}
	return nil
}

func (e *Engine) ListBackends() []string {
	return e.source.ListBackends()
}

func (e *Engine) Default() string {
	return e.source.Default()
}

// HealthStatus maps every registered or recovering backend to its health.
func (e *Engine) HealthStatus() map[string]bool {
	return e.checker.HealthStatus()
}

func (e *Engine) Records() []health.Record {
	return e.checker.Records()
}

// Dialect returns the SQL dialect of name, detecting it if necessary.
func (e *Engine) Dialect(ctx context.Context, name string) (dialect.Dialect, error) {
	d, err := e.checker.Dialect(ctx, name)
	if errors.Is(err, health.ErrNotRegistered) {
		return dialect.Unknown, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return d, err
}

func (e *Engine) Stats() Stats {
	status := e.checker.HealthStatus()
	s := Stats{
		TotalBackends: len(status),
		Registered:    e.registry.Len(),
		Failed:        len(e.checker.FailedBackends()),
		Default:       e.source.Default(),
	}
	for _, healthy := range status {
		if healthy {
			s.HealthyBackends++
		}
	}
	return s
}

// CheckNow runs one full health sweep and waits for it.
func (e *Engine) CheckNow(ctx context.Context) error {
	return e.checker.CheckNowAndWait(ctx)
}

func (e *Engine) Failover() *router.FailoverRouter {
	return e.failover
}

func (e *Engine) ReadWrite() *router.ReadWriteRouter {
	return e.readWrite
}

func (e *Engine) Tenants() *router.TenantRouter {
	return e.tenant
}

func (e *Engine) Selector() *router.Selector {
	return e.selector
}

// EventStore returns the persistent event history, or nil when disabled.
func (e *Engine) EventStore() *store.Store {
	return e.store
}

// MetricsSnapshot implements metrics.StatsProvider.
func (e *Engine) MetricsSnapshot(ctx context.Context) (*metrics.Snapshot, error) {
	backends := e.registry.Snapshot()
	snap := &metrics.Snapshot{
		Registered: len(backends),
		Failed:     len(e.checker.FailedBackends()),
		Pools:      make(map[string]metrics.PoolStats, len(backends)),
	}
	for _, b := range backends {
		sp, ok := b.Pool.(backend.StatsPool)
		if !ok {
			continue
		}
		st := sp.Stats()
		snap.Pools[b.Name] = metrics.PoolStats{
			OpenConnections: st.OpenConnections,
			Idle:            st.Idle,
			InUse:           st.InUse,
			WaitCount:       st.WaitCount,
		}
	}
	return snap, nil
}
