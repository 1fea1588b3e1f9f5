package routing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/pkg/dialect"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/metrics"
	"github.com/migadu/dbrouter/pkg/registry"
	"github.com/migadu/dbrouter/pkg/router"
	"github.com/migadu/dbrouter/testutils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRouter answers with the queued names, then with the last one.
type scriptedRouter struct {
	names []string
	calls atomic.Int32
}

func (r *scriptedRouter) Name() string { return "scripted" }

func (r *scriptedRouter) SelectDataSource(candidates []string, rc router.RoutingContext) (string, bool) {
	i := int(r.calls.Add(1)) - 1
	if i >= len(r.names) {
		i = len(r.names) - 1
	}
	return r.names[i], true
}

type dsFixture struct {
	ds       *DataSource
	registry *registry.Registry
	checker  *health.Checker
	selector *router.Selector
}

func newDSFixture(t *testing.T, policy Policy, names ...string) *dsFixture {
	t.Helper()
	reg := registry.New()
	checker := health.NewChecker(reg, testutils.NewFakeFactory(dialect.PostgreSQL), testutils.NewRecorder(), nil, health.Options{
		RemoveOnFailure: false,
	})
	sel := router.NewSelector()
	sel.Register(router.NewFailoverRouter(nil, 1))
	sel.Register(router.NewReadWriteRouter(policy.Default, nil, nil))

	f := &dsFixture{
		ds:       NewDataSource(reg, checker, sel, policy),
		registry: reg,
		checker:  checker,
		selector: sel,
	}
	for _, name := range names {
		f.ds.Add(name, testutils.NewFakePool(dialect.PostgreSQL), config.BackendConfig{DSN: name})
	}
	return f
}

func (f *dsFixture) pool(t *testing.T, name string) *testutils.FakePool {
	t.Helper()
	b, ok := f.registry.Get(name)
	require.True(t, ok)
	return b.Pool.(*testutils.FakePool)
}

func TestResolveRetriesOnceWhenBackendVanishes(t *testing.T) {
	f := newDSFixture(t, Policy{Default: "A"}, "A", "B")
	scripted := &scriptedRouter{names: []string{"ghost", "B"}}
	f.selector.Register(scripted)
	require.NoError(t, f.selector.SetStrategy(router.KindRead, "scripted", ""))

	before := testutil.ToFloat64(metrics.RoutingRetriesTotal)
	b, err := f.ds.Resolve(context.Background(), router.RoutingContext{Kind: router.KindRead})
	require.NoError(t, err)
	assert.Equal(t, "B", b.Name)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RoutingRetriesTotal))
}

func TestResolveEscalatesAfterSecondVanish(t *testing.T) {
	f := newDSFixture(t, Policy{Default: "A"}, "A")
	f.selector.Register(&scriptedRouter{names: []string{"ghost"}})
	require.NoError(t, f.selector.SetStrategy(router.KindWrite, "scripted", ""))

	_, err := f.ds.Resolve(context.Background(), router.RoutingContext{Kind: router.KindWrite})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendVanished)

	var rerr *RoutingError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, router.KindWrite, rerr.Kind)
}

func TestStrictModeBoundary(t *testing.T) {
	f := newDSFixture(t, Policy{Default: "A"}, "A", "B")
	for _, name := range []string{"A", "B"} {
		f.pool(t, name).SetExecError(errors.New("connection refused"))
	}
	require.NoError(t, f.checker.CheckNowAndWait(context.Background()))
	require.Equal(t, map[string]bool{"A": false, "B": false}, f.checker.HealthStatus())

	for _, kind := range router.Kinds {
		b, err := f.ds.Resolve(context.Background(), router.RoutingContext{Kind: kind})
		require.NoError(t, err)
		assert.Equal(t, "A", b.Name, kind.String())
	}

	f.ds.SetStrict(true)
	for _, kind := range router.Kinds {
		_, err := f.ds.Resolve(context.Background(), router.RoutingContext{Kind: kind})
		assert.ErrorIs(t, err, ErrNoBackend, kind.String())
		var rerr *RoutingError
		assert.ErrorAs(t, err, &rerr)
	}
}

type emptyRouter struct{}

func (emptyRouter) Name() string { return "empty" }

func (emptyRouter) SelectDataSource([]string, router.RoutingContext) (string, bool) { return "", false }

func TestUnhealthyDefaultPolicy(t *testing.T) {
	f := newDSFixture(t, Policy{Default: "A"}, "A")
	f.pool(t, "A").SetExecError(errors.New("connection refused"))
	require.NoError(t, f.checker.CheckNowAndWait(context.Background()))
	require.False(t, f.checker.IsHealthy("A"))

	// degrade: the default comes back even though it is down
	b, err := f.ds.Resolve(context.Background(), router.RoutingContext{Kind: router.KindWrite})
	require.NoError(t, err)
	assert.Equal(t, "A", b.Name)

	f.ds.mu.Lock()
	f.ds.policy.FailOnUnhealthyDefault = true
	f.ds.mu.Unlock()

	before := testutil.ToFloat64(metrics.RoutingErrorsTotal.WithLabelValues("write", "default_unhealthy"))
	_, err = f.ds.Resolve(context.Background(), router.RoutingContext{Kind: router.KindWrite})
	assert.ErrorIs(t, err, ErrDefaultUnhealthy)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RoutingErrorsTotal.WithLabelValues("write", "default_unhealthy")))
}

func TestOverride(t *testing.T) {
	f := newDSFixture(t, Policy{Default: "A"}, "A", "B")

	b, err := f.ds.Resolve(context.Background(), router.RoutingContext{Kind: router.KindWrite, Override: "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", b.Name)

	// never pinned to a dead backend
	f.pool(t, "B").SetExecError(errors.New("connection refused"))
	require.NoError(t, f.checker.CheckNowAndWait(context.Background()))
	b, err = f.ds.Resolve(context.Background(), router.RoutingContext{Kind: router.KindWrite, Override: "B"})
	require.NoError(t, err)
	assert.Equal(t, "A", b.Name)

	b, err = f.ds.Resolve(context.Background(), router.RoutingContext{Override: "nope"})
	require.NoError(t, err)
	assert.Equal(t, "A", b.Name)
}

func TestDefaultNotRegistered(t *testing.T) {
	f := newDSFixture(t, Policy{Default: "A"}, "B")
	f.selector.Register(&emptyRouter{})
	require.NoError(t, f.selector.SetStrategy(router.KindOther, "empty", ""))

	_, err := f.ds.Resolve(context.Background(), router.RoutingContext{})
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestResolveHonoursCancelledContext(t *testing.T) {
	f := newDSFixture(t, Policy{Default: "A"}, "A")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.ds.Resolve(ctx, router.RoutingContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIdempotentAdd(t *testing.T) {
	f := newDSFixture(t, Policy{Default: "A"}, "A")
	first := f.pool(t, "A")

	second := testutils.NewFakePool(dialect.MySQL)
	f.ds.Add("A", second, config.BackendConfig{DSN: "other"})

	assert.Equal(t, []string{"A"}, f.ds.ListBackends())
	b, ok := f.registry.Get("A")
	require.True(t, ok)
	assert.Same(t, second, b.Pool.(*testutils.FakePool))
	assert.Equal(t, "other", b.Config.DSN)
	assert.Eventually(t, first.Closed, testWait, testTick)
	assert.False(t, second.Closed())
}

func TestRemoveAndSwitchDefault(t *testing.T) {
	f := newDSFixture(t, Policy{Default: "A"}, "A", "B")

	_, err := f.ds.Remove("A")
	assert.Error(t, err, "default cannot be removed")

	_, err = f.ds.Remove("missing")
	assert.ErrorIs(t, err, ErrUnknownBackend)

	assert.ErrorIs(t, f.ds.SwitchDefault("missing"), ErrUnknownBackend)
	require.NoError(t, f.ds.SwitchDefault("B"))
	assert.Equal(t, "B", f.ds.Default())

	removed, err := f.ds.Remove("A")
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, "A", removed.Name)
	assert.Equal(t, []string{"B"}, f.ds.ListBackends())
	_, tracked := f.checker.Record("A")
	assert.False(t, tracked)
}

func TestRemovePendingRecovery(t *testing.T) {
	f := newDSFixture(t, Policy{Default: "A"}, "A")
	f.checker.TrackFailed("B", config.BackendConfig{DSN: "b"}, errors.New("connection refused"))

	removed, err := f.ds.Remove("B")
	require.NoError(t, err)
	assert.Nil(t, removed)
	assert.Empty(t, f.checker.FailedBackends())
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RoutingConfig{Default: "main", Strict: true, UnhealthyDefault: "fail"})
	assert.Equal(t, Policy{Default: "main", Strict: true, FailOnUnhealthyDefault: true}, p)

	p = PolicyFromConfig(config.RoutingConfig{Default: "main"})
	assert.False(t, p.FailOnUnhealthyDefault)
}

var _ HealthGate = (*health.Checker)(nil)
