package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatement(t *testing.T) {
	tests := []struct {
		query string
		want  OperationKind
	}{
		{"SELECT * FROM users", KindRead},
		{"  select 1", KindRead},
		{"-- lookup\nSELECT id FROM t", KindRead},
		{"/* hint */ SELECT id FROM t", KindRead},
		{"(SELECT 1) UNION (SELECT 2)", KindRead},
		{"SHOW TABLES", KindRead},
		{"EXPLAIN SELECT 1", KindRead},
		{"WITH x AS (SELECT 1) SELECT * FROM x", KindRead},
		{"WITH d AS (DELETE FROM t RETURNING *) SELECT * FROM d", KindWrite},
		{"SELECT * FROM t FOR UPDATE", KindWrite},
		{"SELECT * FROM t FOR SHARE;", KindWrite},
		{"SELECT a INTO new_t FROM t", KindWrite},
		{"INSERT INTO t VALUES (1)", KindWrite},
		{"update t set a = 1", KindWrite},
		{"DELETE FROM t", KindWrite},
		{"CREATE TABLE t (id int)", KindWrite},
		{"TRUNCATE t", KindWrite},
		{"BEGIN", KindOther},
		{"SET search_path = app", KindOther},
		{"", KindOther},
		{"-- only a comment", KindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStatement(tt.query), tt.query)
	}

	assert.Equal(t, KindWrite, ForStatement("INSERT INTO t VALUES (1)").Kind)
}

func TestParseOperationKind(t *testing.T) {
	for in, want := range map[string]OperationKind{"READ": KindRead, "write": KindWrite, "Other": KindOther, "": KindOther} {
		got, err := ParseOperationKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, want.String(), got.String())
		}
	}
	_, err := ParseOperationKind("select")
	assert.Error(t, err)
}

func TestReadWriteSplit(t *testing.T) {
	r := NewReadWriteRouter("primary", []string{"replicaA", "replicaB"}, nil)
	candidates := []string{"primary", "replicaA", "replicaB"}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		name, ok := r.SelectDataSource(candidates, RoutingContext{Kind: KindRead})
		require.True(t, ok)
		assert.NotEqual(t, "primary", name)
		counts[name]++
	}
	assert.Equal(t, 500, counts["replicaA"])
	assert.Equal(t, 500, counts["replicaB"])

	for i := 0; i < 1000; i++ {
		name, ok := r.SelectDataSource(candidates, RoutingContext{Kind: KindWrite})
		require.True(t, ok)
		assert.Equal(t, "primary", name)
	}

	name, ok := r.SelectDataSource(candidates, RoutingContext{Kind: KindOther})
	require.True(t, ok)
	assert.Equal(t, "primary", name)
}

func TestReadWriteOneReplicaDown(t *testing.T) {
	r := NewReadWriteRouter("primary", []string{"replicaA", "replicaB"}, nil)
	candidates := []string{"primary", "replicaB"}

	for i := 0; i < 100; i++ {
		name, ok := r.SelectDataSource(candidates, RoutingContext{Kind: KindRead})
		require.True(t, ok)
		assert.Equal(t, "replicaB", name)
	}
}

func TestReadWriteNone(t *testing.T) {
	r := NewReadWriteRouter("primary", []string{"replicaA"}, nil)

	_, ok := r.SelectDataSource([]string{"primary"}, RoutingContext{Kind: KindRead})
	assert.False(t, ok, "reads never fall through to the primary")

	_, ok = r.SelectDataSource([]string{"replicaA"}, RoutingContext{Kind: KindWrite})
	assert.False(t, ok)

	noReplicas := NewReadWriteRouter("primary", nil, nil)
	_, ok = noReplicas.SelectDataSource([]string{"primary"}, RoutingContext{Kind: KindRead})
	assert.False(t, ok)
}

func TestReadWriteWeights(t *testing.T) {
	r := NewReadWriteRouter("p", []string{"a", "b", "c"}, map[string]int{"a": 3, "c": 0})
	assert.Equal(t, []string{"a", "b"}, r.Replicas())

	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		name, ok := r.SelectDataSource([]string{"a", "b", "c"}, RoutingContext{Kind: KindRead})
		require.True(t, ok)
		counts[name]++
	}
	assert.Equal(t, 300, counts["a"])
	assert.Equal(t, 100, counts["b"])
	assert.Zero(t, counts["c"])

	r.SetPrimary("a")
	assert.Equal(t, "a", r.Primary())
}

func TestFailoverSingleFailure(t *testing.T) {
	r := NewFailoverRouter([]string{"A", "B"}, 1)
	candidates := []string{"A", "B"}

	name, ok := r.SelectDataSource(candidates, RoutingContext{})
	require.True(t, ok)
	assert.Equal(t, "A", name)

	assert.True(t, r.MarkFailure("A"))
	for i := 0; i < 50; i++ {
		name, ok = r.SelectDataSource(candidates, RoutingContext{})
		require.True(t, ok)
		assert.Equal(t, "B", name)
	}
	assert.Equal(t, map[string]bool{"A": false, "B": true}, r.HealthStatus())

	r.MarkRecovered("A")
	name, _ = r.SelectDataSource(candidates, RoutingContext{})
	assert.Equal(t, "A", name)
}

func TestFailoverThresholdAndExhaustion(t *testing.T) {
	r := NewFailoverRouter([]string{"A", "B"}, 3)

	assert.False(t, r.MarkFailure("A"))
	assert.False(t, r.MarkFailure("A"))
	name, _ := r.SelectDataSource([]string{"A", "B"}, RoutingContext{})
	assert.Equal(t, "A", name)

	assert.True(t, r.MarkFailure("A"))
	for i := 0; i < 3; i++ {
		r.MarkFailure("B")
	}
	_, ok := r.SelectDataSource([]string{"A", "B"}, RoutingContext{})
	assert.False(t, ok)
}

func TestFailoverNonPriorityCandidates(t *testing.T) {
	r := NewFailoverRouter([]string{"A"}, 1)
	r.MarkFailure("A")

	name, ok := r.SelectDataSource([]string{"z", "A", "m"}, RoutingContext{})
	require.True(t, ok)
	assert.Equal(t, "m", name)

	// only candidates are eligible
	r.MarkRecovered("A")
	name, _ = r.SelectDataSource([]string{"m"}, RoutingContext{})
	assert.Equal(t, "m", name)

	r.Forget("A")
	assert.Equal(t, map[string]bool{"A": true}, r.HealthStatus())
}

func TestFailoverSetPriorityKeepsFailures(t *testing.T) {
	r := NewFailoverRouter([]string{"A"}, 1)
	r.MarkFailure("B")

	r.SetPriority([]string{"B", "A"})
	assert.Equal(t, []string{"B", "A"}, r.Priority())

	name, ok := r.SelectDataSource([]string{"A", "B"}, RoutingContext{})
	require.True(t, ok)
	assert.Equal(t, "A", name)
}

func TestTenantRouter(t *testing.T) {
	r := NewTenantRouter(map[string]string{"acme": "shard1"})
	candidates := []string{"shard1", "shard2"}

	name, ok := r.SelectDataSource(candidates, RoutingContext{TenantID: "acme"})
	require.True(t, ok)
	assert.Equal(t, "shard1", name)

	_, ok = r.SelectDataSource(candidates, RoutingContext{})
	assert.False(t, ok)
	_, ok = r.SelectDataSource([]string{"shard2"}, RoutingContext{TenantID: "acme"})
	assert.False(t, ok)

	r.Set("globex", "shard2")
	name, _ = r.SelectDataSource(candidates, RoutingContext{TenantID: "globex"})
	assert.Equal(t, "shard2", name)
	r.Delete("globex")
	_, ok = r.SelectDataSource(candidates, RoutingContext{TenantID: "globex"})
	assert.False(t, ok)
}

func TestSelectorFallsBack(t *testing.T) {
	rw := NewReadWriteRouter("primary", []string{"replica"}, nil)
	fo := NewFailoverRouter([]string{"primary", "replica"}, 1)

	s := NewSelector()
	s.Register(rw)
	s.Register(fo)
	assert.Equal(t, []string{NameFailover, NameReadWrite}, s.Routers())

	sel, ok := s.Select(KindRead, []string{"primary", "replica"}, RoutingContext{Kind: KindRead})
	require.True(t, ok)
	assert.Equal(t, Selection{Backend: "replica", Router: NameReadWrite}, sel)

	// replica gone: read/write router has nothing, failover answers
	sel, ok = s.Select(KindRead, []string{"primary"}, RoutingContext{Kind: KindRead})
	require.True(t, ok)
	assert.Equal(t, Selection{Backend: "primary", Router: NameFailover}, sel)

	// primary gone for writes: failover picks the replica
	sel, ok = s.Select(KindWrite, []string{"replica"}, RoutingContext{Kind: KindWrite})
	require.True(t, ok)
	assert.Equal(t, "replica", sel.Backend)

	_, ok = s.Select(KindWrite, nil, RoutingContext{Kind: KindWrite})
	assert.False(t, ok)
}

func TestSelectorSetStrategy(t *testing.T) {
	s := NewSelector()
	s.Register(NewFailoverRouter([]string{"b", "a"}, 1))
	s.Register(NewTenantRouter(map[string]string{"acme": "a"}))

	assert.Error(t, s.SetStrategy(KindRead, "nope", ""))
	assert.Error(t, s.SetStrategy(KindRead, NameTenant, "nope"))
	require.NoError(t, s.SetStrategy(KindRead, NameTenant, NameFailover))
	assert.Equal(t, Strategy{Primary: NameTenant, Fallback: NameFailover}, s.Strategy(KindRead))

	sel, ok := s.Select(KindRead, []string{"a", "b"}, RoutingContext{Kind: KindRead, TenantID: "acme"})
	require.True(t, ok)
	assert.Equal(t, Selection{Backend: "a", Router: NameTenant}, sel)

	sel, ok = s.Select(KindRead, []string{"a", "b"}, RoutingContext{Kind: KindRead})
	require.True(t, ok)
	assert.Equal(t, Selection{Backend: "b", Router: NameFailover}, sel)

	// default OTHER strategy names read_write which is not registered here
	sel, ok = s.Select(KindOther, []string{"a"}, RoutingContext{})
	require.True(t, ok)
	assert.Equal(t, NameFailover, sel.Router)
}
