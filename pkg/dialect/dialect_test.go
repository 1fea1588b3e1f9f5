package dialect

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// scriptedConn succeeds only for one query.
type scriptedConn struct {
	accept string
	calls  atomic.Int32
}

func (c *scriptedConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.calls.Add(1)
	if query == c.accept {
		return nil, nil
	}
	return nil, errors.New("syntax error")
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Dialect
	}{
		{"postgresql", PostgreSQL},
		{"Postgres", PostgreSQL},
		{" pgx ", PostgreSQL},
		{"MariaDB", MySQL},
		{"sqlite3", SQLite},
		{"mssql", SQLServer},
		{"ORACLE", Oracle},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Parse("db2")
	assert.Error(t, err)
}

func TestParseOrder(t *testing.T) {
	order, err := ParseOrder(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOrder, order)

	order, err = ParseOrder([]string{"sqlite", "postgres", "sqlite3"})
	require.NoError(t, err)
	assert.Equal(t, []Dialect{SQLite, PostgreSQL}, order)

	_, err = ParseOrder([]string{"informix"})
	assert.Error(t, err)
}

func TestQueries(t *testing.T) {
	for _, d := range DefaultOrder {
		assert.NotEmpty(t, d.DetectQuery(), d)
	}
	assert.Equal(t, "SELECT 1 FROM DUAL", Oracle.LivenessQuery())
	assert.Equal(t, "SELECT 1", PostgreSQL.LivenessQuery())
	assert.Equal(t, "SELECT 1", Unknown.LivenessQuery())
}

func TestDetectFollowsOrderAndCaches(t *testing.T) {
	det := NewDetector(nil)
	conn := &scriptedConn{accept: SQLite.DetectQuery()}

	assert.Equal(t, SQLite, det.Detect(context.Background(), "a", conn))
	assert.Equal(t, int32(3), conn.calls.Load())

	// cached: no further queries
	assert.Equal(t, SQLite, det.Detect(context.Background(), "a", conn))
	assert.Equal(t, int32(3), conn.calls.Load())

	det.Invalidate("a")
	_, ok := det.Cached("a")
	assert.False(t, ok)
	assert.Equal(t, SQLite, det.Detect(context.Background(), "a", conn))
	assert.Equal(t, int32(6), conn.calls.Load())
}

func TestDetectConfiguredOrder(t *testing.T) {
	det := NewDetector([]Dialect{Oracle, SQLServer})
	conn := &scriptedConn{accept: SQLServer.DetectQuery()}

	assert.Equal(t, SQLServer, det.Detect(context.Background(), "mssql", conn))
	assert.Equal(t, int32(2), conn.calls.Load())
}

func TestDetectFallback(t *testing.T) {
	det := NewDetector(nil)
	conn := &scriptedConn{accept: "SELECT 1"}

	assert.Equal(t, Fallback, det.Detect(context.Background(), "odd", conn))
	cached, ok := det.Cached("odd")
	assert.True(t, ok)
	assert.Equal(t, MySQL, cached)
}

func TestDetectFallbackNotCachedWhileUnreachable(t *testing.T) {
	det := NewDetector(nil)
	down := &scriptedConn{accept: "nothing answers"}

	assert.Equal(t, Fallback, det.Detect(context.Background(), "flaky", down))
	_, ok := det.Cached("flaky")
	assert.False(t, ok)

	up := &scriptedConn{accept: PostgreSQL.DetectQuery()}
	assert.Equal(t, PostgreSQL, det.Detect(context.Background(), "flaky", up))
	cached, ok := det.Cached("flaky")
	assert.True(t, ok)
	assert.Equal(t, PostgreSQL, cached)
}

func TestDetectCancelledNotCached(t *testing.T) {
	det := NewDetector(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, Unknown, det.Detect(ctx, "x", &scriptedConn{}))
	_, ok := det.Cached("x")
	assert.False(t, ok)
}

func TestDeclare(t *testing.T) {
	det := NewDetector(nil)
	det.Declare("pg", PostgreSQL)
	det.Declare("ignored", Unknown)

	conn := &scriptedConn{}
	assert.Equal(t, PostgreSQL, det.Detect(context.Background(), "pg", conn))
	assert.Zero(t, conn.calls.Load())
	_, ok := det.Cached("ignored")
	assert.False(t, ok)
}

func TestDetectConcurrentSingleRound(t *testing.T) {
	det := NewDetector(nil)
	conn := &scriptedConn{accept: SQLite.DetectQuery()}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, SQLite, det.Detect(context.Background(), "shared", conn))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), conn.calls.Load())
}

func TestDetectRealSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "detect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	det := NewDetector(nil)
	assert.Equal(t, SQLite, det.Detect(context.Background(), "file", conn))

	_, err = conn.ExecContext(context.Background(), SQLite.LivenessQuery())
	assert.NoError(t, err)
}
