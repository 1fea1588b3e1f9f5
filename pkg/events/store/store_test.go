package store

import (
	"context"
	"io/fs"
	"testing"
	"time"

	"github.com/migadu/dbrouter/pkg/events"
	"github.com/migadu/dbrouter/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	require.NoError(t, err)
	assert.Contains(t, files, "migrations/000001_health_events.up.sql")
	assert.Contains(t, files, "migrations/000001_health_events.down.sql")
}

// TestStoreRoundTrip needs a PostgreSQL database, see testutils.PostgresBackend.
func TestStoreRoundTrip(t *testing.T) {
	dsn := testutils.PostgresBackend(t).DSN
	if dsn == "" {
		t.Skip("test backend has no dsn")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	backend := "store-test-" + time.Now().Format("150405.000000")
	failure := events.NewEvent(events.TypeFailure, backend, false, "connection refused")
	recovered := events.NewEvent(events.TypeRecovered, backend, true, "")
	recovered.At = failure.At.Add(time.Second)

	require.NoError(t, s.Handle(ctx, failure))
	require.NoError(t, s.Handle(ctx, recovered))
	require.NoError(t, s.Handle(ctx, recovered), "duplicate delivery is ignored")

	history, err := s.History(ctx, backend, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, recovered.ID, history[0].ID)
	assert.Equal(t, events.TypeRecovered, history[0].Type)
	assert.Equal(t, events.TypeFailure, history[1].Type)
	assert.Equal(t, "connection refused", history[1].Detail)

	// migrations are idempotent
	again, err := Open(ctx, dsn)
	require.NoError(t, err)
	again.Close()
}
