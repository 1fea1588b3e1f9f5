// Package store persists health events in PostgreSQL so the history of
// failures and recoveries survives restarts.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/events"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is an events.Sink backed by a health_events table.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create event store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to event store: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source driver: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(s.pool)
	defer sqlDB.Close()

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{MigrationsTable: "dbrouter_schema_migrations"})
	if err != nil {
		return fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply event store migrations: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "store" }

// Handle inserts ev. Re-delivered events with the same ID are ignored.
func (s *Store) Handle(ctx context.Context, ev events.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO health_events (id, type, backend, healthy, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Type), ev.Backend, ev.Healthy, ev.Detail, ev.At)
	if err != nil {
		return fmt.Errorf("failed to store health event: %w", err)
	}
	return nil
}

// History returns the most recent events, newest first. An empty backend
// returns events of all backends.
func (s *Store) History(ctx context.Context, backend string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, backend, healthy, detail, occurred_at
		FROM health_events
		WHERE ($1 = '' OR backend = $1)
		ORDER BY occurred_at DESC
		LIMIT $2`, backend, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query health events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev  events.Event
			typ string
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.Backend, &ev.Healthy, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan health event: %w", err)
		}
		ev.Type = events.Type(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Close() {
	s.pool.Close()
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
