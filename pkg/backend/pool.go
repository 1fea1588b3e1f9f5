// Package backend holds the physical side of routing: named connection
// pools, the factory that builds them from configuration and the
// classification of build failures into stable categories.
package backend

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/dbrouter/config"
)

// Conn is a single connection checked out of a pool. *sql.Conn satisfies it.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

// Pool is the lifecycle handle of one physical connection pool.
type Pool interface {
	OpenConnection(ctx context.Context) (Conn, error)
	Close() error
}

// StatsPool is implemented by pools that can report connection statistics.
type StatsPool interface {
	Stats() sql.DBStats
}

// Backend is one named pool together with the configuration it was built
// from. Backends are owned by the registry; everything else refers to them
// by name.
type Backend struct {
	Name   string
	Pool   Pool
	Config config.BackendConfig
}

// SQLPool adapts a *sql.DB to Pool. For PostgreSQL backends the underlying
// pgxpool is kept so Close releases it as well.
type SQLPool struct {
	db  *sql.DB
	pgx *pgxpool.Pool
}

// NewSQLPool wraps an already opened database handle.
func NewSQLPool(db *sql.DB) *SQLPool {
	return &SQLPool{db: db}
}

func newPgxSQLPool(db *sql.DB, pool *pgxpool.Pool) *SQLPool {
	return &SQLPool{db: db, pgx: pool}
}

func (p *SQLPool) OpenConnection(ctx context.Context) (Conn, error) {
	return p.db.Conn(ctx)
}

func (p *SQLPool) Close() error {
	err := p.db.Close()
	if p.pgx != nil {
		p.pgx.Close()
	}
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

// DB exposes the database handle for callers issuing queries.
func (p *SQLPool) DB() *sql.DB {
	return p.db
}

// Stats reports pool statistics. pgx-backed pools report the pgxpool
// counters since database/sql does not keep idle connections for them.
func (p *SQLPool) Stats() sql.DBStats {
	if p.pgx != nil {
		st := p.pgx.Stat()
		return sql.DBStats{
			MaxOpenConnections: int(st.MaxConns()),
			OpenConnections:    int(st.TotalConns()),
			InUse:              int(st.AcquiredConns()),
			Idle:               int(st.IdleConns()),
			WaitCount:          st.EmptyAcquireCount(),
			WaitDuration:       st.AcquireDuration(),
		}
	}
	return p.db.Stats()
}
