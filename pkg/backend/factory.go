package backend

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/helpers"
	"github.com/migadu/dbrouter/logger"
	_ "modernc.org/sqlite"
)

// Factory builds a new pool from a stored configuration. It is used at
// startup, by the admin surface and by the health checker's recovery pass.
type Factory interface {
	Build(ctx context.Context, name string, cfg config.BackendConfig) (Pool, error)
}

// SQLFactory builds database/sql backed pools. PostgreSQL goes through
// pgxpool, MySQL through go-sql-driver, SQLite through modernc.org/sqlite.
// Any other driver name is handed to sql.Open, so drivers registered by the
// embedding program work too.
type SQLFactory struct{}

func NewSQLFactory() *SQLFactory {
	return &SQLFactory{}
}

// Build opens the pool and pings it once. On any failure the partially built
// pool is closed and a *ConfigurationError is returned.
func (f *SQLFactory) Build(ctx context.Context, name string, cfg config.BackendConfig) (Pool, error) {
	driver := cfg.GetDriver()

	var (
		pool *SQLPool
		dsn  string
		err  error
	)
	switch driver {
	case "pgx", "postgres", "postgresql":
		pool, dsn, err = openPostgres(ctx, cfg)
	case "mysql":
		pool, dsn, err = openMySQL(cfg)
	default:
		if driver == "sqlite3" {
			driver = "sqlite"
		}
		pool, dsn, err = openGeneric(driver, cfg)
	}
	if err != nil {
		return nil, NewConfigurationError(name, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.GetConnectTimeoutWithDefault())
	defer cancel()
	if err := pool.DB().PingContext(pingCtx); err != nil {
		_ = pool.Close()
		cfgErr := NewConfigurationError(name, err)
		logger.Warn("Backend pool failed to connect", "component", "FACTORY", "backend", name,
			"driver", driver, "dsn", helpers.MaskDSN(dsn), "category", string(cfgErr.Category))
		return nil, cfgErr
	}

	logger.Info("Backend pool created", "component", "FACTORY", "backend", name,
		"driver", driver, "dsn", helpers.MaskDSN(dsn))
	return pool, nil
}

func openPostgres(ctx context.Context, cfg config.BackendConfig) (*SQLPool, string, error) {
	dsn := cfg.DSN
	if dsn == "" {
		port, err := cfg.GetPort()
		if err != nil {
			return nil, "", err
		}
		sslMode := "disable"
		if cfg.TLSMode {
			sslMode = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
			Path:     "/" + cfg.Name,
			RawQuery: "sslmode=" + sslMode,
		}
		dsn = u.String()
	}

	pgxCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, dsn, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		pgxCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		pgxCfg.MinConns = int32(cfg.MinConns)
	}
	lifetime, err := cfg.GetMaxConnLifetime()
	if err != nil {
		return nil, dsn, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	idle, err := cfg.GetMaxConnIdleTime()
	if err != nil {
		return nil, dsn, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	pgxCfg.MaxConnLifetime = lifetime
	pgxCfg.MaxConnIdleTime = idle
	pgxCfg.ConnConfig.ConnectTimeout = cfg.GetConnectTimeoutWithDefault()

	pgxPool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, dsn, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return newPgxSQLPool(stdlib.OpenDBFromPool(pgxPool), pgxPool), dsn, nil
}

func openMySQL(cfg config.BackendConfig) (*SQLPool, string, error) {
	var myCfg *mysql.Config
	if cfg.DSN != "" {
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, cfg.DSN, fmt.Errorf("invalid dsn: %w", err)
		}
		myCfg = parsed
	} else {
		port, err := cfg.GetPort()
		if err != nil {
			return nil, "", err
		}
		myCfg = mysql.NewConfig()
		myCfg.User = cfg.User
		myCfg.Passwd = cfg.Password
		myCfg.Net = "tcp"
		myCfg.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		myCfg.DBName = cfg.Name
		if cfg.TLSMode {
			myCfg.TLSConfig = "true"
		}
	}
	if myCfg.Timeout == 0 {
		myCfg.Timeout = cfg.GetConnectTimeoutWithDefault()
	}

	dsn := myCfg.FormatDSN()
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, dsn, err
	}
	if err := applySizing(db, cfg); err != nil {
		_ = db.Close()
		return nil, dsn, err
	}
	return NewSQLPool(db), dsn, nil
}

func openGeneric(driver string, cfg config.BackendConfig) (*SQLPool, string, error) {
	dsn := cfg.DSN
	if dsn == "" && driver == "sqlite" {
		dsn = cfg.Name
	}
	if dsn == "" {
		return nil, "", fmt.Errorf("missing dsn for driver %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, dsn, err
	}
	if err := applySizing(db, cfg); err != nil {
		_ = db.Close()
		return nil, dsn, err
	}
	return NewSQLPool(db), dsn, nil
}

func applySizing(db *sql.DB, cfg config.BackendConfig) error {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	lifetime, err := cfg.GetMaxConnLifetime()
	if err != nil {
		return fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	idle, err := cfg.GetMaxConnIdleTime()
	if err != nil {
		return fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(idle)
	return nil
}
