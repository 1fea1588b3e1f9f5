// Package dialect identifies which SQL engine family a backend speaks.
//
// Detection runs a short list of engine-specific statements against a live
// connection. Each statement only succeeds on its own engine, so the first
// one that runs without error names the dialect. Results are cached per
// backend name.
package dialect

import (
	"fmt"
	"strings"
)

type Dialect string

const (
	Unknown    Dialect = "unknown"
	PostgreSQL Dialect = "postgresql"
	MySQL      Dialect = "mysql"
	SQLite     Dialect = "sqlite"
	SQLServer  Dialect = "sqlserver"
	Oracle     Dialect = "oracle"
)

// Fallback is assumed when no detection statement succeeds.
const Fallback = MySQL

// DefaultOrder is the probe order used when none is configured.
var DefaultOrder = []Dialect{PostgreSQL, MySQL, SQLite, SQLServer, Oracle}

var aliases = map[string]Dialect{
	"postgresql": PostgreSQL,
	"postgres":   PostgreSQL,
	"pgx":        PostgreSQL,
	"mysql":      MySQL,
	"mariadb":    MySQL,
	"sqlite":     SQLite,
	"sqlite3":    SQLite,
	"sqlserver":  SQLServer,
	"mssql":      SQLServer,
	"oracle":     Oracle,
}

// Parse resolves a dialect name or alias, case-insensitively.
func Parse(s string) (Dialect, error) {
	d, ok := aliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return Unknown, fmt.Errorf("unknown dialect '%s'", s)
	}
	return d, nil
}

// ParseOrder turns a configured probe order into dialects. An empty list
// yields DefaultOrder. Duplicates are dropped.
func ParseOrder(names []string) ([]Dialect, error) {
	if len(names) == 0 {
		return append([]Dialect(nil), DefaultOrder...), nil
	}
	order := make([]Dialect, 0, len(names))
	seen := make(map[Dialect]bool, len(names))
	for _, n := range names {
		d, err := Parse(n)
		if err != nil {
			return nil, err
		}
		if !seen[d] {
			seen[d] = true
			order = append(order, d)
		}
	}
	return order, nil
}

func (d Dialect) String() string {
	return string(d)
}

// DetectQuery is the statement that only succeeds on this engine.
func (d Dialect) DetectQuery() string {
	switch d {
	case PostgreSQL:
		return "SELECT current_setting('server_version_num')"
	case MySQL:
		return "SELECT DATABASE()"
	case SQLite:
		return "SELECT sqlite_version()"
	case SQLServer:
		return "SELECT SERVERPROPERTY('ProductVersion')"
	case Oracle:
		return "SELECT SYS_CONTEXT('USERENV','DB_NAME') FROM DUAL"
	}
	return ""
}

// LivenessQuery is the cheapest round trip the engine accepts.
func (d Dialect) LivenessQuery() string {
	if d == Oracle {
		return "SELECT 1 FROM DUAL"
	}
	return "SELECT 1"
}
