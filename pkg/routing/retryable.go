package routing

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/dbrouter/pkg/backend"
	"github.com/migadu/dbrouter/pkg/circuitbreaker"
)

// isRetryableError reports whether err is a transient fault of the backend
// and the unit of work may be tried again, possibly elsewhere.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Do not retry if the circuit breaker refused or the caller gave up.
	if circuitbreaker.IsOpenError(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
		switch pgErr.Code {
		// Class 40: Transaction Rollback (deadlock, serialization failure)
		case "40001", "40P01":
			return true
		// Class 53: Insufficient Resources (too many connections)
		case "53300":
			return true
		// Class 57: Operator Intervention (admin shutdown, crash shutdown, cannot connect now)
		case "57P01", "57P02", "57P03":
			return true
		// Class 08: Connection Exception
		case "08000", "08001", "08003", "08004", "08006", "08007", "08P01":
			return true
		}
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040, 1205, 1213: // too many connections, lock wait timeout, deadlock
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	switch backend.Classify(err) {
	case backend.CategoryConnectionRefused, backend.CategoryTimeout:
		return true
	}
	return false
}
