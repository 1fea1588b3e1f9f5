package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Category is a stable, sanitized description of why a backend could not be
// reached or built. Raw driver messages never leave this package through
// ConfigurationError.Error.
type Category string

const (
	CategoryConnectionRefused Category = "connection refused"
	CategoryAuthFailed        Category = "authentication failed"
	CategoryUnknownDatabase   Category = "unknown database"
	CategoryTimeout           Category = "timeout"
	CategoryDriverUnavailable Category = "driver unavailable"
	CategoryInvalidConfig     Category = "invalid configuration"
	CategoryUnknown           Category = "unknown error"
)

// ConfigurationError is returned when a pool cannot be built from a
// BackendConfig.
type ConfigurationError struct {
	Backend  string
	Category Category
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("backend '%s': %s", e.Backend, e.Category)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError classifies err and wraps it.
func NewConfigurationError(backend string, err error) *ConfigurationError {
	return &ConfigurationError{Backend: backend, Category: Classify(err), Err: err}
}

// Classify maps a driver or network error to a Category. Typed errors are
// inspected first, message substrings last.
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return cfgErr.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01":
			return CategoryAuthFailed
		case "3D000":
			return CategoryUnknownDatabase
		case "57014":
			return CategoryTimeout
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045:
			return CategoryAuthFailed
		case 1049:
			return CategoryUnknownDatabase
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CategoryConnectionRefused
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryConnectionRefused
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "no such host", "network is unreachable", "connect: no route"):
		return CategoryConnectionRefused
	case containsAny(msg, "password authentication failed", "access denied", "authentication failed", "login failed"):
		return CategoryAuthFailed
	case containsAny(msg, "unknown database", "no such database") ||
		(strings.Contains(msg, "database") && strings.Contains(msg, "does not exist")):
		return CategoryUnknownDatabase
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return CategoryTimeout
	case containsAny(msg, "unknown driver"):
		return CategoryDriverUnavailable
	case containsAny(msg, "cannot parse", "invalid dsn", "invalid port", "missing dsn", "unable to parse"):
		return CategoryInvalidConfig
	}
	return CategoryUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
