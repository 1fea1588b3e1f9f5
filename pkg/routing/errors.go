package routing

import (
	"errors"
	"fmt"

	"github.com/migadu/dbrouter/pkg/router"
)

var (
	// ErrNoBackend means no router produced a candidate and there was no
	// registered default to degrade to, or strict mode forbade it.
	ErrNoBackend = errors.New("no backend available")

	ErrUnknownBackend = errors.New("unknown backend")

	// ErrDefaultUnhealthy is returned when resolution would degrade to a
	// default backend that is known to be unhealthy and the policy is "fail".
	ErrDefaultUnhealthy = errors.New("default backend is unhealthy")

	// ErrBackendVanished means the chosen backend was removed while
	// resolving, twice in a row.
	ErrBackendVanished = errors.New("backend vanished during resolution")

	ErrClosed = errors.New("routing engine closed")
)

// RoutingError is the only error Resolve returns.
type RoutingError struct {
	Kind   router.OperationKind
	Reason string
	Err    error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("cannot route %s operation: %s", e.Kind, e.Reason)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// reasonLabel keeps the metrics label set small and fixed.
func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrDefaultUnhealthy):
		return "default_unhealthy"
	case errors.Is(err, ErrBackendVanished):
		return "vanished"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "no_backend"
	}
}
