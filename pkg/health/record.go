package health

import (
	"fmt"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/pkg/backend"
	"github.com/migadu/dbrouter/pkg/dialect"
	"github.com/migadu/dbrouter/pkg/retry"
)

type State int

const (
	StateUnchecked State = iota
	StateHealthy
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unchecked"
	}
}

// Record is the checker's view of one backend. LastError only ever holds a
// sanitized category, never a raw driver message.
type Record struct {
	Name                string          `json:"name"`
	State               State           `json:"-"`
	Status              string          `json:"status"`
	Dialect             dialect.Dialect `json:"dialect"`
	LastCheckedAt       time.Time       `json:"last_checked_at,omitempty"`
	LastError           string          `json:"last_error,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	PendingRecovery     bool            `json:"pending_recovery"`
}

// Healthy reports whether the last probe succeeded.
func (r Record) Healthy() bool {
	return r.State == StateHealthy
}

// ProbeError describes a failed probe or rebuild. It never leaves the
// checker; callers only see state transitions and events.
type ProbeError struct {
	Backend  string
	Category backend.Category
	Err      error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe of backend '%s' failed: %s", e.Backend, e.Category)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

func newProbeError(name string, err error) *ProbeError {
	return &ProbeError{Backend: name, Category: backend.Classify(err), Err: err}
}

type Options struct {
	Interval        time.Duration
	ProbeTimeout    time.Duration
	RecoveryTimeout time.Duration
	RecoveryBackoff retry.BackoffConfig
	// RemoveOnFailure drops failed backends from the registry and rebuilds
	// them through the factory. When false they stay registered, are kept
	// out of routing by the health gate and are simply probed again.
	RemoveOnFailure bool
}

func DefaultOptions() Options {
	return Options{
		Interval:        30 * time.Second,
		ProbeTimeout:    5 * time.Second,
		RecoveryTimeout: 10 * time.Second,
		RecoveryBackoff: retry.BackoffConfig{
			InitialInterval: 30 * time.Second,
			MaxInterval:     10 * time.Minute,
			Multiplier:      2,
			Jitter:          true,
		},
		RemoveOnFailure: true,
	}
}

// OptionsFromConfig applies the [health] section on top of DefaultOptions.
func OptionsFromConfig(cfg config.HealthConfig) Options {
	opts := DefaultOptions()
	opts.Interval = cfg.GetIntervalWithDefault()
	opts.ProbeTimeout = cfg.GetProbeTimeoutWithDefault()
	opts.RecoveryTimeout = cfg.GetRecoveryTimeoutWithDefault()
	opts.RecoveryBackoff.InitialInterval = cfg.GetRecoveryBackoffWithDefault()
	opts.RecoveryBackoff.MaxInterval = cfg.GetRecoveryBackoffMaxWithDefault()
	opts.RemoveOnFailure = cfg.RemoveOnFailure
	return opts
}

type failedEntry struct {
	config      config.BackendConfig
	attempts    int
	nextAttempt time.Time
	lastErr     error
}
