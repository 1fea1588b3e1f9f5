// Package circuitbreaker guards calls against a single backend. Engine.Execute
// keeps one breaker per backend name; an open breaker makes the engine count
// the backend as failing without sending more work to it until the timeout
// elapses and a half-open trial succeeds.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/dbrouter/logger"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Settings configures a breaker. Zero values get defaults in
// NewCircuitBreaker.
type Settings struct {
	Name string
	// MaxRequests is how many trial calls a half-open breaker admits.
	MaxRequests uint32
	// Interval clears the counts of a closed breaker periodically; zero
	// keeps them until the state changes.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout       time.Duration
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from State, to State)
	// IsSuccessful decides whether an error counts against the backend.
	// Query errors such as syntax errors should not trip the breaker.
	IsSuccessful func(err error) bool
}

func (st Settings) withDefaults() Settings {
	if st.Name == "" {
		st.Name = "breaker"
	}
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	if st.Interval < 0 {
		st.Interval = 0
	}
	if st.Timeout <= 0 {
		st.Timeout = time.Minute
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if st.IsSuccessful == nil {
		st.IsSuccessful = func(err error) bool { return err == nil }
	}
	return st
}

// Counts are the outcomes seen in the current epoch.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(ok bool) {
	if ok {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker counts outcomes per epoch. Every state change, and every
// expired closed interval, starts a new epoch; outcomes of calls admitted
// in an earlier epoch are ignored.
type CircuitBreaker struct {
	st Settings

	mu       sync.Mutex
	state    State
	epoch    uint64
	counts   Counts
	deadline time.Time // end of the closed interval or of the open timeout
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{st: st.withDefaults()}
	cb.newEpoch(time.Now())
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.st.Name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(time.Now())
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs req if the breaker admits it. A panic in req is recorded as a
// failure and re-raised.
func (cb *CircuitBreaker) Execute(req func() error) error {
	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			cb.settle(epoch, false)
			panic(p)
		}
	}()

	err = req()
	cb.settle(epoch, cb.st.IsSuccessful(err))
	return err
}

// ExecuteContext is Execute with an early exit when ctx is already done.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return cb.Execute(func() error {
		return fn(ctx)
	})
}

// ForceHalfOpen ends the open timeout early so the next calls are admitted
// as trials. It does nothing unless the breaker is open.
func (cb *CircuitBreaker) ForceHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.advance(now)
	if cb.state == StateOpen {
		cb.moveTo(StateHalfOpen, now)
	}
}

// Reset closes the breaker and clears its counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.state == StateClosed {
		cb.newEpoch(now)
		return
	}
	cb.moveTo(StateClosed, now)
}

// IsOpenError reports whether err was returned because the breaker refused
// the request.
func IsOpenError(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests)
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(time.Now())
	switch {
	case cb.state == StateOpen:
		return 0, ErrCircuitBreakerOpen
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.st.MaxRequests:
		return 0, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.advance(now)
	if epoch != cb.epoch {
		return
	}
	cb.counts.record(ok)

	switch {
	case cb.state == StateHalfOpen && ok:
		cb.moveTo(StateClosed, now)
	case cb.state == StateHalfOpen:
		cb.moveTo(StateOpen, now)
	case !ok && cb.st.ReadyToTrip(cb.counts):
		cb.moveTo(StateOpen, now)
	}
}

// advance applies the transitions that are due by now.
func (cb *CircuitBreaker) advance(now time.Time) {
	if cb.deadline.IsZero() || now.Before(cb.deadline) {
		return
	}
	if cb.state == StateOpen {
		cb.moveTo(StateHalfOpen, now)
		return
	}
	if cb.state == StateClosed {
		cb.newEpoch(now)
	}
}

func (cb *CircuitBreaker) moveTo(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.newEpoch(now)

	if cb.st.OnStateChange != nil {
		cb.st.OnStateChange(cb.st.Name, from, to)
	}
}

func (cb *CircuitBreaker) newEpoch(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	cb.deadline = time.Time{}

	switch cb.state {
	case StateOpen:
		cb.deadline = now.Add(cb.st.Timeout)
	case StateClosed:
		if cb.st.Interval > 0 {
			cb.deadline = now.Add(cb.st.Interval)
		}
	}
}

// DefaultSettings trips after five consecutive failures and admits a trial
// call after 30 seconds.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from State, to State) {
			logger.Warn("Circuit breaker state changed", "component", "BREAKER", "backend", name, "from", from.String(), "to", to.String())
		},
	}
}
