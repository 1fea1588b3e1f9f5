package router

import (
	"sort"
	"sync"
)

// FailoverRouter returns the first candidate, in priority order, that it
// considers healthy. Its failure counters are fed by callers that observed
// errors against a backend and are independent of the health checker.
type FailoverRouter struct {
	mu        sync.RWMutex
	priority  []string
	threshold int
	failures  map[string]int
}

// NewFailoverRouter marks a backend unhealthy after threshold consecutive
// failures. Thresholds below 1 are treated as 1.
func NewFailoverRouter(priority []string, threshold int) *FailoverRouter {
	if threshold < 1 {
		threshold = 1
	}
	return &FailoverRouter{
		priority:  append([]string(nil), priority...),
		threshold: threshold,
		failures:  make(map[string]int),
	}
}

func (r *FailoverRouter) Name() string { return NameFailover }

// SetPriority replaces the priority order. Failure counts are kept.
func (r *FailoverRouter) SetPriority(priority []string) {
	r.mu.Lock()
	r.priority = append([]string(nil), priority...)
	r.mu.Unlock()
}

func (r *FailoverRouter) Priority() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.priority...)
}

// MarkFailure records one failure and reports whether name is now unhealthy.
func (r *FailoverRouter) MarkFailure(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures[name]++
	return r.failures[name] >= r.threshold
}

// MarkRecovered clears the failure count of name.
func (r *FailoverRouter) MarkRecovered(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.failures[name]; ok {
		r.failures[name] = 0
	}
}

// Forget drops all state kept for name.
func (r *FailoverRouter) Forget(name string) {
	r.mu.Lock()
	delete(r.failures, name)
	r.mu.Unlock()
}

// HealthStatus reports the router's own view of every backend it knows,
// which are the priority list plus anything that has been marked.
func (r *FailoverRouter) HealthStatus() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[string]bool, len(r.priority)+len(r.failures))
	for _, name := range r.priority {
		status[name] = r.failures[name] < r.threshold
	}
	for name, n := range r.failures {
		status[name] = n < r.threshold
	}
	return status
}

func (r *FailoverRouter) SelectDataSource(candidates []string, rc RoutingContext) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inPriority := make(map[string]bool, len(r.priority))
	for _, name := range r.priority {
		inPriority[name] = true
		if contains(candidates, name) && r.failures[name] < r.threshold {
			return name, true
		}
	}

	rest := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !inPriority[c] {
			rest = append(rest, c)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		if r.failures[name] < r.threshold {
			return name, true
		}
	}
	return "", false
}
