package router

import (
	"sync"
	"sync/atomic"
)

// ReadWriteRouter sends READ work to replicas in weighted round-robin and
// everything else to the primary.
type ReadWriteRouter struct {
	mu      sync.RWMutex
	primary string
	slots   []string

	next atomic.Uint64
}

// NewReadWriteRouter builds a router for primary and replicas. A replica
// missing from weights gets weight 1; weight 0 takes it out of rotation.
func NewReadWriteRouter(primary string, replicas []string, weights map[string]int) *ReadWriteRouter {
	r := &ReadWriteRouter{primary: primary}
	r.SetReplicas(replicas, weights)
	return r
}

func (r *ReadWriteRouter) Name() string { return NameReadWrite }

func (r *ReadWriteRouter) SetPrimary(name string) {
	r.mu.Lock()
	r.primary = name
	r.mu.Unlock()
}

func (r *ReadWriteRouter) Primary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// SetReplicas replaces the replica rotation. Slots are interleaved so that
// heavier replicas are spread across the cycle instead of clustered.
func (r *ReadWriteRouter) SetReplicas(replicas []string, weights map[string]int) {
	remaining := make([]int, len(replicas))
	total := 0
	for i, name := range replicas {
		w, ok := weights[name]
		if !ok {
			w = 1
		}
		if w < 0 {
			w = 0
		}
		remaining[i] = w
		total += w
	}

	slots := make([]string, 0, total)
	for len(slots) < total {
		for i, name := range replicas {
			if remaining[i] > 0 {
				slots = append(slots, name)
				remaining[i]--
			}
		}
	}

	r.mu.Lock()
	r.slots = slots
	r.mu.Unlock()
}

// Replicas returns the distinct replica names in rotation order.
func (r *ReadWriteRouter) Replicas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, s := range r.slots {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (r *ReadWriteRouter) SelectDataSource(candidates []string, rc RoutingContext) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rc.Kind != KindRead {
		if contains(candidates, r.primary) {
			return r.primary, true
		}
		return "", false
	}

	n := uint64(len(r.slots))
	if n == 0 {
		return "", false
	}
	start := r.next.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		name := r.slots[(start+i)%n]
		if contains(candidates, name) {
			return name, true
		}
	}
	return "", false
}
