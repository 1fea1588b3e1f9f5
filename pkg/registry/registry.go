// Package registry is the thread-safe map from logical backend name to live
// backend. It owns registration only; pool lifecycle stays with the caller.
package registry

import (
	"sort"
	"sync"

	"github.com/migadu/dbrouter/pkg/backend"
)

type Registry struct {
	mu       sync.RWMutex
	backends map[string]*backend.Backend
}

func New() *Registry {
	return &Registry{backends: make(map[string]*backend.Backend)}
}

// Add registers b under b.Name, replacing and returning any previous entry.
func (r *Registry) Add(b *backend.Backend) *backend.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.backends[b.Name]
	r.backends[b.Name] = b
	return prev
}

// Remove unregisters name and returns what was registered.
func (r *Registry) Remove(name string) (*backend.Backend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.backends[name]
	if ok {
		delete(r.backends, name)
	}
	return b, ok
}

// RemoveIf unregisters name only while it still maps to expected. It
// reports whether the entry was removed.
func (r *Registry) RemoveIf(name string, expected *backend.Backend) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.backends[name]; ok && cur == expected {
		delete(r.backends, name)
		return true
	}
	return false
}

func (r *Registry) Get(name string) (*backend.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	return b, ok
}

// Names returns a sorted snapshot of registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Snapshot returns the registered backends sorted by name.
func (r *Registry) Snapshot() []*backend.Backend {
	r.mu.RLock()
	out := make([]*backend.Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}
