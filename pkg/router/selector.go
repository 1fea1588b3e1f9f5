package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/migadu/dbrouter/logger"
)

// Strategy names the routers consulted for one operation kind.
type Strategy struct {
	Primary  string
	Fallback string
}

// Selection is the outcome of a successful Select.
type Selection struct {
	Backend string
	Router  string
}

// Selector holds named routers and, per operation kind, which router to ask
// first and which one to fall back to.
type Selector struct {
	mu         sync.RWMutex
	routers    map[string]Router
	strategies map[OperationKind]Strategy
}

// DefaultStrategies splits reads and writes first and uses failover as the
// safety net. OTHER work goes to failover first.
func DefaultStrategies() map[OperationKind]Strategy {
	return map[OperationKind]Strategy{
		KindRead:  {Primary: NameReadWrite, Fallback: NameFailover},
		KindWrite: {Primary: NameReadWrite, Fallback: NameFailover},
		KindOther: {Primary: NameFailover, Fallback: NameReadWrite},
	}
}

func NewSelector() *Selector {
	return &Selector{
		routers:    make(map[string]Router),
		strategies: DefaultStrategies(),
	}
}

// Register adds or replaces a router under its Name.
func (s *Selector) Register(r Router) {
	s.mu.Lock()
	s.routers[r.Name()] = r
	s.mu.Unlock()
}

func (s *Selector) Router(name string) (Router, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routers[name]
	return r, ok
}

// Routers returns the registered router names, sorted.
func (s *Selector) Routers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.routers))
	for name := range s.routers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetStrategy sets the routers for kind. An empty fallback disables the
// second tier. The primary must already be registered.
func (s *Selector) SetStrategy(kind OperationKind, primary, fallback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.routers[primary]; !ok {
		return fmt.Errorf("unknown router '%s'", primary)
	}
	if fallback != "" {
		if _, ok := s.routers[fallback]; !ok {
			return fmt.Errorf("unknown router '%s'", fallback)
		}
	}
	s.strategies[kind] = Strategy{Primary: primary, Fallback: fallback}
	return nil
}

func (s *Selector) Strategy(kind OperationKind) Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategies[kind]
}

// Select asks the primary router of kind and, when it has no answer, the
// fallback router. The candidate slice is not modified.
func (s *Selector) Select(kind OperationKind, candidates []string, rc RoutingContext) (Selection, bool) {
	s.mu.RLock()
	st := s.strategies[kind]
	primary := s.routers[st.Primary]
	fallback := s.routers[st.Fallback]
	s.mu.RUnlock()

	for _, r := range []Router{primary, fallback} {
		if r == nil {
			continue
		}
		if name, ok := r.SelectDataSource(candidates, rc); ok {
			return Selection{Backend: name, Router: r.Name()}, true
		}
		logger.Debug("Router had no usable backend", "component", "ROUTER", "router", r.Name(), "kind", kind.String())
	}
	return Selection{}, false
}
