package testutils

import (
	"sync"

	"github.com/migadu/dbrouter/pkg/events"
)

// RecordedEvent is one publish call seen by a Recorder.
type RecordedEvent struct {
	Type    events.Type
	Backend string
	Healthy bool
	Detail  string
}

// Recorder is a synchronous events.Publisher.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) add(ev RecordedEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) PublishFailure(name, reason string) {
	r.add(RecordedEvent{Type: events.TypeFailure, Backend: name, Detail: reason})
}

func (r *Recorder) PublishRecovered(name string) {
	r.add(RecordedEvent{Type: events.TypeRecovered, Backend: name, Healthy: true})
}

func (r *Recorder) PublishHealthStatus(name string, healthy bool, detail string) {
	r.add(RecordedEvent{Type: events.TypeHealthStatus, Backend: name, Healthy: healthy, Detail: detail})
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEvent(nil), r.events...)
}

// Count returns how many events of type t were published for backend.
func (r *Recorder) Count(t events.Type, backend string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t && ev.Backend == backend {
			n++
		}
	}
	return n
}

// Transitions returns the failure and recovered events of backend in order,
// leaving out health status notices.
func (r *Recorder) Transitions(backend string) []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.events {
		if ev.Backend == backend && ev.Type != events.TypeHealthStatus {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
