// Package events carries health transitions out of the engine. Publishing is
// fire-and-forget: the health checker hands events to a Publisher and never
// waits for, or learns about, delivery failures.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeFailure      Type = "failure"
	TypeRecovered    Type = "recovered"
	TypeHealthStatus Type = "health_status"
)

type Event struct {
	ID      uuid.UUID `json:"id"`
	Type    Type      `json:"type"`
	Backend string    `json:"backend"`
	Healthy bool      `json:"healthy"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(t Type, backend string, healthy bool, detail string) Event {
	return Event{
		ID:      uuid.New(),
		Type:    t,
		Backend: backend,
		Healthy: healthy,
		Detail:  detail,
		At:      time.Now().UTC(),
	}
}

// Publisher receives health transitions. Implementations must not block.
type Publisher interface {
	PublishFailure(name, reason string)
	PublishRecovered(name string)
	PublishHealthStatus(name string, healthy bool, detail string)
}

// Sink is a delivery target behind the Async publisher.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishFailure(string, string)            {}
func (Nop) PublishRecovered(string)                  {}
func (Nop) PublishHealthStatus(string, bool, string) {}
