// Package events carries domain events between the pipeline's processors and
// the notification boundary. Processors publish facts about opportunities
// (assigned, qualified, promoted, stuck); subscribers are wired in at startup
// and never feed back into routing decisions.
package events

import (
	"context"
	"time"
)

// Event is implemented by every domain event the pipeline emits.
type Event interface {
	// EventName returns a unique identifier for the event type,
	// e.g. "pipeline.opportunity.assigned".
	EventName() string
	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time
}

// BaseEvent provides the timestamp common to all events.
type BaseEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// OccurredAt returns when the event occurred.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// NewBaseEvent creates a base event stamped with the current time.
func NewBaseEvent() BaseEvent {
	return BaseEvent{Timestamp: time.Now()}
}

// Handler processes events of a specific type.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts an ordinary function into a Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls the underlying function.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus decouples the processors from whoever observes opportunity events.
// Publishing never blocks message handling and never fails it.
type Bus interface {
	// Publish sends an event to all handlers registered for its name.
	// Handlers run asynchronously; their errors are logged, not returned.
	Publish(ctx context.Context, event Event)

	// Subscribe registers a handler for a specific event type.
	// The eventName must match the value returned by Event.EventName().
	Subscribe(eventName string, handler Handler)
}
