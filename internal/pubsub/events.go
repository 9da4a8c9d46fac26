// Package pubsub provides a generic publish/subscribe event system.
// Resolvers publish one event per refresh cycle or cache mutation, and the
// logger publishes every formatted line.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"

	// Refresh cycle outcomes.
	RefreshedEvent EventType = "refreshed" // new snapshot adopted
	UnchangedEvent EventType = "unchanged" // source reported no change
	ExpiredEvent   EventType = "expired"   // fetched document was already expired
	FailedEvent    EventType = "failed"    // fetch, parse, filter or hook failure
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
