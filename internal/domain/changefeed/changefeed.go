// Package changefeed describes the invalidation signals exchanged between
// engine instances and connected clients. An event only says that something in
// a collection changed. Consumers react by re-reading state, never by applying
// the event as a delta.
package changefeed

import (
	"context"
	"time"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_changefeed.go -package=mocks . Publisher,Subscriber

// Collection names a record collection of the data store.
type Collection string

const (
	CollectionCategories Collection = "categories"
	CollectionMachines   Collection = "machines"
	CollectionUsers      Collection = "users"
	CollectionBookings   Collection = "bookings"
	CollectionAudit      Collection = "audit"
)

// ChangeType is the kind of write that happened.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Event is delivered at least once and in no particular order.
type Event struct {
	Collection Collection `json:"collection"`
	ChangeType ChangeType `json:"changeType"`
	// EntityID is a hint only and may be empty.
	EntityID string    `json:"entityId,omitempty"`
	At       time.Time `json:"at"`
}

// Handler consumes events.
type Handler func(ctx context.Context, event Event)

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber delivers events to a handler until the returned cancel func is called.
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) (func(), error)
}

// Multi publishes to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
