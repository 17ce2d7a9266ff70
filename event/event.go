package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a domain event raised by an aggregate.
//
// EventType must be a stable string shared by producer and consumer; it is
// the wire contract used to resolve the decoder on the consuming side, so
// renaming a type requires registering both names during a rollout.
type Event interface {
	EventID() uuid.UUID
	EventType() string
	OccurredAt() time.Time
}

// Raiser is implemented by aggregates that buffer domain events until the
// unit of work drains them into the outbox.
type Raiser interface {
	PendingEvents() []Event
	ClearEvents()
}

// Base carries the identity fields shared by every domain event. Embed it
// and implement EventType on the concrete event.
type Base struct {
	ID         uuid.UUID `json:"id"`
	OccurredOn time.Time `json:"occurredOnUtc"`
}

// NewBase creates event identity with a fresh id and the current UTC time.
func NewBase() Base {
	return Base{ID: uuid.New(), OccurredOn: time.Now().UTC()}
}

// EventID returns the event's unique identifier.
func (base Base) EventID() uuid.UUID { return base.ID }

// OccurredAt returns the event's UTC occurrence time.
func (base Base) OccurredAt() time.Time { return base.OccurredOn }

// Buffer is an embeddable pending-event collector for aggregates.
//
// The zero value is ready to use. Raise, PendingEvents and ClearEvents are
// safe for concurrent use, although aggregates are normally confined to a
// single unit of work.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

// Raise appends a domain event to the pending buffer.
func (buffer *Buffer) Raise(evt Event) {
	if evt == nil {
		return
	}

	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	buffer.events = append(buffer.events, evt)
}

// PendingEvents returns a copy of the buffered events in raise order.
func (buffer *Buffer) PendingEvents() []Event {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	if len(buffer.events) == 0 {
		return nil
	}

	pending := make([]Event, len(buffer.events))
	copy(pending, buffer.events)

	return pending
}

// ClearEvents empties the pending buffer.
func (buffer *Buffer) ClearEvents() {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	buffer.events = nil
}
