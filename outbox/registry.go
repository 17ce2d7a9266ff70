package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridianware/lib-outbox/event"
)

// DecoderFunc turns a serialized payload back into a concrete domain event.
type DecoderFunc func(payload []byte) (event.Event, error)

// DecoderRegistry maps event type names to decoders.
//
// Registration is explicit. The consumer resolves decoders by the type
// header carried on the message, so producer and consumer agree on names
// rather than on in-process type identity.
type DecoderRegistry struct {
	mu       sync.RWMutex
	decoders map[string]DecoderFunc
}

// NewDecoderRegistry creates an empty decoder registry.
func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{decoders: make(map[string]DecoderFunc)}
}

// Register binds a decoder to an event type name. Registering the same name
// twice is an error; overwriting a decoder at runtime is almost always a
// wiring bug.
func (registry *DecoderRegistry) Register(eventType string, decoder DecoderFunc) error {
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if decoder == nil {
		return ErrDecoderRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.decoders[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrDecoderAlreadyRegistered, eventType)
	}

	registry.decoders[eventType] = decoder

	return nil
}

// Decode resolves the decoder for eventType and applies it to payload.
func (registry *DecoderRegistry) Decode(eventType string, payload []byte) (event.Event, error) {
	registry.mu.RLock()
	decoder, exists := registry.decoders[eventType]
	registry.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrDecoderNotRegistered, eventType)
	}

	evt, err := decoder(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding event %q: %w", eventType, err)
	}

	return evt, nil
}

// Types returns the registered event type names.
func (registry *DecoderRegistry) Types() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	types := make([]string, 0, len(registry.decoders))
	for eventType := range registry.decoders {
		types = append(types, eventType)
	}

	return types
}

// Handler processes a decoded domain event on the consuming side.
type Handler interface {
	Handle(ctx context.Context, evt event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt event.Event) error

// Handle calls the wrapped function.
func (handler HandlerFunc) Handle(ctx context.Context, evt event.Event) error {
	return handler(ctx, evt)
}

// HandlerRegistry maps event type names to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string][]Handler)}
}

// Register appends a handler for an event type. Multiple handlers per type
// run in registration order.
func (registry *HandlerRegistry) Register(eventType string, handler Handler) error {
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.handlers[eventType] = append(registry.handlers[eventType], handler)

	return nil
}

// Dispatch runs every handler registered for the event's type, stopping at
// the first failure so the message is redelivered.
func (registry *HandlerRegistry) Dispatch(ctx context.Context, evt event.Event) error {
	registry.mu.RLock()
	handlers := registry.handlers[evt.EventType()]
	registry.mu.RUnlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, evt.EventType())
	}

	for _, handler := range handlers {
		if err := handler.Handle(ctx, evt); err != nil {
			return fmt.Errorf("handling event %q: %w", evt.EventType(), err)
		}
	}

	return nil
}
