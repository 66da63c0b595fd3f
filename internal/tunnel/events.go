package tunnel

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventStateChanged EventType = iota
	EventAdded
	EventUpdated
	EventDeleted
)

// Event carries data about something that happened to the tunnel set.
type Event struct {
	Type    EventType
	Payload any
}

// StatePayload is the payload for EventStateChanged.
type StatePayload struct {
	TunnelID string
	OldState State
	NewState State
	Err      error
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between the TunnelManager and its observers
// (an admin surface, metrics exporter, and so on). Grounded on the
// teacher's core.EventBus (internal/core/events.go).
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()
	for _, h := range handlers {
		go h(e)
	}
}
