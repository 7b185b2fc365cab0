package events

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	TypeBreachDetected = "breach.detected"
	TypeBreachResolved = "breach.resolved"
	TypeBreachClosed   = "breach.closed"
)

// Event is an ephemeral value; it is not persisted except through the
// notification log.
type Event struct {
	Type       string
	Payload    map[string]any
	OccurredAt time.Time
}

type Handler func(Event)

type subscriber struct {
	name    string
	handler Handler
}

// Bus dispatches synchronously to subscribers in registration order. The
// subscriber set is built once at startup and treated as read-only after.
type Bus struct {
	subscribers map[string][]subscriber
	logger      *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{subscribers: map[string][]subscriber{}, logger: logger}
}

func (b *Bus) Subscribe(eventType, name string, handler Handler) {
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber{name: name, handler: handler})
}

// Publish delivers the event to every subscriber for its type. A failing
// subscriber is logged and skipped; it never blocks the others.
func (b *Bus) Publish(evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	for _, sub := range b.subscribers[evt.Type] {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				slog.String("subscriber", sub.name),
				slog.String("type", evt.Type),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	sub.handler(evt)
}

// BreachPayload is the stable wire shape for breach.* events. Consumers
// tolerate unknown extra keys.
func BreachPayload(expectationID, objectID, direction string, deviationPercent float64, extra map[string]any) map[string]any {
	payload := map[string]any{
		"expectation_id":    expectationID,
		"object_id":         objectID,
		"direction":         direction,
		"deviation_percent": deviationPercent,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}
