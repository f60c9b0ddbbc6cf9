package redis

import (
	"context"
	"time"

	"github.com/snowtrack/progress-engine/internal/domain/shared"
)

// EventMessage is the JSON envelope published on Redis channels.
type EventMessage struct {
	Type        string         `json:"type"`
	AggregateID string         `json:"aggregate_id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Payload     map[string]any `json:"payload"`
}

// EventForwarder republishes domain events on "events:<type>" channels so
// other services (notifications, dashboards) can react to unlocks and
// level-ups without polling.
type EventForwarder struct {
	cache   *Cache
	timeout time.Duration
}

// NewEventForwarder creates a forwarder.
func NewEventForwarder(cache *Cache) *EventForwarder {
	return &EventForwarder{cache: cache, timeout: 2 * time.Second}
}

// Handle publishes one event; register it with the bus as a shared.EventHandler.
func (f *EventForwarder) Handle(event shared.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	msg := EventMessage{
		Type:        string(event.EventType()),
		AggregateID: event.AggregateID(),
		OccurredAt:  event.OccurredAt(),
		Payload:     event.Payload(),
	}
	return f.cache.Publish(ctx, PubSubChannel(msg.Type), msg)
}
