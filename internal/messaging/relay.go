package messaging

import (
	"context"
	"time"

	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/eventbus"
)

// RelayConsumerName identifies the platform relay on the domain event bus.
const RelayConsumerName = "platform-relay"

// Relay forwards every domain event to the platform queue, where the
// out-of-scope collaborators (search indexer, newsletters, notification UI)
// consume the same at-least-once stream.
type Relay struct {
	bus ServiceBusClient
}

// NewRelay creates a relay over the given service bus client.
func NewRelay(bus ServiceBusClient) *Relay {
	return &Relay{bus: bus}
}

type relayEnvelope struct {
	ID            string    `json:"id"`
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Type          string    `json:"type"`
	Payload       any       `json:"payload"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Handle forwards one event. The relay relies on the bus offset for progress;
// downstream consumers must tolerate duplicates.
func (r *Relay) Handle(ctx context.Context, event domain.Event) error {
	return r.bus.SendMessage(ctx, string(event.Type), relayEnvelope{
		ID:            event.ID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		Type:          string(event.Type),
		Payload:       event.Payload,
		OccurredAt:    event.OccurredAt,
	})
}

// HandlerMap subscribes the relay to every event type.
func (r *Relay) HandlerMap() eventbus.HandlerMap {
	handlers := make(eventbus.HandlerMap)
	for _, eventType := range domain.AllEventTypes() {
		handlers[eventType] = r.Handle
	}
	return handlers
}
