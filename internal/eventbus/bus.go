package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/models"
	"example.com/gatherly/services/ticketing/internal/repositories"
)

// Publisher appends immutable facts to the domain event log. Publish returns
// once the record is durably stored; delivery to consumers is at-least-once.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Bus is the gorm-backed event log.
type Bus struct {
	store repositories.DomainEventRepository
}

// NewBus creates a bus over the given event store.
func NewBus(store repositories.DomainEventRepository) *Bus {
	return &Bus{store: store}
}

// Publish appends one event. The record is append-only; a failed append does
// not roll back the state transition that triggered it, the reconciliation
// sweep closes that gap.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event payload")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	record := models.DomainEvent{
		EventID:       event.ID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     string(event.Type),
		Payload:       payload,
		OccurredAt:    event.OccurredAt,
	}
	if err := b.store.Append(ctx, &record); err != nil {
		return err
	}

	log.Info().
		Str("aggregate_id", event.AggregateID).
		Str("event_type", string(event.Type)).
		Msg("Domain event published")
	return nil
}
