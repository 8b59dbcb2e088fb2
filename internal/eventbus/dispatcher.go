package eventbus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/repositories"
)

// Handler processes one delivered event. Handlers must be idempotent: the
// dispatcher redelivers after any failure before the offset commit.
type Handler func(ctx context.Context, event domain.Event) error

// HandlerMap binds a closed set of event types to their handlers for one
// consumer. Types absent from the map are never delivered to that consumer.
type HandlerMap map[domain.EventType]Handler

type consumer struct {
	name     string
	types    []string
	handlers HandlerMap
}

// Dispatcher polls the event log and delivers new events to registered
// consumers, tracking one offset per consumer name.
type Dispatcher struct {
	store        repositories.DomainEventRepository
	offsets      repositories.OffsetRepository
	consumers    []consumer
	batchSize    int
	pollInterval time.Duration
}

// NewDispatcher creates a dispatcher over the event and offset stores.
func NewDispatcher(store repositories.DomainEventRepository, offsets repositories.OffsetRepository) *Dispatcher {
	return &Dispatcher{
		store:        store,
		offsets:      offsets,
		batchSize:    100,
		pollInterval: 2 * time.Second,
	}
}

// Register adds a named consumer with its handler map. Must be called before Run.
func (d *Dispatcher) Register(name string, handlers HandlerMap) {
	types := make([]string, 0, len(handlers))
	for t := range handlers {
		types = append(types, string(t))
	}
	d.consumers = append(d.consumers, consumer{name: name, types: types, handlers: handlers})
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for i := range d.consumers {
				if err := d.deliverBatch(ctx, &d.consumers[i]); err != nil {
					log.Error().Err(err).
						Str("consumer", d.consumers[i].name).
						Msg("Failed to deliver event batch")
				}
			}
		}
	}
}

// DeliverPending drains everything currently unacknowledged for all
// consumers. Used by tests and by the worker on startup.
func (d *Dispatcher) DeliverPending(ctx context.Context) error {
	for i := range d.consumers {
		if err := d.deliverBatch(ctx, &d.consumers[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) deliverBatch(ctx context.Context, c *consumer) error {
	for {
		offset, err := d.offsets.Get(ctx, c.name)
		if err != nil {
			return err
		}

		records, err := d.store.ListAfter(ctx, offset, c.types, d.batchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		for _, record := range records {
			eventType := domain.EventType(record.EventType)
			handler, ok := c.handlers[eventType]
			if !ok {
				// Filtered by the store query; a miss here means the
				// registration and the query diverged.
				return errors.Errorf("consumer %s has no handler for %s", c.name, record.EventType)
			}

			payload, err := domain.DecodePayload(eventType, record.Payload)
			if err != nil {
				return err
			}

			event := domain.Event{
				ID:            record.EventID,
				Seq:           record.Seq,
				AggregateID:   record.AggregateID,
				AggregateType: record.AggregateType,
				Type:          eventType,
				Payload:       payload,
				OccurredAt:    record.OccurredAt,
			}

			// Handle, then commit. A crash between the two redelivers the
			// event, so handlers are required to be idempotent.
			if err := handler(ctx, event); err != nil {
				return errors.Wrapf(err, "consumer %s failed on event %s", c.name, record.EventID)
			}
			if err := d.offsets.Commit(ctx, c.name, record.Seq); err != nil {
				return err
			}
		}

		if len(records) < d.batchSize {
			return nil
		}
	}
}
