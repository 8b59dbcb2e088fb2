package eventbus

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/teststore"
)

func publishTicketEvent(t *testing.T, bus *Bus, eventType domain.EventType, ticketID string) {
	t.Helper()
	err := bus.Publish(context.Background(), domain.Event{
		AggregateID:   ticketID,
		AggregateType: domain.AggregateTicket,
		Type:          eventType,
		Payload:       domain.TicketTransitionedPayload{TicketID: ticketID},
	})
	require.NoError(t, err)
}

func TestDispatcherDeliversInOrderAndCommitsOffsets(t *testing.T) {
	log := teststore.NewEventLog()
	offsets := teststore.NewOffsetStore()
	bus := NewBus(log)

	publishTicketEvent(t, bus, domain.TicketRegisteredV1, "t-1")
	publishTicketEvent(t, bus, domain.TicketIssuedV1, "t-1")
	publishTicketEvent(t, bus, domain.TicketCheckedInV1, "t-1")

	var received []domain.EventType
	dispatcher := NewDispatcher(log, offsets)
	dispatcher.Register("test-consumer", HandlerMap{
		domain.TicketRegisteredV1: func(ctx context.Context, event domain.Event) error {
			received = append(received, event.Type)
			return nil
		},
		domain.TicketIssuedV1: func(ctx context.Context, event domain.Event) error {
			received = append(received, event.Type)
			return nil
		},
		domain.TicketCheckedInV1: func(ctx context.Context, event domain.Event) error {
			received = append(received, event.Type)
			return nil
		},
	})

	require.NoError(t, dispatcher.DeliverPending(context.Background()))
	assert.Equal(t, []domain.EventType{
		domain.TicketRegisteredV1, domain.TicketIssuedV1, domain.TicketCheckedInV1,
	}, received)

	offset, err := offsets.Get(context.Background(), "test-consumer")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), offset)

	// Nothing new, nothing redelivered.
	received = nil
	require.NoError(t, dispatcher.DeliverPending(context.Background()))
	assert.Empty(t, received)
}

func TestDispatcherFiltersByRegisteredTypes(t *testing.T) {
	log := teststore.NewEventLog()
	offsets := teststore.NewOffsetStore()
	bus := NewBus(log)

	publishTicketEvent(t, bus, domain.TicketRegisteredV1, "t-1")
	publishTicketEvent(t, bus, domain.TicketCheckedInV1, "t-1")
	publishTicketEvent(t, bus, domain.TicketRevokedV1, "t-2")

	var received []domain.EventType
	dispatcher := NewDispatcher(log, offsets)
	dispatcher.Register("checkin-only", HandlerMap{
		domain.TicketCheckedInV1: func(ctx context.Context, event domain.Event) error {
			received = append(received, event.Type)
			return nil
		},
	})

	require.NoError(t, dispatcher.DeliverPending(context.Background()))
	assert.Equal(t, []domain.EventType{domain.TicketCheckedInV1}, received)
}

func TestDispatcherIndependentConsumerOffsets(t *testing.T) {
	log := teststore.NewEventLog()
	offsets := teststore.NewOffsetStore()
	bus := NewBus(log)

	publishTicketEvent(t, bus, domain.TicketCheckedInV1, "t-1")

	var a, b int
	dispatcher := NewDispatcher(log, offsets)
	dispatcher.Register("consumer-a", HandlerMap{
		domain.TicketCheckedInV1: func(ctx context.Context, event domain.Event) error {
			a++
			return nil
		},
	})
	dispatcher.Register("consumer-b", HandlerMap{
		domain.TicketCheckedInV1: func(ctx context.Context, event domain.Event) error {
			b++
			return nil
		},
	})

	require.NoError(t, dispatcher.DeliverPending(context.Background()))
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestDispatcherRedeliversAfterHandlerFailure(t *testing.T) {
	log := teststore.NewEventLog()
	offsets := teststore.NewOffsetStore()
	bus := NewBus(log)

	publishTicketEvent(t, bus, domain.TicketCheckedInV1, "t-1")
	publishTicketEvent(t, bus, domain.TicketCheckedInV1, "t-2")

	attempts := 0
	dispatcher := NewDispatcher(log, offsets)
	dispatcher.Register("flaky", HandlerMap{
		domain.TicketCheckedInV1: func(ctx context.Context, event domain.Event) error {
			attempts++
			if attempts == 1 {
				return errors.New("transient failure")
			}
			return nil
		},
	})

	// First pass fails on the first event and commits nothing.
	require.Error(t, dispatcher.DeliverPending(context.Background()))
	offset, err := offsets.Get(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), offset)

	// Second pass redelivers from the failed event, at-least-once.
	require.NoError(t, dispatcher.DeliverPending(context.Background()))
	assert.Equal(t, 3, attempts)

	offset, err = offsets.Get(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), offset)
}

func TestBusAssignsEventIDAndMarshalsPayload(t *testing.T) {
	log := teststore.NewEventLog()
	bus := NewBus(log)

	publishTicketEvent(t, bus, domain.TicketRegisteredV1, "t-1")

	records := log.All()
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].EventID)
	assert.Equal(t, uint64(1), records[0].Seq)
	assert.Equal(t, domain.AggregateTicket, records[0].AggregateType)
	assert.False(t, records[0].OccurredAt.IsZero())

	payload, err := domain.DecodePayload(domain.TicketRegisteredV1, records[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "t-1", payload.(domain.TicketTransitionedPayload).TicketID)
}
