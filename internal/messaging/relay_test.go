package messaging

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/eventbus"
	"example.com/gatherly/services/ticketing/internal/teststore"
)

type fakeBusClient struct {
	subjects []string
	bodies   []any
	sendErr  error
}

func (f *fakeBusClient) SendMessage(ctx context.Context, subject string, body any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakeBusClient) Close() error { return nil }

func TestRelaySubscribesToEveryEventType(t *testing.T) {
	relay := NewRelay(&fakeBusClient{})
	handlers := relay.HandlerMap()

	assert.Len(t, handlers, len(domain.AllEventTypes()))
	for _, eventType := range domain.AllEventTypes() {
		assert.Contains(t, handlers, eventType)
	}
}

func TestRelayForwardsEventsFromTheBus(t *testing.T) {
	log := teststore.NewEventLog()
	offsets := teststore.NewOffsetStore()
	bus := eventbus.NewBus(log)

	err := bus.Publish(context.Background(), domain.Event{
		AggregateID:   "t-1",
		AggregateType: domain.AggregateTicket,
		Type:          domain.TicketCheckedInV1,
		Payload:       domain.TicketTransitionedPayload{TicketID: "t-1", From: domain.TicketStaked, To: domain.TicketCheckedIn},
	})
	require.NoError(t, err)

	client := &fakeBusClient{}
	dispatcher := eventbus.NewDispatcher(log, offsets)
	dispatcher.Register(RelayConsumerName, NewRelay(client).HandlerMap())

	require.NoError(t, dispatcher.DeliverPending(context.Background()))
	require.Len(t, client.subjects, 1)
	assert.Equal(t, string(domain.TicketCheckedInV1), client.subjects[0])

	envelope, ok := client.bodies[0].(relayEnvelope)
	require.True(t, ok)
	assert.Equal(t, "t-1", envelope.AggregateID)
	assert.NotEmpty(t, envelope.ID)
}

func TestRelaySendFailureBlocksOffset(t *testing.T) {
	log := teststore.NewEventLog()
	offsets := teststore.NewOffsetStore()
	bus := eventbus.NewBus(log)

	err := bus.Publish(context.Background(), domain.Event{
		AggregateID:   "t-1",
		AggregateType: domain.AggregateTicket,
		Type:          domain.TicketRegisteredV1,
		Payload:       domain.TicketTransitionedPayload{TicketID: "t-1"},
	})
	require.NoError(t, err)

	client := &fakeBusClient{sendErr: errors.New("queue unavailable")}
	dispatcher := eventbus.NewDispatcher(log, offsets)
	dispatcher.Register(RelayConsumerName, NewRelay(client).HandlerMap())

	require.Error(t, dispatcher.DeliverPending(context.Background()))

	offset, err := offsets.Get(context.Background(), RelayConsumerName)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), offset)

	// Once the queue recovers the event is redelivered.
	client.sendErr = nil
	require.NoError(t, dispatcher.DeliverPending(context.Background()))
	assert.Len(t, client.subjects, 1)
}
