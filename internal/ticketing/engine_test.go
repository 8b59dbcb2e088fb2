package ticketing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/eventbus"
	"example.com/gatherly/services/ticketing/internal/models"
	"example.com/gatherly/services/ticketing/internal/teststore"
)

const testWallet = "0x2222222222222222222222222222222222222222"

type ticketingFixture struct {
	engine  *Engine
	events  *teststore.EventStore
	tickets *teststore.TicketStore
	log     *teststore.EventLog
}

func newTicketingFixture() *ticketingFixture {
	events := teststore.NewEventStore()
	tickets := teststore.NewTicketStore()
	log := teststore.NewEventLog()
	return &ticketingFixture{
		engine:  NewEngine(tickets, events, eventbus.NewBus(log)),
		events:  events,
		tickets: tickets,
		log:     log,
	}
}

type eventOpts struct {
	status          domain.EventStatus
	requireApproval bool
	requireStake    bool
	capacity        *int
}

func (f *ticketingFixture) seedEvent(t *testing.T, organizerID uuid.UUID, opts eventOpts) *models.Event {
	t.Helper()
	now := time.Now()
	event := &models.Event{
		ID:               uuid.New(),
		OrganizerID:      organizerID,
		Name:             "Test Meetup",
		Status:           opts.status,
		ScheduledStartAt: now.Add(time.Hour),
		ScheduledEndAt:   now.Add(2 * time.Hour),
		RequireApproval:  opts.requireApproval,
		RequireStake:     opts.requireStake,
		Capacity:         opts.capacity,
	}
	if opts.requireStake {
		amount := "1000000000000000000"
		currency := "ETH"
		wallet := "0x1111111111111111111111111111111111111111"
		event.StakeAmountWei = &amount
		event.StakeCurrency = &currency
		event.OrganizerWallet = &wallet
	}
	require.NoError(t, f.events.Create(context.Background(), event))
	return event
}

func TestRegisterFreeEventIssuesDirectly(t *testing.T) {
	f := newTicketingFixture()
	event := f.seedEvent(t, uuid.New(), eventOpts{status: domain.EventPublished})

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), "")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketIssued, ticket.Status)
	assert.NotEmpty(t, ticket.QRToken)

	assert.Len(t, f.log.OfType(string(domain.TicketRegisteredV1)), 1)
}

func TestRegisterApprovalEventParksPendingApproval(t *testing.T) {
	f := newTicketingFixture()
	event := f.seedEvent(t, uuid.New(), eventOpts{status: domain.EventPublished, requireApproval: true})

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), "")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketPendingApproval, ticket.Status)
}

func TestRegisterStakeEventAwaitsStake(t *testing.T) {
	f := newTicketingFixture()
	event := f.seedEvent(t, uuid.New(), eventOpts{status: domain.EventPublished, requireStake: true})

	// Declared wallet is mandatory on a stake-required event.
	_, err := f.engine.Register(context.Background(), event.ID, uuid.New(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketAwaitingStake, ticket.Status)
	require.NotNil(t, ticket.StakeWalletAddress)
	assert.Equal(t, testWallet, *ticket.StakeWalletAddress)
	require.NotNil(t, ticket.StakeAmountWei)
	assert.Equal(t, "1000000000000000000", *ticket.StakeAmountWei)
}

func TestRegisterClosedEventRejected(t *testing.T) {
	f := newTicketingFixture()
	for _, status := range []domain.EventStatus{domain.EventDraft, domain.EventEnded, domain.EventArchived} {
		event := f.seedEvent(t, uuid.New(), eventOpts{status: status})
		_, err := f.engine.Register(context.Background(), event.ID, uuid.New(), "")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "registration must fail on %s", status)
	}
}

func TestRegisterEnforcesCapacity(t *testing.T) {
	f := newTicketingFixture()
	capacity := 2
	event := f.seedEvent(t, uuid.New(), eventOpts{status: domain.EventPublished, capacity: &capacity})

	_, err := f.engine.Register(context.Background(), event.ID, uuid.New(), "")
	require.NoError(t, err)
	_, err = f.engine.Register(context.Background(), event.ID, uuid.New(), "")
	require.NoError(t, err)

	_, err = f.engine.Register(context.Background(), event.ID, uuid.New(), "")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestApproveRoutesToIssued(t *testing.T) {
	f := newTicketingFixture()
	organizer := uuid.New()
	event := f.seedEvent(t, organizer, eventOpts{status: domain.EventPublished, requireApproval: true})

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), "")
	require.NoError(t, err)

	// Only the organizer may approve.
	err = f.engine.Approve(context.Background(), ticket.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, f.engine.Approve(context.Background(), ticket.ID, organizer))
	stored, err := f.engine.Get(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketIssued, stored.Status)

	assert.Len(t, f.log.OfType(string(domain.TicketApprovedV1)), 1)
	assert.Len(t, f.log.OfType(string(domain.TicketIssuedV1)), 1)

	// Re-approving an already issued ticket is a no-op.
	require.NoError(t, f.engine.Approve(context.Background(), ticket.ID, organizer))
	assert.Len(t, f.log.OfType(string(domain.TicketApprovedV1)), 1)
}

func TestApproveRoutesToAwaitingStake(t *testing.T) {
	f := newTicketingFixture()
	organizer := uuid.New()
	event := f.seedEvent(t, organizer, eventOpts{
		status: domain.EventPublished, requireApproval: true, requireStake: true,
	})

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketPendingApproval, ticket.Status)

	require.NoError(t, f.engine.Approve(context.Background(), ticket.ID, organizer))
	stored, err := f.engine.Get(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketAwaitingStake, stored.Status)
	require.NotNil(t, stored.StakeAmountWei)
	assert.Equal(t, "1000000000000000000", *stored.StakeAmountWei)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newTicketingFixture()
	organizer := uuid.New()
	event := f.seedEvent(t, organizer, eventOpts{status: domain.EventPublished, requireApproval: true})

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), "")
	require.NoError(t, err)

	require.NoError(t, f.engine.Reject(context.Background(), ticket.ID, organizer, "event full"))
	stored, err := f.engine.Get(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketRejected, stored.Status)

	// Rejecting again is a no-op; approving after rejection is invalid.
	require.NoError(t, f.engine.Reject(context.Background(), ticket.ID, organizer, "again"))
	err = f.engine.Approve(context.Background(), ticket.ID, organizer)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// A rejected ticket cannot check in.
	err = f.engine.CheckIn(context.Background(), ticket.ID, organizer)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCheckInByTokenIsIdempotent(t *testing.T) {
	f := newTicketingFixture()
	organizer := uuid.New()
	event := f.seedEvent(t, organizer, eventOpts{status: domain.EventPublished})

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), "")
	require.NoError(t, err)

	checked, err := f.engine.CheckInByToken(context.Background(), event.ID, ticket.QRToken, organizer)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCheckedIn, checked.Status)
	assert.NotNil(t, checked.CheckedInAt)

	// A second scan succeeds without publishing a second event.
	checked, err = f.engine.CheckInByToken(context.Background(), event.ID, ticket.QRToken, organizer)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCheckedIn, checked.Status)

	assert.Len(t, f.log.OfType(string(domain.TicketCheckedInV1)), 1)
}

func TestCheckInUnknownTokenNotFound(t *testing.T) {
	f := newTicketingFixture()
	organizer := uuid.New()
	event := f.seedEvent(t, organizer, eventOpts{status: domain.EventPublished})

	_, err := f.engine.CheckInByToken(context.Background(), event.ID, "no-such-token", organizer)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckInRequiresIssuedOrStaked(t *testing.T) {
	f := newTicketingFixture()
	organizer := uuid.New()
	event := f.seedEvent(t, organizer, eventOpts{status: domain.EventPublished, requireStake: true})

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), testWallet)
	require.NoError(t, err)

	// awaiting_stake may not check in before the deposit is verified.
	err = f.engine.CheckIn(context.Background(), ticket.ID, organizer)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, f.engine.MarkStaked(context.Background(), ticket.ID, "0xabc", testWallet, "1000000000000000000"))
	require.NoError(t, f.engine.CheckIn(context.Background(), ticket.ID, organizer))

	stored, err := f.engine.Get(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCheckedIn, stored.Status)

	// The checked-in event preserves the staked origin for the settlement consumer.
	records := f.log.OfType(string(domain.TicketCheckedInV1))
	require.Len(t, records, 1)
	payload, err := domain.DecodePayload(domain.TicketCheckedInV1, records[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStaked, payload.(domain.TicketTransitionedPayload).From)
}

func TestRevokeNotAllowedFromStaked(t *testing.T) {
	f := newTicketingFixture()
	organizer := uuid.New()
	event := f.seedEvent(t, organizer, eventOpts{status: domain.EventPublished, requireStake: true})

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), testWallet)
	require.NoError(t, err)

	require.NoError(t, f.engine.MarkStaked(context.Background(), ticket.ID, "0xabc", testWallet, "1000000000000000000"))

	err = f.engine.Revoke(context.Background(), ticket.ID, organizer)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRevokeIssuedTicket(t *testing.T) {
	f := newTicketingFixture()
	organizer := uuid.New()
	event := f.seedEvent(t, organizer, eventOpts{status: domain.EventPublished})

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), "")
	require.NoError(t, err)

	require.NoError(t, f.engine.Revoke(context.Background(), ticket.ID, organizer))
	stored, err := f.engine.Get(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketRevoked, stored.Status)

	// Revoking again is a no-op.
	require.NoError(t, f.engine.Revoke(context.Background(), ticket.ID, organizer))
	assert.Len(t, f.log.OfType(string(domain.TicketRevokedV1)), 1)
}

func TestMarkStakedIsIdempotent(t *testing.T) {
	f := newTicketingFixture()
	organizer := uuid.New()
	event := f.seedEvent(t, organizer, eventOpts{status: domain.EventPublished, requireStake: true})

	ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), testWallet)
	require.NoError(t, err)

	require.NoError(t, f.engine.MarkStaked(context.Background(), ticket.ID, "0xabc", testWallet, "1000000000000000000"))
	require.NoError(t, f.engine.MarkStaked(context.Background(), ticket.ID, "0xabc", testWallet, "1000000000000000000"))

	stored, err := f.engine.Get(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStaked, stored.Status)
	require.NotNil(t, stored.StakeTxHash)
	assert.Equal(t, "0xabc", *stored.StakeTxHash)

	assert.Len(t, f.log.OfType(string(domain.TicketStakedV1)), 1)
}

func TestSettlementTransitions(t *testing.T) {
	f := newTicketingFixture()
	organizer := uuid.New()
	event := f.seedEvent(t, organizer, eventOpts{status: domain.EventPublished, requireStake: true})

	stake := func(t *testing.T) uuid.UUID {
		ticket, err := f.engine.Register(context.Background(), event.ID, uuid.New(), testWallet)
		require.NoError(t, err)
		require.NoError(t, f.engine.MarkStaked(context.Background(), ticket.ID, "0xabc", testWallet, "1000000000000000000"))
		return ticket.ID
	}

	refunded := stake(t)
	require.NoError(t, f.engine.MarkRefunded(context.Background(), refunded, "0xrefund"))
	stored, err := f.engine.Get(context.Background(), refunded)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketRefunded, stored.Status)
	require.NotNil(t, stored.RefundTxHash)
	assert.Equal(t, "0xrefund", *stored.RefundTxHash)

	forfeited := stake(t)
	require.NoError(t, f.engine.MarkForfeited(context.Background(), forfeited))
	stored, err = f.engine.Get(context.Background(), forfeited)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketForfeited, stored.Status)
	assert.NotNil(t, stored.ForfeitedAt)

	released := stake(t)
	require.NoError(t, f.engine.MarkReleased(context.Background(), released))
	stored, err = f.engine.Get(context.Background(), released)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCheckedIn, stored.Status)

	// Settling a refunded ticket again is a no-op; crossing settlements is invalid.
	require.NoError(t, f.engine.MarkRefunded(context.Background(), refunded, "0xrefund"))
	err = f.engine.MarkForfeited(context.Background(), refunded)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
