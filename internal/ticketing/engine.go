package ticketing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/eventbus"
	"example.com/gatherly/services/ticketing/internal/models"
	"example.com/gatherly/services/ticketing/internal/repositories"
)

// Engine owns the Ticket aggregate's lifecycle. Ticket status moves only
// through this engine, serialized per ticket by compare-and-set on
// (ticketID, expectedStatus). The escrow coordinator requests its transitions
// through the Mark* methods, never by writing the store directly.
type Engine struct {
	tickets repositories.TicketRepository
	events  repositories.EventRepository
	bus     eventbus.Publisher
}

// NewEngine creates a ticket lifecycle engine.
func NewEngine(tickets repositories.TicketRepository, events repositories.EventRepository, bus eventbus.Publisher) *Engine {
	return &Engine{tickets: tickets, events: events, bus: bus}
}

// Register creates a ticket for a user on an event. The event must be
// published or live and under capacity. The ticket's starting status follows
// the event's flags: approval-required events park in pending_approval,
// stake-required events wait in awaiting_stake, free events issue directly.
// Stake-required events also need the attendee's declared wallet address,
// which deposit verification later matches against the on-chain depositor.
func (e *Engine) Register(ctx context.Context, eventID, userID uuid.UUID, walletAddress string) (*models.Ticket, error) {
	event, err := e.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status != domain.EventPublished && event.Status != domain.EventLive {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "event %s is not open for registration", event.Status)
	}
	if event.RequireStake && walletAddress == "" {
		return nil, errors.Wrap(domain.ErrInvalidTransition, "stake-required event needs a wallet address")
	}

	if event.Capacity != nil {
		count, err := e.tickets.CountActiveByEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if count >= int64(*event.Capacity) {
			return nil, errors.Wrap(domain.ErrConflict, "event is at capacity")
		}
	}

	initial := domain.TicketIssued
	switch {
	case event.RequireApproval:
		initial = domain.TicketPendingApproval
	case event.RequireStake:
		initial = domain.TicketAwaitingStake
	}

	prev := string(domain.TicketPending)
	ticket := &models.Ticket{
		ID:              uuid.New(),
		EventID:         eventID,
		UserID:          userID,
		QRToken:         uuid.NewString(),
		Status:          initial,
		PreviousStatus:  &prev,
		StatusChangedAt: time.Now(),
	}
	if event.RequireStake {
		ticket.StakeAmountWei = event.StakeAmountWei
		ticket.StakeCurrency = event.StakeCurrency
		ticket.StakeWalletAddress = &walletAddress
	}

	if err := e.tickets.Create(ctx, ticket); err != nil {
		return nil, err
	}

	log.Info().
		Str("ticket_id", ticket.ID.String()).
		Str("event_id", eventID.String()).
		Str("status", string(initial)).
		Msg("Ticket registered")

	e.publish(ctx, ticket, domain.TicketRegisteredV1, domain.TicketPending, initial, ticket.StatusChangedAt)
	return ticket, nil
}

// Approve grants a pending_approval ticket and routes it onward: stake-required
// tickets move to awaiting_stake, the rest are issued. Calling approve on a
// ticket that already passed approval is a no-op.
func (e *Engine) Approve(ctx context.Context, ticketID, organizerID uuid.UUID) error {
	ticket, event, err := e.loadForOrganizer(ctx, ticketID, organizerID)
	if err != nil {
		return err
	}

	switch ticket.Status {
	case domain.TicketApproved, domain.TicketIssued, domain.TicketAwaitingStake:
		return nil
	case domain.TicketPendingApproval:
	default:
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot approve from %s", ticket.Status)
	}

	if err := e.transition(ctx, ticket, domain.TicketPendingApproval, domain.TicketApproved, domain.TicketApprovedV1, nil); err != nil {
		return err
	}

	if event.RequireStake {
		fields := map[string]any{
			"stake_amount_wei": event.StakeAmountWei,
			"stake_currency":   event.StakeCurrency,
		}
		_, err := e.tickets.UpdateStatusCAS(ctx, ticket.ID, domain.TicketApproved, domain.TicketAwaitingStake, fields)
		return err
	}
	return e.transition(ctx, ticket, domain.TicketApproved, domain.TicketIssued, domain.TicketIssuedV1, nil)
}

// Reject denies a pending_approval ticket. Terminal; already-rejected is a no-op.
func (e *Engine) Reject(ctx context.Context, ticketID, organizerID uuid.UUID, reason string) error {
	ticket, _, err := e.loadForOrganizer(ctx, ticketID, organizerID)
	if err != nil {
		return err
	}

	if ticket.Status == domain.TicketRejected {
		return nil
	}
	if ticket.Status != domain.TicketPendingApproval {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot reject from %s", ticket.Status)
	}

	log.Info().
		Str("ticket_id", ticketID.String()).
		Str("reason", reason).
		Msg("Ticket rejected")
	return e.transition(ctx, ticket, domain.TicketPendingApproval, domain.TicketRejected, domain.TicketRejectedV1, nil)
}

// CheckInByToken resolves the qr token within the event and checks the ticket in.
func (e *Engine) CheckInByToken(ctx context.Context, eventID uuid.UUID, qrToken string, scannerID uuid.UUID) (*models.Ticket, error) {
	ticket, err := e.tickets.GetByQRToken(ctx, eventID, qrToken)
	if err != nil {
		return nil, err
	}
	if err := e.CheckIn(ctx, ticket.ID, scannerID); err != nil {
		return nil, err
	}
	return e.tickets.GetByID(ctx, ticket.ID)
}

// CheckIn confirms attendance. Valid only from issued or staked. Idempotent:
// re-scanning an already checked-in ticket succeeds without a second domain
// event.
func (e *Engine) CheckIn(ctx context.Context, ticketID, scannerID uuid.UUID) error {
	ticket, _, err := e.loadForOrganizer(ctx, ticketID, scannerID)
	if err != nil {
		return err
	}

	if ticket.Status == domain.TicketCheckedIn {
		return nil
	}
	if ticket.Status != domain.TicketIssued && ticket.Status != domain.TicketStaked {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot check in from %s", ticket.Status)
	}

	now := time.Now()
	applied, err := e.tickets.UpdateStatusCAS(ctx, ticket.ID, ticket.Status, domain.TicketCheckedIn, map[string]any{
		"checked_in_at": now,
	})
	if err != nil {
		return err
	}
	if !applied {
		// Lost the race: a concurrent scan may already have checked in.
		current, err := e.tickets.GetByID(ctx, ticket.ID)
		if err != nil {
			return err
		}
		if current.Status == domain.TicketCheckedIn {
			return nil
		}
		return errors.Wrapf(domain.ErrConflict, "ticket %s changed concurrently", ticket.ID)
	}

	e.publish(ctx, ticket, domain.TicketCheckedInV1, ticket.Status, domain.TicketCheckedIn, now)
	return nil
}

// Revoke cancels a ticket, organizer only, from any non-terminal status except
// staked (staked funds settle through refund or forfeiture).
func (e *Engine) Revoke(ctx context.Context, ticketID, organizerID uuid.UUID) error {
	ticket, _, err := e.loadForOrganizer(ctx, ticketID, organizerID)
	if err != nil {
		return err
	}

	if ticket.Status == domain.TicketRevoked {
		return nil
	}
	if !domain.CanTransitionTicket(ticket.Status, domain.TicketRevoked) {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot revoke from %s", ticket.Status)
	}

	return e.transition(ctx, ticket, ticket.Status, domain.TicketRevoked, domain.TicketRevokedV1, nil)
}

// Get returns a ticket by id.
func (e *Engine) Get(ctx context.Context, ticketID uuid.UUID) (*models.Ticket, error) {
	return e.tickets.GetByID(ctx, ticketID)
}

// MarkStaked records a coordinator-verified on-chain deposit, moving
// awaiting_stake -> staked. Idempotent against redelivered verifications.
func (e *Engine) MarkStaked(ctx context.Context, ticketID uuid.UUID, txHash, walletAddress, amountWei string) error {
	ticket, err := e.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status == domain.TicketStaked {
		return nil
	}
	if ticket.Status != domain.TicketAwaitingStake {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot mark staked from %s", ticket.Status)
	}

	now := time.Now()
	applied, err := e.tickets.UpdateStatusCAS(ctx, ticketID, domain.TicketAwaitingStake, domain.TicketStaked, map[string]any{
		"stake_tx_hash":        txHash,
		"stake_wallet_address": walletAddress,
		"stake_amount_wei":     amountWei,
	})
	if err != nil {
		return err
	}
	if !applied {
		return e.resolveLostRace(ctx, ticketID, domain.TicketStaked)
	}

	err = e.bus.Publish(ctx, domain.Event{
		AggregateID:   ticketID.String(),
		AggregateType: domain.AggregateTicket,
		Type:          domain.TicketStakedV1,
		OccurredAt:    now,
		Payload: domain.TicketStakedPayload{
			TicketID:      ticketID.String(),
			EventID:       ticket.EventID.String(),
			UserID:        ticket.UserID.String(),
			TxHash:        txHash,
			WalletAddress: walletAddress,
			AmountWei:     amountWei,
			OccurredAt:    now,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("ticket_id", ticketID.String()).Msg("Failed to publish staked event")
	}
	return nil
}

// MarkRefunded records a completed ledger refund, staked -> refunded.
func (e *Engine) MarkRefunded(ctx context.Context, ticketID uuid.UUID, refundTxHash string) error {
	now := time.Now()
	return e.markSettled(ctx, ticketID, domain.TicketRefunded, domain.TicketRefundedV1, map[string]any{
		"refund_tx_hash": refundTxHash,
		"refunded_at":    now,
	})
}

// MarkForfeited records a completed ledger forfeiture, staked -> forfeited.
func (e *Engine) MarkForfeited(ctx context.Context, ticketID uuid.UUID) error {
	now := time.Now()
	return e.markSettled(ctx, ticketID, domain.TicketForfeited, domain.TicketForfeitedV1, map[string]any{
		"forfeited_at": now,
	})
}

// MarkReleased converges a staked ticket whose ledger record is already
// Released (a check-in whose domain event was lost), staked -> checked_in.
func (e *Engine) MarkReleased(ctx context.Context, ticketID uuid.UUID) error {
	now := time.Now()
	return e.markSettled(ctx, ticketID, domain.TicketCheckedIn, domain.TicketCheckedInV1, map[string]any{
		"checked_in_at": now,
	})
}

// markSettled moves staked into a ledger-derived terminal status, treating an
// already-settled ticket as success.
func (e *Engine) markSettled(ctx context.Context, ticketID uuid.UUID, to domain.TicketStatus, eventType domain.EventType, fields map[string]any) error {
	ticket, err := e.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status == to {
		return nil
	}
	if ticket.Status != domain.TicketStaked {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot settle %s from %s", to, ticket.Status)
	}

	now := time.Now()
	applied, err := e.tickets.UpdateStatusCAS(ctx, ticketID, domain.TicketStaked, to, fields)
	if err != nil {
		return err
	}
	if !applied {
		return e.resolveLostRace(ctx, ticketID, to)
	}

	e.publish(ctx, ticket, eventType, domain.TicketStaked, to, now)
	return nil
}

// resolveLostRace re-reads after a failed compare-and-set: success when the
// winner applied the same target status, conflict otherwise.
func (e *Engine) resolveLostRace(ctx context.Context, ticketID uuid.UUID, want domain.TicketStatus) error {
	current, err := e.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return err
	}
	if current.Status == want {
		return nil
	}
	return errors.Wrapf(domain.ErrConflict, "ticket %s changed concurrently", ticketID)
}

func (e *Engine) transition(ctx context.Context, ticket *models.Ticket, from, to domain.TicketStatus, eventType domain.EventType, fields map[string]any) error {
	applied, err := e.tickets.UpdateStatusCAS(ctx, ticket.ID, from, to, fields)
	if err != nil {
		return err
	}
	if !applied {
		return errors.Wrapf(domain.ErrConflict, "ticket %s left %s concurrently", ticket.ID, from)
	}
	e.publish(ctx, ticket, eventType, from, to, time.Now())
	return nil
}

func (e *Engine) publish(ctx context.Context, ticket *models.Ticket, eventType domain.EventType, from, to domain.TicketStatus, at time.Time) {
	err := e.bus.Publish(ctx, domain.Event{
		AggregateID:   ticket.ID.String(),
		AggregateType: domain.AggregateTicket,
		Type:          eventType,
		OccurredAt:    at,
		Payload: domain.TicketTransitionedPayload{
			TicketID:   ticket.ID.String(),
			EventID:    ticket.EventID.String(),
			UserID:     ticket.UserID.String(),
			From:       from,
			To:         to,
			OccurredAt: at,
		},
	})
	if err != nil {
		// The transition already committed; the reconciliation sweep is the
		// backstop for consumers that needed this event.
		log.Error().Err(err).
			Str("ticket_id", ticket.ID.String()).
			Str("event_type", string(eventType)).
			Msg("Failed to publish domain event after transition")
	}
}

func (e *Engine) loadForOrganizer(ctx context.Context, ticketID, organizerID uuid.UUID) (*models.Ticket, *models.Event, error) {
	ticket, err := e.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	event, err := e.events.GetByID(ctx, ticket.EventID)
	if err != nil {
		return nil, nil, err
	}
	if event.OrganizerID != organizerID {
		return nil, nil, errors.Wrap(domain.ErrUnauthorized, "organizer role required")
	}
	return ticket, event, nil
}
