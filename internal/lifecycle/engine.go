package lifecycle

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

// Engine owns the Event aggregate's lifecycle. All mutations go through
// compare-and-set on (eventID, expectedStatus); the engine is the only writer
// of event status.
type Engine struct {
	events  repositories.EventRepository
	tickets repositories.TicketRepository
	bus     eventbus.Publisher
}

// NewEngine creates an event lifecycle engine.
func NewEngine(events repositories.EventRepository, tickets repositories.TicketRepository, bus eventbus.Publisher) *Engine {
	return &Engine{events: events, tickets: tickets, bus: bus}
}

// CreateParams holds the organizer's input for a new event.
type CreateParams struct {
	OrganizerID     uuid.UUID
	Name            string
	ScheduledStart  time.Time
	ScheduledEnd    time.Time
	RequireApproval bool
	RequireStake    bool
	StakeAmountWei  string
	StakeCurrency   string
	OrganizerWallet string
	Capacity        *int
}

// Create makes a new event in draft.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.Event, error) {
	if !p.ScheduledStart.Before(p.ScheduledEnd) {
		return nil, errors.Wrap(domain.ErrInvalidTransition, "scheduled start must precede scheduled end")
	}
	if p.RequireStake && (p.OrganizerWallet == "" || p.StakeAmountWei == "") {
		return nil, errors.Wrap(domain.ErrInvalidTransition, "stake-required event needs organizer wallet and stake amount")
	}

	event := &models.Event{
		ID:               uuid.New(),
		OrganizerID:      p.OrganizerID,
		Name:             p.Name,
		Status:           domain.EventDraft,
		ScheduledStartAt: p.ScheduledStart,
		ScheduledEndAt:   p.ScheduledEnd,
		RequireApproval:  p.RequireApproval,
		RequireStake:     p.RequireStake,
		Capacity:         p.Capacity,
	}
	if p.RequireStake {
		event.StakeAmountWei = &p.StakeAmountWei
		event.OrganizerWallet = &p.OrganizerWallet
		currency := p.StakeCurrency
		if currency == "" {
			currency = "ETH"
		}
		event.StakeCurrency = &currency
	}

	if err := e.events.Create(ctx, event); err != nil {
		return nil, err
	}

	log.Info().
		Str("event_id", event.ID.String()).
		Str("organizer_id", p.OrganizerID.String()).
		Bool("require_stake", p.RequireStake).
		Msg("Event created")
	return event, nil
}

// Get returns an event by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	return e.events.GetByID(ctx, id)
}

// Publish moves draft -> published, organizer only.
func (e *Engine) Publish(ctx context.Context, eventID, organizerID uuid.UUID) error {
	event, err := e.events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.OrganizerID != organizerID {
		return errors.Wrap(domain.ErrUnauthorized, "only the organizer may publish")
	}
	if event.Status != domain.EventDraft {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot publish from %s", event.Status)
	}

	return e.transition(ctx, event, domain.EventDraft, domain.EventPublished, domain.EventPublishedV1)
}

// RevertToDraft moves published -> draft, organizer only, and only while no
// ticket has been checked in.
func (e *Engine) RevertToDraft(ctx context.Context, eventID, organizerID uuid.UUID) error {
	event, err := e.events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.OrganizerID != organizerID {
		return errors.Wrap(domain.ErrUnauthorized, "only the organizer may revert")
	}
	if event.Status != domain.EventPublished {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot revert from %s", event.Status)
	}

	checkedIn, err := e.tickets.CountByEventAndStatus(ctx, eventID, domain.TicketCheckedIn)
	if err != nil {
		return err
	}
	if checkedIn > 0 {
		return errors.Wrap(domain.ErrInvalidTransition, "cannot revert an event with checked-in tickets")
	}

	return e.transition(ctx, event, domain.EventPublished, domain.EventDraft, domain.EventRevertedToDraftV1)
}

// Archive moves ended -> archived. A zero organizerID marks the retention job.
func (e *Engine) Archive(ctx context.Context, eventID, organizerID uuid.UUID) error {
	event, err := e.events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if organizerID != uuid.Nil && event.OrganizerID != organizerID {
		return errors.Wrap(domain.ErrUnauthorized, "only the organizer may archive")
	}
	if event.Status != domain.EventEnded {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot archive from %s", event.Status)
	}

	return e.transition(ctx, event, domain.EventEnded, domain.EventArchived, domain.EventArchivedV1)
}

// Sweep transitions published events past their start to live and live events
// past their end to ended. Idempotent: the compare-and-set loses silently when
// a concurrent run already applied the transition.
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	due, err := e.events.ListDueForStart(ctx, now)
	if err != nil {
		return err
	}
	for _, event := range due {
		if err := e.sweepTransition(ctx, event, domain.EventPublished, domain.EventLive, domain.EventTransitionedLiveV1); err != nil {
			return err
		}
	}

	ending, err := e.events.ListDueForEnd(ctx, now)
	if err != nil {
		return err
	}
	for _, event := range ending {
		if err := e.sweepTransition(ctx, event, domain.EventLive, domain.EventEnded, domain.EventTransitionedEndV1); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, event *models.Event, from, to domain.EventStatus, eventType domain.EventType) error {
	now := time.Now()
	applied, err := e.events.UpdateStatusCAS(ctx, event.ID, from, to, now)
	if err != nil {
		return err
	}
	if !applied {
		return errors.Wrapf(domain.ErrConflict, "event %s left %s concurrently", event.ID, from)
	}

	e.publishTransition(ctx, event.ID, from, to, eventType, now)
	return nil
}

func (e *Engine) sweepTransition(ctx context.Context, event models.Event, from, to domain.EventStatus, eventType domain.EventType) error {
	now := time.Now()
	applied, err := e.events.UpdateStatusCAS(ctx, event.ID, from, to, now)
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent sweep won the race; not an error.
		return nil
	}

	log.Info().
		Str("event_id", event.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Event swept")
	e.publishTransition(ctx, event.ID, from, to, eventType, now)
	return nil
}

func (e *Engine) publishTransition(ctx context.Context, eventID uuid.UUID, from, to domain.EventStatus, eventType domain.EventType, at time.Time) {
	err := e.bus.Publish(ctx, domain.Event{
		AggregateID:   eventID.String(),
		AggregateType: domain.AggregateEvent,
		Type:          eventType,
		OccurredAt:    at,
		Payload: domain.EventTransitionedPayload{
			EventID:    eventID.String(),
			From:       from,
			To:         to,
			OccurredAt: at,
		},
	})
	if err != nil {
		// The transition already committed; reconciliation re-derives any
		// consumer state this event would have driven.
		log.Error().Err(err).
			Str("event_id", eventID.String()).
			Str("event_type", string(eventType)).
			Msg("Failed to publish domain event after transition")
	}
}
