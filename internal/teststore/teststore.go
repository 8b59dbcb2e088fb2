// Package teststore provides in-memory repository implementations for engine
// and coordinator tests. The compare-and-set semantics mirror the gorm-backed
// repositories so race handling can be tested without a database.
package teststore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/models"
)

// EventStore is an in-memory repositories.EventRepository.
type EventStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.Event
}

// NewEventStore creates an empty event store.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[uuid.UUID]*models.Event)}
}

func (s *EventStore) Create(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events[event.ID] = &cp
	return nil
}

func (s *EventStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	cp := *event
	return &cp, nil
}

func (s *EventStore) UpdateStatusCAS(ctx context.Context, id uuid.UUID, expected, next domain.EventStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok || event.Status != expected {
		return false, nil
	}
	prev := string(expected)
	event.Status = next
	event.PreviousStatus = &prev
	event.TransitionedAt = &at
	return true, nil
}

func (s *EventStore) ListDueForStart(ctx context.Context, now time.Time) ([]models.Event, error) {
	return s.list(func(e *models.Event) bool {
		return e.Status == domain.EventPublished && !e.ScheduledStartAt.After(now)
	}), nil
}

func (s *EventStore) ListDueForEnd(ctx context.Context, now time.Time) ([]models.Event, error) {
	return s.list(func(e *models.Event) bool {
		return e.Status == domain.EventLive && !e.ScheduledEndAt.After(now)
	}), nil
}

func (s *EventStore) list(match func(*models.Event) bool) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, event := range s.events {
		if match(event) {
			out = append(out, *event)
		}
	}
	return out
}

// TicketStore is an in-memory repositories.TicketRepository.
type TicketStore struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]*models.Ticket
}

// NewTicketStore creates an empty ticket store.
func NewTicketStore() *TicketStore {
	return &TicketStore{tickets: make(map[uuid.UUID]*models.Ticket)}
}

func (s *TicketStore) Create(ctx context.Context, ticket *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ticket
	s.tickets[ticket.ID] = &cp
	return nil
}

func (s *TicketStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "ticket %s", id)
	}
	cp := *ticket
	return &cp, nil
}

func (s *TicketStore) GetByQRToken(ctx context.Context, eventID uuid.UUID, qrToken string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ticket := range s.tickets {
		if ticket.EventID == eventID && ticket.QRToken == qrToken {
			cp := *ticket
			return &cp, nil
		}
	}
	return nil, errors.Wrap(domain.ErrNotFound, "ticket for qr token")
}

func (s *TicketStore) CountActiveByEvent(ctx context.Context, eventID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, ticket := range s.tickets {
		if ticket.EventID == eventID &&
			ticket.Status != domain.TicketRejected && ticket.Status != domain.TicketRevoked {
			count++
		}
	}
	return count, nil
}

func (s *TicketStore) CountByEventAndStatus(ctx context.Context, eventID uuid.UUID, status domain.TicketStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, ticket := range s.tickets {
		if ticket.EventID == eventID && ticket.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *TicketStore) UpdateStatusCAS(ctx context.Context, id uuid.UUID, expected, next domain.TicketStatus, fields map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[id]
	if !ok || ticket.Status != expected {
		return false, nil
	}
	prev := string(expected)
	ticket.Status = next
	ticket.PreviousStatus = &prev
	ticket.StatusChangedAt = time.Now()
	applyTicketFields(ticket, fields)
	return true, nil
}

func (s *TicketStore) ListStuckInStakePath(ctx context.Context, since time.Time, limit int) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	for _, ticket := range s.tickets {
		if (ticket.Status == domain.TicketAwaitingStake || ticket.Status == domain.TicketStaked) &&
			!ticket.StatusChangedAt.After(since) {
			out = append(out, *ticket)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusChangedAt.Before(out[j].StatusChangedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// applyTicketFields mirrors the column updates the gorm repository applies.
func applyTicketFields(ticket *models.Ticket, fields map[string]any) {
	for key, value := range fields {
		switch key {
		case "checked_in_at":
			if v, ok := value.(time.Time); ok {
				ticket.CheckedInAt = &v
			}
		case "refunded_at":
			if v, ok := value.(time.Time); ok {
				ticket.RefundedAt = &v
			}
		case "forfeited_at":
			if v, ok := value.(time.Time); ok {
				ticket.ForfeitedAt = &v
			}
		case "stake_tx_hash":
			ticket.StakeTxHash = stringField(value)
		case "stake_wallet_address":
			ticket.StakeWalletAddress = stringField(value)
		case "stake_amount_wei":
			ticket.StakeAmountWei = stringField(value)
		case "stake_currency":
			ticket.StakeCurrency = stringField(value)
		case "refund_tx_hash":
			ticket.RefundTxHash = stringField(value)
		}
	}
}

func stringField(value any) *string {
	switch v := value.(type) {
	case string:
		return &v
	case *string:
		return v
	default:
		return nil
	}
}

// EventLog is an in-memory repositories.DomainEventRepository.
type EventLog struct {
	mu      sync.Mutex
	nextSeq uint64
	records []models.DomainEvent
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) Append(ctx context.Context, record *models.DomainEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSeq++
	record.Seq = l.nextSeq
	l.records = append(l.records, *record)
	return nil
}

func (l *EventLog) ListAfter(ctx context.Context, seq uint64, eventTypes []string, limit int) ([]models.DomainEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.DomainEvent
	for _, record := range l.records {
		if record.Seq <= seq {
			continue
		}
		if len(eventTypes) > 0 && !contains(eventTypes, record.EventType) {
			continue
		}
		out = append(out, record)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// All returns every appended record in order.
func (l *EventLog) All() []models.DomainEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.DomainEvent, len(l.records))
	copy(out, l.records)
	return out
}

// OfType returns the appended records with the given event type.
func (l *EventLog) OfType(eventType string) []models.DomainEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.DomainEvent
	for _, record := range l.records {
		if record.EventType == eventType {
			out = append(out, record)
		}
	}
	return out
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// OffsetStore is an in-memory repositories.OffsetRepository.
type OffsetStore struct {
	mu      sync.Mutex
	offsets map[string]uint64
}

// NewOffsetStore creates an empty offset store.
func NewOffsetStore() *OffsetStore {
	return &OffsetStore{offsets: make(map[string]uint64)}
}

func (s *OffsetStore) Get(ctx context.Context, consumerName string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[consumerName], nil
}

func (s *OffsetStore) Commit(ctx context.Context, consumerName string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[consumerName] = seq
	return nil
}
