package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/models"
)

// EventRepository provides access to event records.
type EventRepository interface {
	Create(ctx context.Context, event *models.Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	// UpdateStatusCAS moves an event from expected to next in one
	// compare-and-set. Returns false when the guard did not match, which is
	// how concurrent sweep runs lose silently.
	UpdateStatusCAS(ctx context.Context, id uuid.UUID, expected, next domain.EventStatus, at time.Time) (bool, error)
	ListDueForStart(ctx context.Context, now time.Time) ([]models.Event, error)
	ListDueForEnd(ctx context.Context, now time.Time) ([]models.Event, error)
}

// TicketRepository provides access to ticket records.
type TicketRepository interface {
	Create(ctx context.Context, ticket *models.Ticket) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error)
	GetByQRToken(ctx context.Context, eventID uuid.UUID, qrToken string) (*models.Ticket, error)
	CountActiveByEvent(ctx context.Context, eventID uuid.UUID) (int64, error)
	CountByEventAndStatus(ctx context.Context, eventID uuid.UUID, status domain.TicketStatus) (int64, error)
	// UpdateStatusCAS moves a ticket from expected to next in one
	// compare-and-set, recording the audit trail and any extra fields
	// (stake tx hash, checked-in time). Returns false on a lost race.
	UpdateStatusCAS(ctx context.Context, id uuid.UUID, expected, next domain.TicketStatus, fields map[string]any) (bool, error)
	// ListStuckInStakePath returns tickets sitting in awaiting_stake or
	// staked whose status has not changed since the given instant.
	ListStuckInStakePath(ctx context.Context, since time.Time, limit int) ([]models.Ticket, error)
}

// DomainEventRepository is the append-only store behind the event bus.
type DomainEventRepository interface {
	Append(ctx context.Context, record *models.DomainEvent) error
	ListAfter(ctx context.Context, seq uint64, eventTypes []string, limit int) ([]models.DomainEvent, error)
}

// OffsetRepository tracks per-consumer acknowledged sequences.
type OffsetRepository interface {
	Get(ctx context.Context, consumerName string) (uint64, error)
	Commit(ctx context.Context, consumerName string, seq uint64) error
}

type eventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewEventRepository creates a gorm-backed event repository.
func NewEventRepository(db, readOnlyDB *gorm.DB) EventRepository {
	return &eventRepository{db: db, readOnlyDB: readOnlyDB}
}

func (r *eventRepository) Create(ctx context.Context, event *models.Event) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.Wrap(err, "failed to create event")
	}
	return nil
}

func (r *eventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := r.readOnlyDB.WithContext(ctx).First(&event, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
		}
		return nil, errors.Wrap(err, "failed to get event by ID")
	}
	return &event, nil
}

func (r *eventRepository) UpdateStatusCAS(ctx context.Context, id uuid.UUID, expected, next domain.EventStatus, at time.Time) (bool, error) {
	prev := string(expected)
	result := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(map[string]any{
			"status":          next,
			"previous_status": &prev,
			"transitioned_at": at,
		})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to update event status")
	}
	return result.RowsAffected > 0, nil
}

func (r *eventRepository) ListDueForStart(ctx context.Context, now time.Time) ([]models.Event, error) {
	var events []models.Event
	err := r.readOnlyDB.WithContext(ctx).
		Where("status = ? AND scheduled_start_at <= ?", domain.EventPublished, now).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events due for start")
	}
	return events, nil
}

func (r *eventRepository) ListDueForEnd(ctx context.Context, now time.Time) ([]models.Event, error) {
	var events []models.Event
	err := r.readOnlyDB.WithContext(ctx).
		Where("status = ? AND scheduled_end_at <= ?", domain.EventLive, now).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events due for end")
	}
	return events, nil
}

type ticketRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewTicketRepository creates a gorm-backed ticket repository.
func NewTicketRepository(db, readOnlyDB *gorm.DB) TicketRepository {
	return &ticketRepository{db: db, readOnlyDB: readOnlyDB}
}

func (r *ticketRepository) Create(ctx context.Context, ticket *models.Ticket) error {
	if err := r.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return errors.Wrap(err, "failed to create ticket")
	}
	return nil
}

func (r *ticketRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	var ticket models.Ticket
	err := r.readOnlyDB.WithContext(ctx).First(&ticket, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrNotFound, "ticket %s", id)
		}
		return nil, errors.Wrap(err, "failed to get ticket by ID")
	}
	return &ticket, nil
}

func (r *ticketRepository) GetByQRToken(ctx context.Context, eventID uuid.UUID, qrToken string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := r.readOnlyDB.WithContext(ctx).
		Where("event_id = ? AND qr_token = ?", eventID, qrToken).
		First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(domain.ErrNotFound, "ticket for qr token")
		}
		return nil, errors.Wrap(err, "failed to get ticket by qr token")
	}
	return &ticket, nil
}

func (r *ticketRepository) CountActiveByEvent(ctx context.Context, eventID uuid.UUID) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Ticket{}).
		Where("event_id = ? AND status NOT IN ?", eventID,
			[]domain.TicketStatus{domain.TicketRejected, domain.TicketRevoked}).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active tickets")
	}
	return count, nil
}

func (r *ticketRepository) CountByEventAndStatus(ctx context.Context, eventID uuid.UUID, status domain.TicketStatus) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Ticket{}).
		Where("event_id = ? AND status = ?", eventID, status).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count tickets by status")
	}
	return count, nil
}

func (r *ticketRepository) UpdateStatusCAS(ctx context.Context, id uuid.UUID, expected, next domain.TicketStatus, fields map[string]any) (bool, error) {
	prev := string(expected)
	updates := map[string]any{
		"status":            next,
		"previous_status":   &prev,
		"status_changed_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	result := r.db.WithContext(ctx).
		Model(&models.Ticket{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to update ticket status")
	}
	return result.RowsAffected > 0, nil
}

func (r *ticketRepository) ListStuckInStakePath(ctx context.Context, since time.Time, limit int) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := r.readOnlyDB.WithContext(ctx).
		Where("status IN ? AND status_changed_at <= ?",
			[]domain.TicketStatus{domain.TicketAwaitingStake, domain.TicketStaked}, since).
		Order("status_changed_at ASC").
		Limit(limit).
		Find(&tickets).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stake-path tickets")
	}
	return tickets, nil
}

type domainEventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewDomainEventRepository creates a gorm-backed domain event store.
func NewDomainEventRepository(db, readOnlyDB *gorm.DB) DomainEventRepository {
	return &domainEventRepository{db: db, readOnlyDB: readOnlyDB}
}

func (r *domainEventRepository) Append(ctx context.Context, record *models.DomainEvent) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return errors.Wrap(err, "failed to append domain event")
	}
	return nil
}

func (r *domainEventRepository) ListAfter(ctx context.Context, seq uint64, eventTypes []string, limit int) ([]models.DomainEvent, error) {
	query := r.readOnlyDB.WithContext(ctx).Where("seq > ?", seq)
	if len(eventTypes) > 0 {
		query = query.Where("event_type IN ?", eventTypes)
	}
	var records []models.DomainEvent
	err := query.Order("seq ASC").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list domain events")
	}
	return records, nil
}

type offsetRepository struct {
	db *gorm.DB
}

// NewOffsetRepository creates a gorm-backed consumer offset store.
func NewOffsetRepository(db *gorm.DB) OffsetRepository {
	return &offsetRepository{db: db}
}

func (r *offsetRepository) Get(ctx context.Context, consumerName string) (uint64, error) {
	var offset models.ConsumerOffset
	err := r.db.WithContext(ctx).First(&offset, "consumer_name = ?", consumerName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to get consumer offset")
	}
	return offset.LastSeq, nil
}

func (r *offsetRepository) Commit(ctx context.Context, consumerName string, seq uint64) error {
	result := r.db.WithContext(ctx).
		Model(&models.ConsumerOffset{}).
		Where("consumer_name = ?", consumerName).
		Update("last_seq", seq)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to commit consumer offset")
	}
	if result.RowsAffected == 0 {
		offset := models.ConsumerOffset{ConsumerName: consumerName, LastSeq: seq}
		if err := r.db.WithContext(ctx).Create(&offset).Error; err != nil {
			return errors.Wrap(err, "failed to create consumer offset")
		}
	}
	return nil
}
