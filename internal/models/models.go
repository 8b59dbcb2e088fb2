package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/gatherly/services/ticketing/internal/domain"
)

// Event represents one occurrence being organized.
type Event struct {
	ID               uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt     `gorm:"index" json:"-"`
	OrganizerID      uuid.UUID          `gorm:"type:uuid;not null;index" json:"organizer_id"`
	Name             string             `gorm:"not null" json:"name"`
	Status           domain.EventStatus `gorm:"not null;index" json:"status"`
	PreviousStatus   *string            `json:"previous_status"`
	TransitionedAt   *time.Time         `json:"transitioned_at"`
	ScheduledStartAt time.Time          `gorm:"not null" json:"scheduled_start_at"`
	ScheduledEndAt   time.Time          `gorm:"not null" json:"scheduled_end_at"`
	RequireApproval  bool               `gorm:"not null;default:false" json:"require_approval"`
	RequireStake     bool               `gorm:"not null;default:false" json:"require_stake"`
	StakeAmountWei   *string            `json:"stake_amount_wei"`
	StakeCurrency    *string            `json:"stake_currency"`
	OrganizerWallet  *string            `json:"organizer_wallet"`
	Capacity         *int               `json:"capacity"`
	Tickets          []Ticket           `gorm:"foreignKey:EventID" json:"-"`
}

// Ticket represents one attendee's claim on one Event.
type Ticket struct {
	ID                 uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt          time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt      `gorm:"index" json:"-"`
	EventID            uuid.UUID           `gorm:"type:uuid;not null;index:idx_tickets_event_user,unique" json:"event_id"`
	UserID             uuid.UUID           `gorm:"type:uuid;not null;index:idx_tickets_event_user,unique" json:"user_id"`
	QRToken            string              `gorm:"column:qr_token;not null;uniqueIndex" json:"-"`
	Status             domain.TicketStatus `gorm:"not null;index" json:"status"`
	PreviousStatus     *string             `json:"previous_status"`
	StatusChangedAt    time.Time           `gorm:"not null" json:"status_changed_at"`
	CheckedInAt        *time.Time          `json:"checked_in_at"`
	StakeAmountWei     *string             `json:"stake_amount_wei"`
	StakeCurrency      *string             `json:"stake_currency"`
	StakeTxHash        *string             `json:"stake_tx_hash"`
	StakeWalletAddress *string             `json:"stake_wallet_address"`
	RefundTxHash       *string             `json:"refund_tx_hash"`
	RefundedAt         *time.Time          `json:"refunded_at"`
	ForfeitedAt        *time.Time          `json:"forfeited_at"`
}

// DomainEvent is one appended record on the domain event bus. Seq is the
// store-assigned global order; the row is never updated after insert.
type DomainEvent struct {
	Seq           uint64    `gorm:"primaryKey;autoIncrement" json:"seq"`
	EventID       string    `gorm:"not null;uniqueIndex" json:"event_id"`
	AggregateID   string    `gorm:"not null;index" json:"aggregate_id"`
	AggregateType string    `gorm:"not null" json:"aggregate_type"`
	EventType     string    `gorm:"not null;index" json:"event_type"`
	Payload       []byte    `gorm:"type:jsonb;not null" json:"payload"`
	OccurredAt    time.Time `gorm:"not null;index" json:"occurred_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ConsumerOffset tracks the last sequence a named consumer acknowledged.
type ConsumerOffset struct {
	ConsumerName string    `gorm:"primaryKey" json:"consumer_name"`
	LastSeq      uint64    `gorm:"not null;default:0" json:"last_seq"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Event{},
		&Ticket{},
		&DomainEvent{},
		&ConsumerOffset{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}
