package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventType identifies a domain event variant. The set is closed: every type
// has a payload struct below and a decode arm in DecodePayload, so adding a
// variant is a compile-time checked change.
type EventType string

const (
	// Event lifecycle
	EventPublishedV1        EventType = "V1_EVENT_PUBLISHED"
	EventRevertedToDraftV1  EventType = "V1_EVENT_REVERTED_TO_DRAFT"
	EventTransitionedLiveV1 EventType = "V1_EVENT_TRANSITIONED_LIVE"
	EventTransitionedEndV1  EventType = "V1_EVENT_TRANSITIONED_ENDED"
	EventArchivedV1         EventType = "V1_EVENT_ARCHIVED"

	// Ticket lifecycle
	TicketRegisteredV1 EventType = "V1_TICKET_REGISTERED"
	TicketApprovedV1   EventType = "V1_TICKET_APPROVED"
	TicketRejectedV1   EventType = "V1_TICKET_REJECTED"
	TicketIssuedV1     EventType = "V1_TICKET_ISSUED"
	TicketStakedV1     EventType = "V1_TICKET_STAKED"
	TicketCheckedInV1  EventType = "V1_TICKET_CHECKED_IN"
	TicketRevokedV1    EventType = "V1_TICKET_REVOKED"
	TicketRefundedV1   EventType = "V1_TICKET_REFUNDED"
	TicketForfeitedV1  EventType = "V1_TICKET_FORFEITED"
)

// AggregateType constants for the two aggregates that publish events.
const (
	AggregateEvent  = "event"
	AggregateTicket = "ticket"
)

// Event is one immutable fact on the domain event bus. Seq is assigned by the
// store on append and orders events globally; events for the same aggregate
// preserve publish order, cross-aggregate ordering must not be assumed.
type Event struct {
	ID            string
	Seq           uint64
	AggregateID   string
	AggregateType string
	Type          EventType
	Payload       any
	OccurredAt    time.Time
}

// EventTransitionedPayload carries an Event aggregate status change.
type EventTransitionedPayload struct {
	EventID    string      `json:"event_id"`
	From       EventStatus `json:"from"`
	To         EventStatus `json:"to"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// TicketTransitionedPayload carries a Ticket aggregate status change.
type TicketTransitionedPayload struct {
	TicketID   string       `json:"ticket_id"`
	EventID    string       `json:"event_id"`
	UserID     string       `json:"user_id"`
	From       TicketStatus `json:"from"`
	To         TicketStatus `json:"to"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// TicketStakedPayload carries the verified on-chain deposit facts.
type TicketStakedPayload struct {
	TicketID      string    `json:"ticket_id"`
	EventID       string    `json:"event_id"`
	UserID        string    `json:"user_id"`
	TxHash        string    `json:"tx_hash"`
	WalletAddress string    `json:"wallet_address"`
	AmountWei     string    `json:"amount_wei"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// DecodePayload unmarshals a stored payload into its typed struct for the
// given event type.
func DecodePayload(eventType EventType, data []byte) (any, error) {
	switch eventType {
	case EventPublishedV1, EventRevertedToDraftV1, EventTransitionedLiveV1,
		EventTransitionedEndV1, EventArchivedV1:
		var p EventTransitionedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, errors.Wrap(err, "failed to decode event payload")
		}
		return p, nil

	case TicketStakedV1:
		var p TicketStakedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, errors.Wrap(err, "failed to decode ticket staked payload")
		}
		return p, nil

	case TicketRegisteredV1, TicketApprovedV1, TicketRejectedV1, TicketIssuedV1,
		TicketCheckedInV1, TicketRevokedV1, TicketRefundedV1, TicketForfeitedV1:
		var p TicketTransitionedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, errors.Wrap(err, "failed to decode ticket payload")
		}
		return p, nil

	default:
		return nil, errors.Errorf("unknown event type: %s", eventType)
	}
}

// AllEventTypes lists every variant, used by consumers that subscribe to the
// whole stream (the platform relay).
func AllEventTypes() []EventType {
	return []EventType{
		EventPublishedV1, EventRevertedToDraftV1, EventTransitionedLiveV1,
		EventTransitionedEndV1, EventArchivedV1,
		TicketRegisteredV1, TicketApprovedV1, TicketRejectedV1, TicketIssuedV1,
		TicketStakedV1, TicketCheckedInV1, TicketRevokedV1, TicketRefundedV1,
		TicketForfeitedV1,
	}
}
