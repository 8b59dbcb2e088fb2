package domain

// EventStatus is the lifecycle status of an Event aggregate.
type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventPublished EventStatus = "published"
	EventLive      EventStatus = "live"
	EventEnded     EventStatus = "ended"
	EventArchived  EventStatus = "archived"
)

// TicketStatus is the lifecycle status of a Ticket aggregate.
type TicketStatus string

const (
	TicketPending         TicketStatus = "pending"
	TicketPendingApproval TicketStatus = "pending_approval"
	TicketApproved        TicketStatus = "approved"
	TicketRejected        TicketStatus = "rejected"
	TicketIssued          TicketStatus = "issued"
	TicketAwaitingStake   TicketStatus = "awaiting_stake"
	TicketStaked          TicketStatus = "staked"
	TicketCheckedIn       TicketStatus = "checked_in"
	TicketRefunded        TicketStatus = "refunded"
	TicketForfeited       TicketStatus = "forfeited"
	TicketRevoked         TicketStatus = "revoked"
)

// eventTransitions is the closed forward graph for Event statuses.
// published -> draft is the single manual revert edge.
var eventTransitions = map[EventStatus][]EventStatus{
	EventDraft:     {EventPublished},
	EventPublished: {EventLive, EventDraft},
	EventLive:      {EventEnded},
	EventEnded:     {EventArchived},
	EventArchived:  {},
}

// ticketTransitions is the closed transition graph for Ticket statuses.
// A stake-required ticket on a no-approval event moves pending ->
// awaiting_stake directly; approved is only reached via pending_approval.
var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketPending:         {TicketPendingApproval, TicketIssued, TicketAwaitingStake, TicketRevoked},
	TicketPendingApproval: {TicketApproved, TicketRejected, TicketRevoked},
	TicketApproved:        {TicketIssued, TicketAwaitingStake, TicketRevoked},
	TicketAwaitingStake:   {TicketStaked, TicketRevoked},
	TicketIssued:          {TicketCheckedIn, TicketRevoked},
	TicketStaked:          {TicketCheckedIn, TicketRefunded, TicketForfeited},
	TicketRejected:        {},
	TicketCheckedIn:       {},
	TicketRefunded:        {},
	TicketForfeited:       {},
	TicketRevoked:         {},
}

// CanTransitionEvent reports whether an Event may move from one status to another.
func CanTransitionEvent(from, to EventStatus) bool {
	for _, next := range eventTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionTicket reports whether a Ticket may move from one status to another.
func CanTransitionTicket(from, to TicketStatus) bool {
	for _, next := range ticketTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalTicketStatus reports whether no further transition is allowed.
func IsTerminalTicketStatus(status TicketStatus) bool {
	return len(ticketTransitions[status]) == 0
}
