package escrow

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/gatherly/services/ticketing/internal/cache"
	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/eventbus"
	"example.com/gatherly/services/ticketing/internal/models"
	"example.com/gatherly/services/ticketing/internal/repositories"
	"example.com/gatherly/services/ticketing/internal/ticketing"
)

// ConsumerName identifies the coordinator on the domain event bus.
const ConsumerName = "escrow-coordinator"

// Options tune the coordinator's verification and retry behavior.
type Options struct {
	MinConfirmations uint64
	RefundCutoff     time.Duration
	CallTimeout      time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	ReconcileAfter   time.Duration
	StakeCacheTTL    time.Duration
}

// DefaultOptions match the contract's defaults.
func DefaultOptions() Options {
	return Options{
		MinConfirmations: 3,
		RefundCutoff:     time.Hour,
		CallTimeout:      15 * time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   200 * time.Millisecond,
		ReconcileAfter:   10 * time.Minute,
		StakeCacheTTL:    30 * time.Second,
	}
}

// Coordinator bridges ticket state to the escrow ledger. It never writes the
// ticket store directly: verified outcomes go back through the ticket
// engine's Mark* transitions, and the ledger is mutated only through its four
// guarded operations.
type Coordinator struct {
	engine  *ticketing.Engine
	tickets repositories.TicketRepository
	events  repositories.EventRepository
	ledger  Ledger
	stakes  cache.Cache
	opts    Options
}

// NewCoordinator creates a settlement coordinator.
func NewCoordinator(engine *ticketing.Engine, tickets repositories.TicketRepository, events repositories.EventRepository, ledger Ledger, stakes cache.Cache, opts Options) *Coordinator {
	return &Coordinator{
		engine:  engine,
		tickets: tickets,
		events:  events,
		ledger:  ledger,
		stakes:  stakes,
		opts:    opts,
	}
}

// VerifyStake checks a deposit transaction against the ledger and, once it is
// final and matches the ticket's declared wallet and the event's stake
// amount, moves the ticket to staked. Insufficient confirmations return
// domain.ErrPendingConfirmation for the caller to poll; any mismatch is a
// terminal domain.ErrVerificationFailed leaving the ticket unchanged.
func (c *Coordinator) VerifyStake(ctx context.Context, ticketID uuid.UUID, walletAddress, txRef string) (*models.Ticket, error) {
	ticket, err := c.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status == domain.TicketStaked {
		return ticket, nil
	}
	if ticket.Status != domain.TicketAwaitingStake {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "cannot verify stake from %s", ticket.Status)
	}

	event, err := c.events.GetByID(ctx, ticket.EventID)
	if err != nil {
		return nil, err
	}
	if !event.RequireStake || event.StakeAmountWei == nil {
		return nil, errors.Wrap(domain.ErrInvalidTransition, "event does not require a stake")
	}
	if ticket.StakeWalletAddress == nil || !strings.EqualFold(*ticket.StakeWalletAddress, walletAddress) {
		return nil, errors.Wrap(domain.ErrVerificationFailed, "wallet does not match the ticket's declared wallet")
	}

	var deposit *Deposit
	err = c.withLedgerRetry(ctx, func(callCtx context.Context) error {
		var callErr error
		deposit, callErr = c.ledger.DepositByTx(callCtx, txRef)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if deposit == nil || !deposit.Succeeded {
		return nil, errors.Wrap(domain.ErrVerificationFailed, "no successful stake transaction for reference")
	}
	if deposit.Confirmations < c.opts.MinConfirmations {
		return nil, errors.Wrapf(domain.ErrPendingConfirmation, "%d of %d confirmations", deposit.Confirmations, c.opts.MinConfirmations)
	}

	if deposit.EventIDHash != EventIDHash(event.ID) {
		return nil, errors.Wrap(domain.ErrVerificationFailed, "deposit references a different event")
	}
	if deposit.Depositor != common.HexToAddress(walletAddress) {
		return nil, errors.Wrap(domain.ErrVerificationFailed, "depositor does not match wallet")
	}
	required, ok := new(big.Int).SetString(*event.StakeAmountWei, 10)
	if !ok {
		return nil, errors.Errorf("event %s has a malformed stake amount", event.ID)
	}
	if deposit.AmountWei == nil || deposit.AmountWei.Cmp(required) < 0 {
		return nil, errors.Wrap(domain.ErrVerificationFailed, "deposited amount below the event's stake")
	}

	if err := c.engine.MarkStaked(ctx, ticketID, deposit.TxHash, walletAddress, deposit.AmountWei.String()); err != nil {
		return nil, err
	}
	c.invalidateStake(ctx, event.ID, walletAddress)

	log.Info().
		Str("ticket_id", ticketID.String()).
		Str("tx_hash", deposit.TxHash).
		Str("amount_wei", deposit.AmountWei.String()).
		Msg("Stake verified")
	return c.tickets.GetByID(ctx, ticketID)
}

// HandlerMap returns the coordinator's bus subscription: the closed set of
// event types it consumes.
func (c *Coordinator) HandlerMap() eventbus.HandlerMap {
	return eventbus.HandlerMap{
		domain.TicketCheckedInV1: c.HandleTicketCheckedIn,
	}
}

// HandleTicketCheckedIn releases the stake for a ticket that checked in from
// staked. Safe under at-least-once delivery: a redelivered event hits the
// ledger's Staked-status guard, and "already released" counts as success.
func (c *Coordinator) HandleTicketCheckedIn(ctx context.Context, event domain.Event) error {
	payload, ok := event.Payload.(domain.TicketTransitionedPayload)
	if !ok {
		return errors.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}
	if payload.From != domain.TicketStaked {
		return nil
	}

	ticketID, err := uuid.Parse(payload.TicketID)
	if err != nil {
		return errors.Wrap(err, "malformed ticket id in event")
	}
	ticket, err := c.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.StakeWalletAddress == nil {
		return errors.Errorf("staked ticket %s has no wallet address", ticketID)
	}

	eventIDHash := EventIDHash(ticket.EventID)
	attendee := common.HexToAddress(*ticket.StakeWalletAddress)

	err = c.withLedgerRetry(ctx, func(callCtx context.Context) error {
		_, callErr := c.ledger.Release(callCtx, eventIDHash, attendee)
		return callErr
	})
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			log.Info().Str("ticket_id", ticketID.String()).Msg("Stake already released")
			c.invalidateStake(ctx, ticket.EventID, *ticket.StakeWalletAddress)
			return nil
		}
		return err
	}

	c.invalidateStake(ctx, ticket.EventID, *ticket.StakeWalletAddress)
	log.Info().Str("ticket_id", ticketID.String()).Msg("Stake released to organizer")
	return nil
}

// Refund returns a stake to the attendee. Attendee only; allowed strictly
// before eventStartTime - refundCutoff, rejected at the boundary instant.
func (c *Coordinator) Refund(ctx context.Context, ticketID, requesterID uuid.UUID) error {
	ticket, err := c.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.UserID != requesterID {
		return errors.Wrap(domain.ErrUnauthorized, "only the attendee may request a refund")
	}
	if ticket.Status == domain.TicketRefunded {
		return nil
	}
	if ticket.Status != domain.TicketStaked {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot refund from %s", ticket.Status)
	}
	if ticket.StakeWalletAddress == nil {
		return errors.Wrapf(domain.ErrVerificationFailed, "staked ticket %s has no wallet address", ticketID)
	}

	event, err := c.events.GetByID(ctx, ticket.EventID)
	if err != nil {
		return err
	}
	cutoff := event.ScheduledStartAt.Add(-c.opts.RefundCutoff)
	if !time.Now().Before(cutoff) {
		return errors.Wrap(domain.ErrInvalidTransition, "refund window has closed")
	}

	eventIDHash := EventIDHash(event.ID)
	attendee := common.HexToAddress(*ticket.StakeWalletAddress)

	var txHash string
	err = c.withLedgerRetry(ctx, func(callCtx context.Context) error {
		var callErr error
		txHash, callErr = c.ledger.Refund(callCtx, eventIDHash, attendee)
		return callErr
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadySettled) {
			return err
		}
		// The record left Staked between our read and the call. Converge to
		// whatever the ledger actually recorded instead of assuming the
		// refund landed.
		status, convErr := c.convergeToLedger(ctx, *ticket)
		if convErr != nil {
			return convErr
		}
		c.invalidateStake(ctx, event.ID, *ticket.StakeWalletAddress)
		if status != StakeRefunded {
			return errors.Wrapf(domain.ErrConflict, "stake already settled as %s", status)
		}
		log.Info().Str("ticket_id", ticketID.String()).Msg("Stake already refunded")
		return nil
	}

	if err := c.engine.MarkRefunded(ctx, ticketID, txHash); err != nil {
		return err
	}
	c.invalidateStake(ctx, event.ID, *ticket.StakeWalletAddress)

	log.Info().Str("ticket_id", ticketID.String()).Str("tx_hash", txHash).Msg("Stake refunded")
	return nil
}

// Forfeit transfers a no-show's stake to the organizer. Organizer only;
// allowed only once the event has ended while the ticket is still staked.
func (c *Coordinator) Forfeit(ctx context.Context, ticketID, organizerID uuid.UUID) error {
	ticket, err := c.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return err
	}

	event, err := c.events.GetByID(ctx, ticket.EventID)
	if err != nil {
		return err
	}
	if event.OrganizerID != organizerID {
		return errors.Wrap(domain.ErrUnauthorized, "only the organizer may forfeit")
	}
	if ticket.Status == domain.TicketForfeited {
		return nil
	}
	if ticket.Status != domain.TicketStaked {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot forfeit from %s", ticket.Status)
	}
	if event.Status != domain.EventEnded && event.Status != domain.EventArchived {
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot forfeit before the event has ended")
	}
	if ticket.StakeWalletAddress == nil {
		return errors.Wrapf(domain.ErrVerificationFailed, "staked ticket %s has no wallet address", ticketID)
	}

	eventIDHash := EventIDHash(event.ID)
	attendee := common.HexToAddress(*ticket.StakeWalletAddress)

	err = c.withLedgerRetry(ctx, func(callCtx context.Context) error {
		_, callErr := c.ledger.Forfeit(callCtx, eventIDHash, attendee)
		return callErr
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadySettled) {
			return err
		}
		status, convErr := c.convergeToLedger(ctx, *ticket)
		if convErr != nil {
			return convErr
		}
		c.invalidateStake(ctx, event.ID, *ticket.StakeWalletAddress)
		if status != StakeForfeited {
			return errors.Wrapf(domain.ErrConflict, "stake already settled as %s", status)
		}
		log.Info().Str("ticket_id", ticketID.String()).Msg("Stake already forfeited")
		return nil
	}

	if err := c.engine.MarkForfeited(ctx, ticketID); err != nil {
		return err
	}
	c.invalidateStake(ctx, event.ID, *ticket.StakeWalletAddress)

	log.Info().Str("ticket_id", ticketID.String()).Msg("Stake forfeited to organizer")
	return nil
}

// StakeView is the cached answer for a stake lookup request.
type StakeView struct {
	Status    string `json:"status"`
	AmountWei string `json:"amount_wei"`
}

// LookupStake reads the on-chain stake for (event, wallet) through the TTL
// cache. The cache entry is invalidated whenever the coordinator settles the
// stake.
func (c *Coordinator) LookupStake(ctx context.Context, eventID uuid.UUID, walletAddress string) (*StakeView, error) {
	key := cache.StakeKey(eventID, strings.ToLower(walletAddress))

	var view StakeView
	if err := c.stakes.Get(ctx, key, &view); err == nil {
		return &view, nil
	}

	var record *StakeRecord
	err := c.withLedgerRetry(ctx, func(callCtx context.Context) error {
		var callErr error
		record, callErr = c.ledger.StakeOf(callCtx, EventIDHash(eventID), common.HexToAddress(walletAddress))
		return callErr
	})
	if err != nil {
		return nil, err
	}

	view = StakeView{Status: record.Status.String(), AmountWei: "0"}
	if record.AmountWei != nil {
		view.AmountWei = record.AmountWei.String()
	}
	if err := c.stakes.Set(ctx, key, view, c.opts.StakeCacheTTL); err != nil {
		log.Warn().Err(err).Msg("Failed to cache stake lookup")
	}
	return &view, nil
}

// Reconcile re-reads ledger state for tickets stuck on the stake path longer
// than the reconcile window and re-derives their status from the ledger's
// authoritative record. This is the backstop for missed domain events,
// dropped ledger responses, and crashed coordinator runs.
func (c *Coordinator) Reconcile(ctx context.Context, now time.Time) error {
	stuck, err := c.tickets.ListStuckInStakePath(ctx, now.Add(-c.opts.ReconcileAfter), 200)
	if err != nil {
		return err
	}

	for _, ticket := range stuck {
		if err := c.reconcileTicket(ctx, ticket); err != nil {
			// Logged and retried on the next sweep, never dropped.
			log.Error().Err(err).
				Str("ticket_id", ticket.ID.String()).
				Msg("Failed to reconcile ticket against ledger")
		}
	}
	return nil
}

func (c *Coordinator) reconcileTicket(ctx context.Context, ticket models.Ticket) error {
	if ticket.StakeWalletAddress == nil {
		return nil
	}
	_, err := c.convergeToLedger(ctx, ticket)
	return err
}

// convergeToLedger re-reads the authoritative stake record and moves the
// ticket to whatever the ledger says happened. Shared by the reconcile sweep
// and the settlement paths when the ledger rejects a mutation as already
// settled.
func (c *Coordinator) convergeToLedger(ctx context.Context, ticket models.Ticket) (StakeStatus, error) {
	attendee := common.HexToAddress(*ticket.StakeWalletAddress)
	eventIDHash := EventIDHash(ticket.EventID)

	var record *StakeRecord
	err := c.withLedgerRetry(ctx, func(callCtx context.Context) error {
		var callErr error
		record, callErr = c.ledger.StakeOf(callCtx, eventIDHash, attendee)
		return callErr
	})
	if err != nil {
		return StakeNone, err
	}

	switch record.Status {
	case StakeNone:
		// No deposit yet; the ticket legitimately waits.
		return record.Status, nil
	case StakeStaked:
		if ticket.Status != domain.TicketAwaitingStake {
			return record.Status, nil
		}
		txHash := ""
		if ticket.StakeTxHash != nil {
			txHash = *ticket.StakeTxHash
		}
		return record.Status, c.engine.MarkStaked(ctx, ticket.ID, txHash, *ticket.StakeWalletAddress, record.AmountWei.String())
	case StakeReleased:
		return record.Status, c.engine.MarkReleased(ctx, ticket.ID)
	case StakeRefunded:
		return record.Status, c.engine.MarkRefunded(ctx, ticket.ID, "")
	case StakeForfeited:
		return record.Status, c.engine.MarkForfeited(ctx, ticket.ID)
	default:
		return record.Status, errors.Errorf("unknown ledger status %d", record.Status)
	}
}

func (c *Coordinator) invalidateStake(ctx context.Context, eventID uuid.UUID, walletAddress string) {
	key := cache.StakeKey(eventID, strings.ToLower(walletAddress))
	if err := c.stakes.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to invalidate stake cache")
	}
}

// withLedgerRetry runs a ledger call under the call timeout, retrying
// transport failures with exponential backoff. A timeout is an unknown
// outcome: the call may have landed, so retries rely on the ledger's own
// guards and the reconciliation sweep picks up whatever retries do not.
func (c *Coordinator) withLedgerRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := c.opts.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		err := fn(callCtx)
		cancel()

		if err == nil || !errors.Is(err, domain.ErrLedgerTransport) {
			return err
		}
		if attempt >= c.opts.MaxRetries {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
