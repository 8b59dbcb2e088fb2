package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// StakeStatus mirrors the ledger contract's per-record status field.
type StakeStatus uint8

const (
	StakeNone StakeStatus = iota
	StakeStaked
	StakeReleased
	StakeRefunded
	StakeForfeited
)

func (s StakeStatus) String() string {
	switch s {
	case StakeStaked:
		return "staked"
	case StakeReleased:
		return "released"
	case StakeRefunded:
		return "refunded"
	case StakeForfeited:
		return "forfeited"
	default:
		return "none"
	}
}

// ErrAlreadySettled is returned by ledger mutations whose guard rejected a
// non-Staked record. The coordinator treats it as success: the settlement
// already happened exactly once.
var ErrAlreadySettled = errors.New("stake already settled")

// StakeRecord is the ledger's authoritative record for one (event, attendee)
// pair, mirrored read-only into the coordinator.
type StakeRecord struct {
	Organizer      common.Address
	Attendee       common.Address
	AmountWei      *big.Int
	Status         StakeStatus
	StakedAt       time.Time
	EventStartTime time.Time
}

// Deposit is the verified view of one stake transaction on chain.
type Deposit struct {
	TxHash        string
	EventIDHash   common.Hash
	Depositor     common.Address
	AmountWei     *big.Int
	Confirmations uint64
	Succeeded     bool
}

// Ledger is the external escrow contract boundary. Mutations are guarded by
// the contract itself (role checks plus the Staked-status guard), so every
// call here is safe to retry; implementations wrap transport failures in
// domain.ErrLedgerTransport and guard rejections in ErrAlreadySettled.
type Ledger interface {
	// StakeOf reads the record for (event, attendee); Status is StakeNone
	// when no deposit exists.
	StakeOf(ctx context.Context, eventIDHash common.Hash, attendee common.Address) (*StakeRecord, error)

	// DepositByTx resolves a stake transaction reference to its verified
	// deposit facts, including current confirmation depth.
	DepositByTx(ctx context.Context, txRef string) (*Deposit, error)

	// Release transfers a Staked amount to the organizer. Owner/organizer only.
	Release(ctx context.Context, eventIDHash common.Hash, attendee common.Address) (string, error)

	// Refund returns a Staked amount to the attendee, valid only before the
	// contract's refund cutoff.
	Refund(ctx context.Context, eventIDHash common.Hash, attendee common.Address) (string, error)

	// Forfeit transfers a no-show's Staked amount to the organizer, valid
	// only once the event has started.
	Forfeit(ctx context.Context, eventIDHash common.Hash, attendee common.Address) (string, error)
}

// EventIDHash derives the contract's bytes32 event key from an event id.
func EventIDHash(eventID uuid.UUID) common.Hash {
	return crypto.Keccak256Hash([]byte(eventID.String()))
}
