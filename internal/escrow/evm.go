package escrow

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"example.com/gatherly/services/ticketing/internal/chain"
	"example.com/gatherly/services/ticketing/internal/domain"
)

// escrowLedgerABI is the EscrowLedger contract surface this service uses:
// the stakes mapping, the three settlement mutations, and the Staked event
// emitted by the attendee-side stake() deposit.
const escrowLedgerABI = `[
  {"type":"function","name":"stakes","stateMutability":"view","inputs":[{"name":"eventId","type":"bytes32"},{"name":"attendee","type":"address"}],"outputs":[{"name":"organizer","type":"address"},{"name":"amount","type":"uint256"},{"name":"status","type":"uint8"},{"name":"stakedAt","type":"uint64"},{"name":"eventStartTime","type":"uint64"}]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"eventId","type":"bytes32"},{"name":"attendee","type":"address"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"eventId","type":"bytes32"},{"name":"attendee","type":"address"}],"outputs":[]},
  {"type":"function","name":"forfeit","stateMutability":"nonpayable","inputs":[{"name":"eventId","type":"bytes32"},{"name":"attendee","type":"address"}],"outputs":[]},
  {"type":"event","name":"Staked","inputs":[{"name":"eventId","type":"bytes32","indexed":true},{"name":"attendee","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"eventStartTime","type":"uint64","indexed":false}],"anonymous":false}
]`

// EVMLedger implements Ledger against the deployed EscrowLedger contract.
// Mutations are signed with the platform key, which the contract recognizes
// as owner for the organizer-side operations.
type EVMLedger struct {
	client     *chain.Client
	contract   *bind.BoundContract
	address    common.Address
	parsedABI  abi.ABI
	stakedSig  common.Hash
	transactor *bind.TransactOpts
}

// NewEVMLedger binds the contract at the given address and prepares a
// transactor from the platform's private key.
func NewEVMLedger(ctx context.Context, client *chain.Client, contractAddress common.Address, privateKeyHex string) (*EVMLedger, error) {
	parsedABI, err := abi.JSON(strings.NewReader(escrowLedgerABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse escrow ledger ABI")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse platform private key")
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get chain ID")
	}
	transactor, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create transactor")
	}

	backend := client.Eth()
	return &EVMLedger{
		client:     client,
		contract:   bind.NewBoundContract(contractAddress, parsedABI, backend, backend, backend),
		address:    contractAddress,
		parsedABI:  parsedABI,
		stakedSig:  parsedABI.Events["Staked"].ID,
		transactor: transactor,
	}, nil
}

// StakeOf reads the stakes mapping for (event, attendee).
func (l *EVMLedger) StakeOf(ctx context.Context, eventIDHash common.Hash, attendee common.Address) (*StakeRecord, error) {
	var out []any
	err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "stakes", eventIDHash, attendee)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrLedgerTransport, "stakes call failed: %v", err)
	}
	if len(out) != 5 {
		return nil, errors.Errorf("unexpected stakes output arity %d", len(out))
	}

	organizer, _ := out[0].(common.Address)
	amount, _ := out[1].(*big.Int)
	status, _ := out[2].(uint8)
	stakedAt, _ := out[3].(uint64)
	eventStart, _ := out[4].(uint64)

	return &StakeRecord{
		Organizer:      organizer,
		Attendee:       attendee,
		AmountWei:      amount,
		Status:         StakeStatus(status),
		StakedAt:       time.Unix(int64(stakedAt), 0),
		EventStartTime: time.Unix(int64(eventStart), 0),
	}, nil
}

// DepositByTx resolves a stake transaction hash to its Staked log facts and
// confirmation depth. A missing or failed transaction, or one that never
// emitted a Staked log from the ledger contract, yields Succeeded == false.
func (l *EVMLedger) DepositByTx(ctx context.Context, txRef string) (*Deposit, error) {
	txHash := common.HexToHash(txRef)

	receipt, err := l.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &Deposit{TxHash: txRef, Succeeded: false}, nil
		}
		return nil, errors.Wrapf(domain.ErrLedgerTransport, "receipt lookup failed: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &Deposit{TxHash: txRef, Succeeded: false}, nil
	}

	latest, err := l.client.LatestBlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrLedgerTransport, "block number lookup failed: %v", err)
	}
	confirmations := uint64(0)
	if block := receipt.BlockNumber.Uint64(); latest >= block {
		confirmations = latest - block + 1
	}

	for _, logEntry := range receipt.Logs {
		if logEntry.Address != l.address || len(logEntry.Topics) < 3 || logEntry.Topics[0] != l.stakedSig {
			continue
		}

		unpacked, err := l.parsedABI.Unpack("Staked", logEntry.Data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to unpack Staked log")
		}
		amount, _ := unpacked[0].(*big.Int)

		return &Deposit{
			TxHash:        txRef,
			EventIDHash:   logEntry.Topics[1],
			Depositor:     common.BytesToAddress(logEntry.Topics[2].Bytes()),
			AmountWei:     amount,
			Confirmations: confirmations,
			Succeeded:     true,
		}, nil
	}

	// Successful transaction, but not a stake against this ledger.
	return &Deposit{TxHash: txRef, Succeeded: false, Confirmations: confirmations}, nil
}

// Release transfers a Staked amount to the organizer.
func (l *EVMLedger) Release(ctx context.Context, eventIDHash common.Hash, attendee common.Address) (string, error) {
	return l.settle(ctx, "release", eventIDHash, attendee)
}

// Refund returns a Staked amount to the attendee.
func (l *EVMLedger) Refund(ctx context.Context, eventIDHash common.Hash, attendee common.Address) (string, error) {
	return l.settle(ctx, "refund", eventIDHash, attendee)
}

// Forfeit transfers a no-show's Staked amount to the organizer.
func (l *EVMLedger) Forfeit(ctx context.Context, eventIDHash common.Hash, attendee common.Address) (string, error) {
	return l.settle(ctx, "forfeit", eventIDHash, attendee)
}

// settle submits one guarded mutation and waits for it to mine. The contract
// rejects any record not in Staked status; that rejection surfaces here as
// ErrAlreadySettled so duplicate settlement attempts converge to success.
func (l *EVMLedger) settle(ctx context.Context, method string, eventIDHash common.Hash, attendee common.Address) (string, error) {
	record, err := l.StakeOf(ctx, eventIDHash, attendee)
	if err != nil {
		return "", err
	}
	switch record.Status {
	case StakeNone:
		return "", errors.Wrapf(domain.ErrNotFound, "no stake record for attendee %s", attendee)
	case StakeStaked:
	default:
		return "", errors.Wrapf(ErrAlreadySettled, "ledger status %s", record.Status)
	}

	opts := *l.transactor
	opts.Context = ctx
	tx, err := l.contract.Transact(&opts, method, eventIDHash, attendee)
	if err != nil {
		return "", errors.Wrapf(domain.ErrLedgerTransport, "%s transaction failed: %v", method, err)
	}

	receipt, err := bind.WaitMined(ctx, l.client.Eth(), tx)
	if err != nil {
		return "", errors.Wrapf(domain.ErrLedgerTransport, "waiting for %s receipt: %v", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// Reverted: re-read to distinguish a lost settlement race from a
		// genuine failure.
		current, readErr := l.StakeOf(ctx, eventIDHash, attendee)
		if readErr == nil && current.Status != StakeStaked && current.Status != StakeNone {
			return tx.Hash().Hex(), errors.Wrapf(ErrAlreadySettled, "ledger status %s", current.Status)
		}
		return "", errors.Errorf("%s transaction reverted: %s", method, tx.Hash())
	}

	return tx.Hash().Hex(), nil
}
