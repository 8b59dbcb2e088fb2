package domain

import "github.com/pkg/errors"

// Taxonomy errors. Callers match with errors.Is; layers add context with
// errors.Wrap so the kind survives to the API boundary.
var (
	// ErrInvalidTransition means the requested move is not permitted from the
	// current status. Surfaced to the caller, never retried.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotFound means the referenced event, ticket or stake record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a concurrent transition won the compare-and-set.
	// The caller should re-read state rather than retry the same mutation.
	ErrConflict = errors.New("conflict")

	// ErrVerificationFailed means the on-chain fact does not match expectation
	// (wrong amount, wrong address, no such transaction). Terminal.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrPendingConfirmation means the on-chain fact exists but is not yet
	// final. Retryable by polling.
	ErrPendingConfirmation = errors.New("pending confirmation")

	// ErrLedgerTransport means an RPC or network failure against the ledger.
	// Retried with backoff, then escalated to the reconciliation sweep.
	ErrLedgerTransport = errors.New("ledger transport error")

	// ErrUnauthorized means the caller lacks the required role.
	ErrUnauthorized = errors.New("unauthorized")
)
