package domain

import (
	"context"
	"errors"
	"fmt"
)

// Taxonomy roots. Every error the engine returns wraps exactly one of these.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrStateConflict    = errors.New("state conflict")
	ErrTimeout          = errors.New("timeout")
	ErrAlreadyProcessed = errors.New("already processed")
)

var (
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRateLimited   = errors.New("rate limited")
)

// Derived business errors.
var (
	ErrNotYetFinishable    = fmt.Errorf("%w: escrow not yet finishable", ErrStateConflict)
	ErrNotYetCancellable   = fmt.Errorf("%w: escrow not yet cancellable", ErrStateConflict)
	ErrEscrowCancelled     = fmt.Errorf("%w: escrow cancelled", ErrStateConflict)
	ErrEscrowFinished      = fmt.Errorf("%w: escrow already finished", ErrStateConflict)
	ErrCoverageRatioBreach = fmt.Errorf("%w: coverage ratio would fall below minimum", ErrStateConflict)
	ErrInsufficientCapital = fmt.Errorf("%w: insufficient pool capital", ErrStateConflict)
	ErrClaimStatus         = fmt.Errorf("%w: unexpected claim status", ErrStateConflict)
	ErrPolicyStatus        = fmt.Errorf("%w: unexpected policy status", ErrStateConflict)
	ErrPremiumShortfall    = fmt.Errorf("%w: premium paid below quote", ErrStateConflict)
)

// Ledger writer failures.
var (
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrBadSequence        = errors.New("ledger: bad sequence")
	ErrInstructionExpired = errors.New("ledger: instruction expired")
	ErrLedgerRejected     = errors.New("ledger: transaction rejected")
)

// Outcome is the taxonomy class of an error, rendered to API callers.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeInvalidInput     Outcome = "invalid_input"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeStateConflict    Outcome = "state_conflict"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeInternal         Outcome = "internal"
)

// Classify maps err to its taxonomy outcome. Context deadline expiry counts
// as a timeout.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalidInput):
		return OutcomeInvalidInput
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrAlreadyExists):
		return OutcomeAlreadyProcessed
	case errors.Is(err, ErrStateConflict), errors.Is(err, ErrLockHeld):
		return OutcomeStateConflict
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeInternal
	}
}

// Invalid returns an ErrInvalidInput carrying a formatted description.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Wrapf annotates a sentinel with context while keeping it matchable with
// errors.Is.
func Wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
