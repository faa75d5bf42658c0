package settlement

import (
	"errors"
	"fmt"

	"github.com/meridianpay/meridian/internal/chain"
	"github.com/meridianpay/meridian/internal/escrow"
	"github.com/meridianpay/meridian/internal/ledger"
	"github.com/meridianpay/meridian/internal/wallet"
)

// Kind classifies a facade failure so callers can decide what to do next
// without string-matching messages.
type Kind string

const (
	// KindValidation: bad address, amount, or id shape. Rejected before any
	// state change.
	KindValidation Kind = "validation"

	// KindAuthorization: wrong caller for the action.
	KindAuthorization Kind = "authorization"

	// KindStateConflict: illegal transition for the current status,
	// including time-gate violations.
	KindStateConflict Kind = "state_conflict"

	// KindConcurrencyConflict: a compare-and-set lost the race. Safe to
	// re-read and retry.
	KindConcurrencyConflict Kind = "concurrency_conflict"

	// KindExternalFailure: network, RPC, or timeout talking to the chain.
	// Recoverable; callers should retry with backoff. Never conflated with
	// a business-logic rejection.
	KindExternalFailure Kind = "external_failure"

	// KindInconsistency: the two sources of truth disagree (receipt
	// succeeded, expected event missing). Not automatically recoverable.
	KindInconsistency Kind = "inconsistency"
)

// Error is the facade's uniform failure type.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("settlement: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may safely retry the same call.
func (e *Error) Retryable() bool {
	return e.Kind == KindExternalFailure || e.Kind == KindConcurrencyConflict
}

func fail(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// classify maps component sentinel errors onto the facade taxonomy.
func classify(op string, err error) *Error {
	switch {
	// Validation
	case errors.Is(err, escrow.ErrInvalidParty),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidLimit),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, escrow.ErrEscrowNotFound),
		errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, ledger.ErrAccountNotFound):
		return fail(op, KindValidation, err)

	// Authorization
	case errors.Is(err, escrow.ErrNotBuyer),
		errors.Is(err, escrow.ErrNotSeller),
		errors.Is(err, escrow.ErrNotParty),
		errors.Is(err, wallet.ErrNotAuthorized),
		errors.Is(err, wallet.ErrNotOwner):
		return fail(op, KindAuthorization, err)

	// State conflicts, time gates included
	case errors.Is(err, escrow.ErrNotPending),
		errors.Is(err, escrow.ErrAlreadyResolved),
		errors.Is(err, escrow.ErrNotExpired),
		errors.Is(err, escrow.ErrAlreadyClaimed),
		errors.Is(err, escrow.ErrNotClaimed),
		errors.Is(err, escrow.ErrClaimWindowOpen),
		errors.Is(err, wallet.ErrWalletInactive),
		errors.Is(err, wallet.ErrRecipientNotApproved),
		errors.Is(err, wallet.ErrDailyLimitExceeded),
		errors.Is(err, wallet.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, chain.ErrTxReverted):
		return fail(op, KindStateConflict, err)

	// Concurrency
	case errors.Is(err, escrow.ErrConcurrentModification):
		return fail(op, KindConcurrencyConflict, err)

	// Inconsistency before external failure: ErrEventNotFound must never
	// look retryable.
	case errors.Is(err, chain.ErrEventNotFound):
		return fail(op, KindInconsistency, err)

	case errors.Is(err, chain.ErrConfirmTimeout),
		errors.Is(err, chain.ErrRPCConnection),
		isSubmitError(err):
		return fail(op, KindExternalFailure, err)

	default:
		return fail(op, KindExternalFailure, err)
	}
}

func isSubmitError(err error) bool {
	var se *chain.SubmitError
	return errors.As(err, &se)
}
