package services

import "errors"

// Error taxonomy for the settlement core.
//
// Transient errors (ErrLockContention, ErrSyncTransmitFailure, ErrSinkBusy)
// are retried by the caller or scheduler, never looped internally. Structural
// errors (ErrRateAmbiguous, ErrPartialApply) indicate a data invariant
// violation and must surface to an operator, never auto-retry.
var (
	// ErrLockContention: another settlement or withdrawal holds the anchor's
	// lock. Retry later.
	ErrLockContention = errors.New("anchor is locked by another operation")

	// ErrRateNotConfigured: no active commission rate covers the requested
	// instant. Settlement halts for the anchor; a default rate is never
	// assumed.
	ErrRateNotConfigured = errors.New("commission rate not configured")

	// ErrRateAmbiguous: more than one active rate interval covers the
	// requested instant. A write-path bug left overlapping intervals.
	ErrRateAmbiguous = errors.New("overlapping active commission rate intervals")

	// ErrInsufficientBalance is an expected business outcome, not a system
	// failure.
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrDuplicateOperation: the operation id was already marked but no
	// recorded outcome exists yet; the original attempt is still in flight.
	ErrDuplicateOperation = errors.New("duplicate operation in flight")

	// ErrSyncTransmitFailure: the settlement sink did not confirm the batch.
	// The cursor stays put and the same batch id is retried next run.
	ErrSyncTransmitFailure = errors.New("sync batch transmit failed")

	// ErrSinkBusy: the target reported busy; treated like a transmit failure.
	ErrSinkBusy = errors.New("settlement sink busy")

	// ErrPartialApply must never fire in correct operation. The run aborts
	// and the anchor is flagged for manual reconciliation.
	ErrPartialApply = errors.New("partial apply detected")

	// ErrAccountFrozen: the account admits no balance mutations at all.
	ErrAccountFrozen = errors.New("account frozen")

	// ErrWithdrawalBlocked: settlements still accrue but withdrawals are
	// disabled for the account.
	ErrWithdrawalBlocked = errors.New("withdrawals blocked for account")
)
