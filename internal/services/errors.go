package services

import (
	"errors"
	"fmt"
)

// Settlement error taxonomy. Callers branch on these: only StoreUnavailable
// is safe to retry automatically (with the same idempotency key); everything
// else is terminal for that call.
var (
	ErrInsufficientFunds      = errors.New("insufficient balance")
	ErrAccountNotFound        = errors.New("account not found")
	ErrEntryNotFound          = errors.New("ledger entry not found")
	ErrContractNotFound       = errors.New("contract not found")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
)

// DuplicateConflictError means an idempotency key was reused with a different
// payload. That is a programmer error, not a valid retry.
type DuplicateConflictError struct {
	EntryID string
}

func (e *DuplicateConflictError) Error() string {
	return fmt.Sprintf("idempotency key %s already used with a different payload", e.EntryID)
}

// InvalidAmountError covers non-positive and out-of-bounds amounts.
type InvalidAmountError struct {
	Amount int64
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %d: %s", e.Amount, e.Reason)
}

// StoreUnavailableError wraps transient I/O failures from the backing store.
// Retrying with the same idempotency key is safe.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IntegrityFaultError means a cached balance does not match the fold of
// committed ledger entries. It is surfaced for operator review and never
// silently corrected.
type IntegrityFaultError struct {
	AccountID string
	Pool      string
	Cached    int64
	Derived   int64
}

func (e *IntegrityFaultError) Error() string {
	return fmt.Sprintf("integrity fault on account %s pool %s: cached %d, derived %d",
		e.AccountID, e.Pool, e.Cached, e.Derived)
}
