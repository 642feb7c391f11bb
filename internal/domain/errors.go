package domain

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrLockHeld     = errors.New("lock already held")
)

// PreconditionError reports a deterministic business-rule rejection: wrong
// pool variant, wrong lifecycle state for the requested transition, or a
// paused pool. Never retryable.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// Preconditionf builds a PreconditionError with a formatted reason.
func Preconditionf(format string, args ...any) *PreconditionError {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports malformed input, e.g. a string that is not a
// well-formed address or a non-positive amount.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientBufferError is returned when the requested allocation exceeds
// the escrow's current cash buffer. It mirrors the check the prepared
// on-chain instruction itself enforces, so the controller fails before ever
// preparing the instruction.
type InsufficientBufferError struct {
	Available *big.Int
	Requested *big.Int
}

func (e *InsufficientBufferError) Error() string {
	return fmt.Sprintf("insufficient cash buffer: available %s, requested %s",
		e.Available, e.Requested)
}

// ReserveViolationError is returned when an allocation would leave the cash
// buffer below the solvency floor. It always carries the figures that
// triggered it so callers can display an actionable message.
type ReserveViolationError struct {
	Current      *big.Int
	Target       *big.Int
	Minimum      *big.Int
	ReserveAfter *big.Int
}

func (e *ReserveViolationError) Error() string {
	return fmt.Sprintf("reserve violation: buffer after allocation %s would fall below minimum %s (current %s, target %s)",
		e.ReserveAfter, e.Minimum, e.Current, e.Target)
}

// EmptyQueueError is returned when batch selection finds no queued
// withdrawal requests for the pool.
type EmptyQueueError struct {
	PoolID string
}

func (e *EmptyQueueError) Error() string {
	return "no queued withdrawal requests for pool " + e.PoolID
}

// ConfirmationError reports that a ledger confirmation lookup failed or the
// transaction does not correspond to the expected event.
type ConfirmationError struct {
	TxRef  string
	Reason string
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("confirmation %s: %s", e.TxRef, e.Reason)
}

// GatewayError wraps a transient infrastructure failure from the ledger
// gateway. It is the only retryable error class; retries must re-execute the
// full read-decide sequence rather than reuse a stale read.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("ledger gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether err is a transient failure that may be retried
// with a fresh read-decide pass. All business-rule errors are deterministic
// and return false.
func Retryable(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}
