// Package apperr defines the recoverable error taxonomy of the allocation
// core. Callers branch on these with errors.Is; anything not listed here is
// treated as a storage failure and fatal for the request.
package apperr

import "errors"

var (
	// ErrNotFound means the prize or date was never provisioned.
	ErrNotFound = errors.New("not found")
	// ErrExhausted means remaining_quantity reached zero.
	ErrExhausted = errors.New("prize exhausted")
	// ErrDailyCapReached means today's win count hit the per-day limit.
	ErrDailyCapReached = errors.New("daily cap reached")
	// ErrNoPrizesAvailable is the normal sold-out outcome of an allocation.
	ErrNoPrizesAvailable = errors.New("no prizes available")
	// ErrReservationExpired means the reservation TTL elapsed before finalize.
	ErrReservationExpired = errors.New("reservation expired")
	// ErrReservationNotFound means no reservation matches the id/key pair.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrAlreadyFinalized means the reservation was finalized before.
	ErrAlreadyFinalized = errors.New("reservation already finalized")
	// ErrIdempotencyKeyMissing means the client sent no idempotency key.
	ErrIdempotencyKeyMissing = errors.New("idempotency key missing")
	// ErrConcurrentWriteConflict means the atomic decrement lost a race;
	// the caller should re-allocate rather than retry the same prize.
	ErrConcurrentWriteConflict = errors.New("concurrent write conflict")
	// ErrSignatureMismatch means a reservation payload failed verification.
	ErrSignatureMismatch = errors.New("signature mismatch")
)
