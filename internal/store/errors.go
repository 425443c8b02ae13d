package store

import (
	"errors"
	"fmt"

	"reserva/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("slot conflict")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
	ErrAlreadyReplaced     = errors.New("booking already replaced")

	// ErrLockSetChanged signals that items re-read under the advisory locks
	// involve staff whose calendars the transaction did not lock. The lock set
	// was derived from a pre-transaction read; a concurrent reassignment
	// committed in between. Callers re-derive the set and retry.
	ErrLockSetChanged = errors.New("staff lock set changed")
)

// ConflictError is returned when a requested interval overlaps occupied
// intervals at write time. It carries the conflicting rows so the caller can
// re-offer alternatives without a second round trip, and it matches
// errors.Is(err, ErrConflict).
type ConflictError struct {
	Items []domain.BookingItem
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot conflict with %d existing booking item(s)", len(e.Items))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
