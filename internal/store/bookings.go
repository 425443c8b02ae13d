package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"reserva/internal/domain"
)

// OverlapQuery selects active booking items whose blocked interval
// intersects Span for one staff member. Matching is deliberately
// staff-global rather than per-location: a staff member can only be in one
// place, so items at another location still block the interval.
// ExcludeBookingID removes a booking's own items from the result, which
// reschedule and replace need so a slot about to be vacated does not block
// its successor.
type OverlapQuery struct {
	StaffID          uuid.UUID
	Span             domain.TimeSpan
	ExcludeBookingID *uuid.UUID
}

type BookingRepository interface {
	GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error)
	FindByIdempotencyKey(ctx context.Context, businessID uuid.UUID, key string) (*domain.Booking, []domain.BookingItem, error)

	// FindOverlapping is the lock-free read used by availability and series
	// preview. Results are advisory and re-validated at write time.
	FindOverlapping(ctx context.Context, q OverlapQuery) ([]domain.BookingItem, error)

	GetRecurrenceRule(ctx context.Context, id uuid.UUID) (domain.RecurrenceRule, error)
	ListByRecurrenceRule(ctx context.Context, ruleID uuid.UUID) ([]domain.Booking, error)
	ListStartingBetween(ctx context.Context, from, to time.Time) ([]domain.Booking, error)

	// InStaffTx runs fn in one transaction holding per-staff advisory locks,
	// acquired in sorted order. Writers targeting the same staff serialize;
	// writers on disjoint staff proceed concurrently.
	InStaffTx(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx OccupancyTx) error) error
}

// OccupancyTx is the write-side surface available inside an InStaffTx
// transaction. Any error returned from fn rolls the whole transaction back,
// so no partial booking ever becomes visible.
type OccupancyTx interface {
	FindOverlappingForUpdate(ctx context.Context, q OverlapQuery) ([]domain.BookingItem, error)
	GetBookingForUpdate(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	ListItems(ctx context.Context, bookingID uuid.UUID) ([]domain.BookingItem, error)

	InsertBooking(ctx context.Context, b *domain.Booking) error
	InsertItems(ctx context.Context, items []domain.BookingItem) error
	UpdateItems(ctx context.Context, items []domain.BookingItem) error
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, status domain.BookingStatus) error
	UpdateBookingNotes(ctx context.Context, id uuid.UUID, notes string) error
	MarkReplaced(ctx context.Context, originalID, newID uuid.UUID) error

	InsertRecurrenceRule(ctx context.Context, rule *domain.RecurrenceRule) error
	InsertAuditEvent(ctx context.Context, ev *domain.AuditEvent) error
}
