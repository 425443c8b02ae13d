package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusReplaced  BookingStatus = "replaced"
)

// IsActive reports whether a booking in this status still occupies its
// items' intervals. Cancelled and replaced bookings never block new ones.
func (s BookingStatus) IsActive() bool {
	return s != BookingStatusCancelled && s != BookingStatusReplaced
}

type BookingSource string

const (
	BookingSourceOnline BookingSource = "online"
	BookingSourceManual BookingSource = "manual"
)

// Booking is the container for one customer visit. A booking with
// ReplacedByBookingID set is immutable except for its status, which is
// "replaced".
type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	ID                  uuid.UUID     `bun:"id,pk,type:uuid"`
	BusinessID          uuid.UUID     `bun:"business_id,notnull,type:uuid"`
	LocationID          uuid.UUID     `bun:"location_id,notnull,type:uuid"`
	ClientID            *uuid.UUID    `bun:"client_id,type:uuid"`
	UserID              *uuid.UUID    `bun:"user_id,type:uuid"`
	Notes               string        `bun:"notes"`
	Status              BookingStatus `bun:"status,notnull"`
	Source              BookingSource `bun:"source,notnull"`
	IdempotencyKey      *string       `bun:"idempotency_key"`
	RecurrenceRuleID    *uuid.UUID    `bun:"recurrence_rule_id,type:uuid"`
	RecurrenceIndex     *int          `bun:"recurrence_index"`
	IsRecurrenceParent  bool          `bun:"is_recurrence_parent,notnull,default:false"`
	ReplacesBookingID   *uuid.UUID    `bun:"replaces_booking_id,type:uuid"`
	ReplacedByBookingID *uuid.UUID    `bun:"replaced_by_booking_id,type:uuid"`
	HasConflict         bool          `bun:"has_conflict,notnull,default:false"`
	CreatedAt           time.Time     `bun:"created_at,notnull"`
	UpdatedAt           time.Time     `bun:"updated_at,notnull"`
}

func (b *Booking) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if b.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			b.ID = id
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		b.UpdatedAt = now
	}
	return nil
}

// BookingItem is one staff/service occurrence within a booking. Bookings with
// multiple services chain items sequentially. StartTime/EndTime are UTC and
// EndTime covers only the visible service duration; processing and blocked
// minutes extend the occupied interval without being displayed.
type BookingItem struct {
	bun.BaseModel `bun:"table:booking_items"`

	ID                     uuid.UUID  `bun:"id,pk,type:uuid"`
	BookingID              uuid.UUID  `bun:"booking_id,notnull,type:uuid"`
	LocationID             uuid.UUID  `bun:"location_id,notnull,type:uuid"`
	ServiceID              uuid.UUID  `bun:"service_id,notnull,type:uuid"`
	ServiceVariantID       *uuid.UUID `bun:"service_variant_id,type:uuid"`
	StaffID                uuid.UUID  `bun:"staff_id,notnull,type:uuid"`
	StartTime              time.Time  `bun:"start_time,notnull"`
	EndTime                time.Time  `bun:"end_time,notnull"`
	PriceCents             int64      `bun:"price_cents,notnull,default:0"`
	ExtraBlockedMinutes    int        `bun:"extra_blocked_minutes,notnull,default:0"`
	ExtraProcessingMinutes int        `bun:"extra_processing_minutes,notnull,default:0"`
	ServiceName            string     `bun:"service_name"`
	ClientName             string     `bun:"client_name"`
	CreatedAt              time.Time  `bun:"created_at,notnull"`
	UpdatedAt              time.Time  `bun:"updated_at,notnull"`
}

func (i *BookingItem) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if i.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			i.ID = id
		}
		if i.CreatedAt.IsZero() {
			i.CreatedAt = now
		}
		if i.UpdatedAt.IsZero() {
			i.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		i.UpdatedAt = now
	}
	return nil
}

// Span is the displayed interval of the item.
func (i BookingItem) Span() TimeSpan {
	return TimeSpan{Start: i.StartTime, End: i.EndTime}
}

// BlockedSpan is the interval the item actually occupies on the staff
// calendar: the visible duration plus processing and blocked minutes.
// Conflict checks operate on blocked spans.
func (i BookingItem) BlockedSpan() TimeSpan {
	extra := time.Duration(i.ExtraProcessingMinutes+i.ExtraBlockedMinutes) * time.Minute
	return TimeSpan{Start: i.StartTime, End: i.EndTime.Add(extra)}
}
