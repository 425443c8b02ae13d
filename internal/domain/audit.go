package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	AuditBookingCreated        = "booking_created"
	AuditBookingRescheduled    = "booking_rescheduled"
	AuditBookingCancelled      = "booking_cancelled"
	AuditBookingReplaced       = "booking_replaced"
	AuditBookingCreatedReplace = "booking_created_by_replace"
	AuditBookingSeriesModified = "booking_series_modified"
)

// AuditEvent records one lifecycle transition on a booking. Replace writes
// two events sharing a correlation id so the retired and the new booking can
// be traced to the same user action.
type AuditEvent struct {
	bun.BaseModel `bun:"table:audit_events"`

	ID            uuid.UUID      `bun:"id,pk,type:uuid"`
	BookingID     uuid.UUID      `bun:"booking_id,notnull,type:uuid"`
	Kind          string         `bun:"kind,notnull"`
	CorrelationID uuid.UUID      `bun:"correlation_id,notnull,type:uuid"`
	ActorRole     string         `bun:"actor_role"`
	Scope         string         `bun:"scope"`
	Payload       map[string]any `bun:"payload,type:jsonb"`
	CreatedAt     time.Time      `bun:"created_at,notnull"`
}

func (e *AuditEvent) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); ok {
		if e.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			e.ID = id
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
	}
	return nil
}
