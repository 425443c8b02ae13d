package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ServiceOffering is a bookable service as the catalog defines it. The
// engine only reads durations and price; presentation fields live with the
// catalog subsystem.
type ServiceOffering struct {
	bun.BaseModel `bun:"table:services"`

	ID                uuid.UUID `bun:"id,pk,type:uuid"`
	BusinessID        uuid.UUID `bun:"business_id,notnull,type:uuid"`
	Name              string    `bun:"name,notnull"`
	DurationMinutes   int       `bun:"duration_minutes,notnull"`
	ProcessingMinutes int       `bun:"processing_minutes,notnull,default:0"`
	BlockedMinutes    int       `bun:"blocked_minutes,notnull,default:0"`
	PriceCents        int64     `bun:"price_cents,notnull,default:0"`
	Active            bool      `bun:"active,notnull,default:true"`
	CreatedAt         time.Time `bun:"created_at,notnull"`
	UpdatedAt         time.Time `bun:"updated_at,notnull"`
}

func (s *ServiceOffering) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if s.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			s.ID = id
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		s.UpdatedAt = now
	}
	return nil
}

// ServiceVariant overrides parts of its parent service: a longer cut, a
// different price. Zero-valued overrides fall back to the parent.
type ServiceVariant struct {
	bun.BaseModel `bun:"table:service_variants"`

	ID              uuid.UUID `bun:"id,pk,type:uuid"`
	ServiceID       uuid.UUID `bun:"service_id,notnull,type:uuid"`
	Name            string    `bun:"name,notnull"`
	DurationMinutes int       `bun:"duration_minutes,notnull,default:0"`
	PriceCents      int64     `bun:"price_cents,notnull,default:0"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
}

func (v *ServiceVariant) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if v.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			v.ID = id
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		if v.UpdatedAt.IsZero() {
			v.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		v.UpdatedAt = now
	}
	return nil
}

// Business carries the policy knobs the engine reads; everything else about
// a business is out of scope here.
type Business struct {
	bun.BaseModel `bun:"table:businesses"`

	ID                uuid.UUID `bun:"id,pk,type:uuid"`
	Name              string    `bun:"name,notnull"`
	Email             string    `bun:"email"`
	CancellationHours int       `bun:"cancellation_hours,notnull,default:24"`
	CreatedAt         time.Time `bun:"created_at,notnull"`
	UpdatedAt         time.Time `bun:"updated_at,notnull"`
}

func (b *Business) BeforeAppendModel(ctx context.Context, query bun.Query) error {
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

// Location is one physical site of a business. A location email, when set,
// overrides the business email as the notification sender.
type Location struct {
	bun.BaseModel `bun:"table:locations"`

	ID         uuid.UUID `bun:"id,pk,type:uuid"`
	BusinessID uuid.UUID `bun:"business_id,notnull,type:uuid"`
	Name       string    `bun:"name,notnull"`
	Email      string    `bun:"email"`
	Timezone   string    `bun:"timezone,notnull,default:'UTC'"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

func (l *Location) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if l.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			l.ID = id
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		if l.UpdatedAt.IsZero() {
			l.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		l.UpdatedAt = now
	}
	return nil
}
