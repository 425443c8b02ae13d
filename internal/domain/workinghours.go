package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WorkTemplate is one recurring availability row of a staff member's
// planning: "works Mondays 09:00-17:00, every week" or "every other week"
// anchored at EffectiveFrom. Minutes are counted from local midnight.
type WorkTemplate struct {
	bun.BaseModel `bun:"table:staff_work_templates"`

	ID             uuid.UUID  `bun:"id,pk,type:uuid"`
	BusinessID     uuid.UUID  `bun:"business_id,notnull,type:uuid"`
	StaffID        uuid.UUID  `bun:"staff_id,notnull,type:uuid"`
	Weekday        int16      `bun:"weekday,notnull"`
	StartMinute    int        `bun:"start_minute,notnull"`
	EndMinute      int        `bun:"end_minute,notnull"`
	EveryNWeeks    int        `bun:"every_n_weeks,notnull,default:1"`
	EffectiveFrom  time.Time  `bun:"effective_from,notnull"`
	EffectiveUntil *time.Time `bun:"effective_until"`
	CreatedAt      time.Time  `bun:"created_at,notnull"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull"`
}

func (t *WorkTemplate) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if t.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			t.ID = id
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		t.UpdatedAt = now
	}
	return nil
}

// WorkException overrides every template for its date. Off marks the whole
// day unavailable; otherwise the window is [StartMinute, EndMinute).
type WorkException struct {
	bun.BaseModel `bun:"table:staff_work_exceptions"`

	ID          uuid.UUID `bun:"id,pk,type:uuid"`
	StaffID     uuid.UUID `bun:"staff_id,notnull,type:uuid"`
	Date        time.Time `bun:"date,notnull"`
	Off         bool      `bun:"off,notnull,default:false"`
	StartMinute int       `bun:"start_minute,notnull,default:0"`
	EndMinute   int       `bun:"end_minute,notnull,default:0"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

func (e *WorkException) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if e.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			e.ID = id
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		e.UpdatedAt = now
	}
	return nil
}
