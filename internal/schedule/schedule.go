package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"reserva/internal/domain"
)

// Source answers "during which window is this staff member working on this
// date". date must be local midnight in the location's timezone; the returned
// span is in UTC. A nil span means the staff member is off that day.
type Source interface {
	WindowFor(ctx context.Context, staffID uuid.UUID, date time.Time) (*domain.TimeSpan, error)
}

// Repository is the persistence slice the resolver needs.
type Repository interface {
	TemplatesOn(ctx context.Context, staffID uuid.UUID, date time.Time) ([]domain.WorkTemplate, error)
	ExceptionOn(ctx context.Context, staffID uuid.UUID, date time.Time) (*domain.WorkException, error)
}

type Resolver struct {
	repo Repository
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

func (r *Resolver) WindowFor(ctx context.Context, staffID uuid.UUID, date time.Time) (*domain.TimeSpan, error) {
	ex, err := r.repo.ExceptionOn(ctx, staffID, date)
	if err != nil {
		return nil, err
	}
	if ex != nil {
		return windowFromException(*ex, date), nil
	}

	templates, err := r.repo.TemplatesOn(ctx, staffID, date)
	if err != nil {
		return nil, err
	}
	return ResolveWindow(templates, date), nil
}

// windowFromException applies a date-specific override. Exceptions replace
// the template layer entirely for their date.
func windowFromException(ex domain.WorkException, date time.Time) *domain.TimeSpan {
	if ex.Off || ex.EndMinute <= ex.StartMinute {
		return nil
	}
	return minuteSpan(date, ex.StartMinute, ex.EndMinute)
}

// ResolveWindow picks the working window for a local date from the staff
// member's templates: rows for other weekdays, outside their validity range,
// or on the wrong week of a biweekly cadence do not apply. When several rows
// apply, the window is the widest one (earliest start, latest end).
func ResolveWindow(templates []domain.WorkTemplate, date time.Time) *domain.TimeSpan {
	wd := isoWeekday(date)

	startMin, endMin := 0, 0
	found := false
	for _, t := range templates {
		if t.Weekday != wd {
			continue
		}
		if !appliesOn(t, date) {
			continue
		}
		if t.EndMinute <= t.StartMinute {
			continue
		}
		if !found || t.StartMinute < startMin {
			startMin = t.StartMinute
		}
		if !found || t.EndMinute > endMin {
			endMin = t.EndMinute
		}
		found = true
	}
	if !found {
		return nil
	}
	return minuteSpan(date, startMin, endMin)
}

func appliesOn(t domain.WorkTemplate, date time.Time) bool {
	day := date.AddDate(0, 0, 1).Add(-time.Nanosecond) // end of local day
	if t.EffectiveFrom.After(day) {
		return false
	}
	if t.EffectiveUntil != nil && t.EffectiveUntil.Before(date) {
		return false
	}
	if t.EveryNWeeks <= 1 {
		return true
	}
	anchor := mondayOf(t.EffectiveFrom.In(date.Location()))
	weeks := int(mondayOf(date).Sub(anchor).Hours() / (24 * 7))
	if weeks < 0 {
		weeks = -weeks
	}
	return weeks%t.EveryNWeeks == 0
}

func minuteSpan(date time.Time, startMinute, endMinute int) *domain.TimeSpan {
	start := date.Add(time.Duration(startMinute) * time.Minute)
	end := date.Add(time.Duration(endMinute) * time.Minute)
	return &domain.TimeSpan{Start: start.UTC(), End: end.UTC()}
}

func isoWeekday(t time.Time) int16 {
	if t.Weekday() == time.Sunday {
		return 7
	}
	return int16(t.Weekday())
}

func mondayOf(t time.Time) time.Time {
	offset := int(t.Weekday()) - 1
	if t.Weekday() == time.Sunday {
		offset = 6
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return d.AddDate(0, 0, -offset)
}
