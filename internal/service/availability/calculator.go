// Package availability computes bookable start times. It is a pure read
// path: no locks are taken, results are advisory and re-validated with locks
// at write time, so browsing slots never contends with bookings being made.
package availability

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"reserva/internal/domain"
	"reserva/internal/schedule"
	"reserva/internal/store"
)

const (
	DefaultGranularity = 15 * time.Minute
	DefaultHorizon     = 60 * 24 * time.Hour
)

// Occupancy is the non-locking slice of the booking store the calculator
// reads existing items through.
type Occupancy interface {
	FindOverlapping(ctx context.Context, q store.OverlapQuery) ([]domain.BookingItem, error)
}

type Config struct {
	Granularity time.Duration
	Horizon     time.Duration
}

type Calculator struct {
	occ         Occupancy
	hours       schedule.Source
	granularity time.Duration
	horizon     time.Duration
	now         func() time.Time
}

func NewCalculator(occ Occupancy, hours schedule.Source, cfg Config) *Calculator {
	granularity := cfg.Granularity
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	horizon := cfg.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Calculator{
		occ:         occ,
		hours:       hours,
		granularity: granularity,
		horizon:     horizon,
		now:         time.Now,
	}
}

type Input struct {
	StaffIDs        []uuid.UUID
	Date            time.Time // local midnight in the location's timezone
	DurationMinutes int
	// ExcludeBookingID removes one booking's items from the occupied set,
	// used when offering reschedule alternatives.
	ExcludeBookingID *uuid.UUID
}

type Slot struct {
	StaffID   uuid.UUID
	StartTime time.Time
	EndTime   time.Time
}

// Execute enumerates candidate start times on a fixed grid within each staff
// member's working window, drops past and beyond-horizon candidates, drops
// candidates intersecting an occupied interval, and merges the per-staff
// results sorted by start time (staff id as the stable tie-break).
func (c *Calculator) Execute(ctx context.Context, in Input) ([]Slot, error) {
	if in.DurationMinutes <= 0 {
		return nil, errInvalidDuration
	}
	if len(in.StaffIDs) == 0 {
		return nil, errNoStaff
	}

	duration := time.Duration(in.DurationMinutes) * time.Minute
	now := c.now().UTC()
	horizonEnd := now.Add(c.horizon)

	var out []Slot
	for _, staffID := range in.StaffIDs {
		window, err := c.hours.WindowFor(ctx, staffID, in.Date)
		if err != nil {
			return nil, err
		}
		if window == nil {
			continue
		}

		occupied, err := c.occ.FindOverlapping(ctx, store.OverlapQuery{
			StaffID:          staffID,
			Span:             *window,
			ExcludeBookingID: in.ExcludeBookingID,
		})
		if err != nil {
			return nil, err
		}
		busy := make([]domain.TimeSpan, 0, len(occupied))
		for _, item := range occupied {
			busy = append(busy, item.BlockedSpan())
		}

		for tick := window.Start; !tick.Add(duration).After(window.End); tick = tick.Add(c.granularity) {
			if !tick.After(now) || tick.After(horizonEnd) {
				continue
			}
			candidate := domain.TimeSpan{Start: tick, End: tick.Add(duration)}
			if overlapsAny(candidate, busy) {
				continue
			}
			out = append(out, Slot{StaffID: staffID, StartTime: candidate.Start, EndTime: candidate.End})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].StaffID.String() < out[j].StaffID.String()
	})
	return out, nil
}

func overlapsAny(candidate domain.TimeSpan, busy []domain.TimeSpan) bool {
	for _, b := range busy {
		if candidate.Overlaps(b) {
			return true
		}
	}
	return false
}
