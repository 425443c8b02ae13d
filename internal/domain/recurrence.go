package domain

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type RecurrenceFrequency string

const (
	RecurrenceFrequencyDaily   RecurrenceFrequency = "daily"
	RecurrenceFrequencyWeekly  RecurrenceFrequency = "weekly"
	RecurrenceFrequencyMonthly RecurrenceFrequency = "monthly"
	RecurrenceFrequencyCustom  RecurrenceFrequency = "custom"
)

type ConflictStrategy string

const (
	ConflictStrategySkip  ConflictStrategy = "skip"
	ConflictStrategyForce ConflictStrategy = "force"
)

// MaxSeriesOccurrences bounds worst-case expansion work for rules whose
// caller-supplied bounds are missing or very large.
const MaxSeriesOccurrences = 730

// RecurrenceRule describes how a series repeats. Rules are created once per
// series and never mutated; series edits operate on the member bookings.
type RecurrenceRule struct {
	bun.BaseModel `bun:"table:recurrence_rules"`

	ID               uuid.UUID           `bun:"id,pk,type:uuid"`
	BusinessID       uuid.UUID           `bun:"business_id,notnull,type:uuid"`
	Frequency        RecurrenceFrequency `bun:"frequency,notnull"`
	IntervalValue    int                 `bun:"interval_value,notnull"`
	MaxOccurrences   *int                `bun:"max_occurrences"`
	EndDate          *time.Time          `bun:"end_date"`
	ConflictStrategy ConflictStrategy    `bun:"conflict_strategy,notnull"`
	DaysOfWeek       []int16             `bun:"days_of_week,array"`
	DayOfMonth       *int                `bun:"day_of_month"`
	CreatedAt        time.Time           `bun:"created_at,notnull"`
	UpdatedAt        time.Time           `bun:"updated_at,notnull"`
}

func (r *RecurrenceRule) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if r.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			r.ID = id
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		r.UpdatedAt = now
	}
	return nil
}

// CalculateDates expands a rule into the ordered occurrence start times of a
// series anchored at anchor. The anchor's wall-clock time and location are
// preserved for every occurrence, so a 09:00 series stays at 09:00 local
// across DST transitions. The expansion is pure and deterministic: preview
// and creation share it and can never disagree on the series' dates.
//
// Expansion stops at the first of: MaxOccurrences reached, EndDate exceeded
// (inclusive calendar date), or MaxSeriesOccurrences.
//
// Monthly rules whose target day exceeds the target month's length clamp to
// the month's last day (day 31 in February yields Feb 28/29).
func CalculateDates(anchor time.Time, rule RecurrenceRule) ([]time.Time, error) {
	interval := rule.IntervalValue
	if interval < 1 {
		interval = 1
	}

	limit := MaxSeriesOccurrences
	if rule.MaxOccurrences != nil {
		if *rule.MaxOccurrences < 1 {
			return nil, errors.New("max_occurrences must be at least 1")
		}
		if *rule.MaxOccurrences < limit {
			limit = *rule.MaxOccurrences
		}
	}

	switch rule.Frequency {
	case RecurrenceFrequencyDaily:
		return expandDaily(anchor, interval, limit, rule.EndDate), nil
	case RecurrenceFrequencyWeekly, RecurrenceFrequencyCustom:
		weekdays, err := normalizeWeekdays(rule.DaysOfWeek, anchor)
		if err != nil {
			return nil, err
		}
		return expandWeekly(anchor, interval, limit, rule.EndDate, weekdays), nil
	case RecurrenceFrequencyMonthly:
		day := anchor.Day()
		if rule.DayOfMonth != nil {
			day = *rule.DayOfMonth
		}
		if day < 1 || day > 31 {
			return nil, errors.New("invalid day_of_month")
		}
		return expandMonthly(anchor, interval, limit, rule.EndDate, day), nil
	default:
		return nil, errors.New("unsupported recurrence frequency")
	}
}

func expandDaily(anchor time.Time, interval, limit int, endDate *time.Time) []time.Time {
	out := make([]time.Time, 0, limit)
	for i := 0; i < limit; i++ {
		d := anchor.AddDate(0, 0, i*interval)
		if beyondEndDate(d, endDate) {
			break
		}
		out = append(out, d)
	}
	return out
}

func expandWeekly(anchor time.Time, interval, limit int, endDate *time.Time, weekdays []int16) []time.Time {
	out := make([]time.Time, 0, limit)
	loc := anchor.Location()
	anchorMonday := mondayOf(anchor)

	for week := 0; ; week++ {
		weekStart := anchorMonday.AddDate(0, 0, week*interval*7)
		for _, wd := range weekdays {
			day := weekStart.AddDate(0, 0, weekdayOffsetFromMonday(wd))
			occ := time.Date(
				day.Year(), day.Month(), day.Day(),
				anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(),
				loc,
			)
			if occ.Before(anchor) {
				continue
			}
			if beyondEndDate(occ, endDate) {
				return out
			}
			out = append(out, occ)
			if len(out) >= limit {
				return out
			}
		}
	}
}

func expandMonthly(anchor time.Time, interval, limit int, endDate *time.Time, targetDay int) []time.Time {
	out := make([]time.Time, 0, limit)
	loc := anchor.Location()
	for i := 0; len(out) < limit; i++ {
		first := time.Date(anchor.Year(), anchor.Month(), 1,
			anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), loc)
		first = first.AddDate(0, i*interval, 0)

		day := targetDay
		if last := daysInMonth(first.Year(), first.Month()); day > last {
			day = last
		}
		occ := time.Date(first.Year(), first.Month(), day,
			anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), loc)
		if occ.Before(anchor) {
			continue
		}
		if beyondEndDate(occ, endDate) {
			break
		}
		out = append(out, occ)
	}
	return out
}

func normalizeWeekdays(weekdays []int16, anchor time.Time) ([]int16, error) {
	if len(weekdays) == 0 {
		wd := anchor.Weekday()
		if wd == time.Sunday {
			return []int16{7}, nil
		}
		return []int16{int16(wd)}, nil
	}

	seen := make(map[int16]struct{}, len(weekdays))
	normalized := make([]int16, 0, len(weekdays))
	for _, wd := range weekdays {
		if wd < 1 || wd > 7 {
			return nil, errors.New("invalid weekday")
		}
		if _, ok := seen[wd]; ok {
			continue
		}
		seen[wd] = struct{}{}
		normalized = append(normalized, wd)
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i] < normalized[j] })
	return normalized, nil
}

// beyondEndDate treats endDate as an inclusive calendar date in the
// occurrence's location: an occurrence on the end date itself still belongs
// to the series.
func beyondEndDate(occ time.Time, endDate *time.Time) bool {
	if endDate == nil {
		return false
	}
	e := endDate.In(occ.Location())
	boundary := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, occ.Location()).AddDate(0, 0, 1)
	return !occ.Before(boundary)
}

func mondayOf(t time.Time) time.Time {
	wd := t.Weekday()
	offset := 0
	if wd == time.Sunday {
		offset = 6
	} else {
		offset = int(wd) - 1
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return d.AddDate(0, 0, -offset)
}

func weekdayOffsetFromMonday(weekday int16) int {
	if weekday == 7 {
		return 6
	}
	return int(weekday) - 1
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
}
