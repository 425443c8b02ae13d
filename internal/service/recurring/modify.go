package recurring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reserva/internal/domain"
	"reserva/internal/notify"
	"reserva/internal/service/bookings"
	"reserva/internal/store"
)

// lockSetRetries bounds re-derivation of the staff lock union after a
// concurrent reassignment invalidates it.
const lockSetRetries = 3

type ModifyScope string

const (
	ModifyScopeAll    ModifyScope = "all"
	ModifyScopeFuture ModifyScope = "future"
)

// ModifyInput edits every targeted occurrence of a series with one request.
// NewStartTime is interpreted against the first targeted occurrence: the
// resulting offset shifts every targeted occurrence by the same amount, so
// "move my Tuesday 10:00 series to 11:30" moves all of them 90 minutes.
type ModifyInput struct {
	RuleID uuid.UUID
	Scope  ModifyScope
	// FromIndex narrows scope "future" to occurrences at this recurrence
	// index or later. Nil means everything that has not started yet.
	FromIndex *int

	NewStaffID   *uuid.UUID
	NewStartTime *time.Time
	Notes        *string
}

type ModifyResult struct {
	ModifiedCount  int
	SkippedCount   int
	ChangesApplied []string
}

// Modify applies the requested changes to all targeted occurrences in one
// transaction. Occurrences whose shifted or reassigned interval would
// collide keep their old shape and are counted as skipped; the rest commit.
// Cancelled and replaced occurrences are never touched.
func (s *Service) Modify(ctx context.Context, in ModifyInput) (*ModifyResult, error) {
	if in.RuleID == uuid.Nil {
		return nil, validationError("rule_id is required")
	}
	scope := in.Scope
	if scope == "" {
		scope = ModifyScopeFuture
	}
	if scope != ModifyScopeAll && scope != ModifyScopeFuture {
		return nil, validationError("unsupported scope")
	}
	changes := changesOf(in)
	if len(changes) == 0 {
		return nil, validationError("no changes requested")
	}

	for attempt := 0; ; attempt++ {
		result, err := s.modifyOnce(ctx, in, scope, changes)
		if errors.Is(err, store.ErrLockSetChanged) && attempt < lockSetRetries {
			continue
		}
		return result, err
	}
}

func (s *Service) modifyOnce(ctx context.Context, in ModifyInput, scope ModifyScope, changes []string) (*ModifyResult, error) {
	if _, err := s.repo.GetRecurrenceRule(ctx, in.RuleID); err != nil {
		return nil, err
	}
	all, err := s.repo.ListByRecurrenceRule(ctx, in.RuleID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	targets := make([]domain.Booking, 0, len(all))
	for _, b := range all {
		if !b.Status.IsActive() {
			continue
		}
		if scope == ModifyScopeFuture {
			if in.FromIndex != nil {
				if b.RecurrenceIndex == nil || *b.RecurrenceIndex < *in.FromIndex {
					continue
				}
			}
		}
		targets = append(targets, b)
	}
	if len(targets) == 0 {
		return nil, store.ErrNotFound
	}

	staff, err := s.staffUnion(ctx, targets, in.NewStaffID)
	if err != nil {
		return nil, err
	}

	correlation := uuid.New()
	result := &ModifyResult{ChangesApplied: changes}

	err = s.repo.InStaffTx(ctx, staff, func(ctx context.Context, tx store.OccupancyTx) error {
		var offset time.Duration
		offsetSet := false

		for _, target := range targets {
			b, err := tx.GetBookingForUpdate(ctx, target.ID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if !b.Status.IsActive() {
				continue
			}
			items, err := tx.ListItems(ctx, b.ID)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				continue
			}
			if !bookings.CoveredByLocks(items, staff) {
				return store.ErrLockSetChanged
			}
			if scope == ModifyScopeFuture && in.FromIndex == nil && !items[0].StartTime.After(now) {
				continue
			}

			// The shift is anchored once, on the first occurrence actually
			// targeted, so every occurrence moves by the same offset.
			if in.NewStartTime != nil && !offsetSet {
				offset = in.NewStartTime.UTC().Sub(items[0].StartTime)
				offsetSet = true
			}

			next := make([]domain.BookingItem, len(items))
			copy(next, items)
			for i := range next {
				if in.NewStaffID != nil {
					next[i].StaffID = *in.NewStaffID
				}
				if offsetSet {
					next[i].StartTime = next[i].StartTime.Add(offset)
					next[i].EndTime = next[i].EndTime.Add(offset)
				}
			}

			if in.NewStaffID != nil || offsetSet {
				conflicts, err := s.bookings.FindConflictsInTx(ctx, tx, next, &b.ID)
				if err != nil {
					return err
				}
				if len(conflicts) > 0 {
					result.SkippedCount++
					continue
				}
				if err := tx.UpdateItems(ctx, next); err != nil {
					return err
				}
			}
			if in.Notes != nil {
				if err := tx.UpdateBookingNotes(ctx, b.ID, *in.Notes); err != nil {
					return err
				}
			}

			// The modification itself must commit even when the audit trail is
			// unavailable: the event is best effort.
			ev := domain.AuditEvent{
				BookingID:     b.ID,
				Kind:          domain.AuditBookingSeriesModified,
				CorrelationID: correlation,
				Scope:         string(scope),
				Payload: map[string]any{
					"recurrence_rule_id": in.RuleID,
					"changes":            changes,
				},
			}
			if err := tx.InsertAuditEvent(ctx, &ev); err != nil {
				s.log.Warn("series modification audit failed",
					slog.String("booking_id", b.ID.String()), slog.Any("err", err))
			}
			result.ModifiedCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.ModifiedCount > 0 {
		s.notifyAsync(notify.KindBookingModified, map[string]any{
			"recurrence_rule_id": in.RuleID,
			"modified_count":     result.ModifiedCount,
			"changes":            changes,
		})
	}
	return result, nil
}

func changesOf(in ModifyInput) []string {
	var out []string
	if in.NewStaffID != nil {
		out = append(out, "staff")
	}
	if in.NewStartTime != nil {
		out = append(out, "start_time")
	}
	if in.Notes != nil {
		out = append(out, "notes")
	}
	return out
}

// staffUnion collects every staff member whose calendar the modification can
// touch: current assignees plus the reassignment target, so locks cover both
// the vacated and the newly occupied calendars.
func (s *Service) staffUnion(ctx context.Context, targets []domain.Booking, newStaff *uuid.UUID) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, b := range targets {
		_, items, err := s.repo.GetBooking(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			add(it.StaffID)
		}
	}
	if newStaff != nil {
		add(*newStaff)
	}
	return out, nil
}
