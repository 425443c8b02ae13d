package bookings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reserva/internal/domain"
	"reserva/internal/notify"
	"reserva/internal/store"
)

// Reschedule shifts every item of a booking by the same offset, preserving
// per-item durations and inter-item gaps exactly. The shifted intervals are
// re-checked for conflicts with the booking's own items excluded.
func (s *Service) Reschedule(ctx context.Context, bookingID uuid.UUID, newStart time.Time, actor Actor) (domain.Booking, []domain.BookingItem, error) {
	if bookingID == uuid.Nil {
		return domain.Booking{}, nil, validationError("booking_id is required")
	}
	if newStart.IsZero() {
		return domain.Booking{}, nil, validationError("new start_time is required")
	}

	for attempt := 0; ; attempt++ {
		booking, items, err := s.rescheduleOnce(ctx, bookingID, newStart, actor)
		if errors.Is(err, store.ErrLockSetChanged) && attempt < lockSetRetries {
			continue
		}
		return booking, items, err
	}
}

func (s *Service) rescheduleOnce(ctx context.Context, bookingID uuid.UUID, newStart time.Time, actor Actor) (domain.Booking, []domain.BookingItem, error) {
	booking, items, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, nil, err
	}
	if len(items) == 0 {
		return domain.Booking{}, nil, validationError("booking has no items")
	}
	if booking.ReplacedByBookingID != nil {
		return domain.Booking{}, nil, store.ErrAlreadyReplaced
	}
	if !booking.Status.IsActive() {
		return domain.Booking{}, nil, &NotModifiableError{Reason: "booking is " + string(booking.Status)}
	}

	if !actor.operator() {
		if err := s.checkCancellationPolicy(ctx, booking, items[0].StartTime); err != nil {
			return domain.Booking{}, nil, err
		}
	}

	offset := newStart.UTC().Sub(items[0].StartTime)
	lockIDs := staffIDsOf(items)

	var outBooking domain.Booking
	var outItems []domain.BookingItem
	err = s.repo.InStaffTx(ctx, lockIDs, func(ctx context.Context, tx store.OccupancyTx) error {
		b, err := tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if !b.Status.IsActive() {
			return &NotModifiableError{Reason: "booking is " + string(b.Status)}
		}
		current, err := tx.ListItems(ctx, bookingID)
		if err != nil {
			return err
		}
		if !CoveredByLocks(current, lockIDs) {
			return store.ErrLockSetChanged
		}

		shifted := make([]domain.BookingItem, len(current))
		for i, it := range current {
			it.StartTime = it.StartTime.Add(offset)
			it.EndTime = it.EndTime.Add(offset)
			shifted[i] = it
		}

		if err := s.guardConflicts(ctx, tx, shifted, &bookingID); err != nil {
			return err
		}
		if err := tx.UpdateItems(ctx, shifted); err != nil {
			return err
		}

		ev := domain.AuditEvent{
			BookingID:     bookingID,
			Kind:          domain.AuditBookingRescheduled,
			CorrelationID: uuid.New(),
			ActorRole:     string(actor.Role),
			Payload: map[string]any{
				"offset_minutes": int(offset / time.Minute),
				"new_start":      shifted[0].StartTime,
			},
		}
		if err := tx.InsertAuditEvent(ctx, &ev); err != nil {
			return err
		}

		outBooking, outItems = b, shifted
		return nil
	})
	if err != nil {
		return domain.Booking{}, nil, err
	}
	return outBooking, outItems, nil
}

// Cancel soft-cancels a booking: items stay for audit and history, the
// status flip frees the intervals. Cancelling an already-cancelled booking
// is a no-op.
func (s *Service) Cancel(ctx context.Context, bookingID uuid.UUID, actor Actor) error {
	if bookingID == uuid.Nil {
		return validationError("booking_id is required")
	}

	booking, items, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.Status == domain.BookingStatusCancelled {
		return nil
	}
	if booking.Status == domain.BookingStatusReplaced {
		return &NotModifiableError{Reason: "booking was replaced"}
	}

	if !actor.operator() && len(items) > 0 {
		if err := s.checkCancellationPolicy(ctx, booking, items[0].StartTime); err != nil {
			return err
		}
	}

	err = s.repo.InStaffTx(ctx, staffIDsOf(items), func(ctx context.Context, tx store.OccupancyTx) error {
		if err := tx.UpdateBookingStatus(ctx, bookingID, domain.BookingStatusCancelled); err != nil {
			return err
		}
		ev := domain.AuditEvent{
			BookingID:     bookingID,
			Kind:          domain.AuditBookingCancelled,
			CorrelationID: uuid.New(),
			ActorRole:     string(actor.Role),
			Payload:       map[string]any{"previous_status": booking.Status},
		}
		return tx.InsertAuditEvent(ctx, &ev)
	})
	if err != nil {
		return err
	}

	booking.Status = domain.BookingStatusCancelled
	s.notifyAsync(notify.KindBookingCancelled, bookingPayload(booking, items, s.senderEmail(ctx, booking)))
	return nil
}

// checkCancellationPolicy enforces the business's cancellation window: the
// change must happen at least the configured number of hours before the
// booking's current first item start.
func (s *Service) checkCancellationPolicy(ctx context.Context, booking domain.Booking, firstStart time.Time) error {
	hours, err := s.directory.CancellationHours(ctx, booking.BusinessID, booking.LocationID)
	if err != nil {
		return err
	}
	if hours <= 0 {
		return nil
	}
	deadline := firstStart.Add(-time.Duration(hours) * time.Hour)
	if s.now().After(deadline) {
		return &PolicyViolationError{Deadline: deadline}
	}
	return nil
}

// senderEmail is best effort: a directory failure downgrades to an empty
// sender rather than failing the operation.
func (s *Service) senderEmail(ctx context.Context, booking domain.Booking) string {
	if s.directory == nil {
		return ""
	}
	email, err := s.directory.SenderEmail(ctx, booking.BusinessID, booking.LocationID)
	if err != nil {
		s.log.Warn("sender identity lookup failed", slog.String("booking_id", booking.ID.String()), slog.Any("err", err))
		return ""
	}
	return email
}
