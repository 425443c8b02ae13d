package bookings

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"reserva/internal/domain"
	"reserva/internal/notify"
	"reserva/internal/store"
)

type ReplaceInput struct {
	BookingID uuid.UUID
	Spec      CreateInput
	Actor     Actor
	// SkipConflictCheck lets operators force a replacement into an occupied
	// interval, mirroring the manual-booking escape hatch.
	SkipConflictCheck bool
}

type ReplaceResult struct {
	OriginalID uuid.UUID
	NewID      uuid.UUID
}

// Replace atomically retires a booking in favor of a newly created one,
// preserving audit lineage. Used when a change of composition (services or
// staff) makes "one new booking, one retired booking" preferable to in-place
// mutation. The original's items are excluded from the conflict set so the
// interval being vacated cannot block its own replacement. Either every
// write commits or none does, and exactly one "modified" notification is
// queued after commit.
func (s *Service) Replace(ctx context.Context, in ReplaceInput) (*ReplaceResult, error) {
	if in.BookingID == uuid.Nil {
		return nil, validationError("booking_id is required")
	}
	if in.Spec.StartTime.IsZero() {
		return nil, validationError("start_time is required")
	}
	specs, err := in.Spec.NormalizeItems()
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		result, err := s.replaceOnce(ctx, in, specs)
		if errors.Is(err, store.ErrLockSetChanged) && attempt < lockSetRetries {
			continue
		}
		return result, err
	}
}

func (s *Service) replaceOnce(ctx context.Context, in ReplaceInput, specs []ItemSpec) (*ReplaceResult, error) {
	original, originalItems, err := s.repo.GetBooking(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if err := s.checkReplaceable(ctx, original, originalItems, in.Actor); err != nil {
		return nil, err
	}

	newItems, err := s.BuildItems(ctx, in.Spec, specs, in.Spec.StartTime)
	if err != nil {
		return nil, err
	}

	newBooking := domain.Booking{
		BusinessID:        original.BusinessID,
		LocationID:        in.Spec.LocationID,
		ClientID:          original.ClientID,
		UserID:            in.Spec.UserID,
		Notes:             in.Spec.Notes,
		Status:            original.Status,
		Source:            original.Source,
		ReplacesBookingID: &original.ID,
	}
	if newBooking.LocationID == uuid.Nil {
		newBooking.LocationID = original.LocationID
	}

	staffIDs := append(staffIDsOf(originalItems), staffIDsOf(newItems)...)
	correlation := uuid.New()

	var result ReplaceResult
	err = s.repo.InStaffTx(ctx, staffIDs, func(ctx context.Context, tx store.OccupancyTx) error {
		// Re-validate under the row lock: the pre-checks above only kept the
		// common failure paths out of the transaction.
		locked, err := tx.GetBookingForUpdate(ctx, in.BookingID)
		if err != nil {
			return err
		}
		if locked.ReplacedByBookingID != nil {
			return store.ErrAlreadyReplaced
		}
		if locked.Status != domain.BookingStatusConfirmed && locked.Status != domain.BookingStatusPending {
			return &NotModifiableError{Reason: "booking is " + string(locked.Status)}
		}
		currentItems, err := tx.ListItems(ctx, in.BookingID)
		if err != nil {
			return err
		}
		if !CoveredByLocks(currentItems, staffIDs) {
			return store.ErrLockSetChanged
		}

		created, _, err := s.CreateInTx(ctx, tx, TxCreateParams{
			Booking:           newBooking,
			Items:             newItems,
			SkipConflictCheck: in.SkipConflictCheck,
			ExcludeBookingID:  &in.BookingID,
			AuditKind:         domain.AuditBookingCreatedReplace,
			CorrelationID:     correlation,
			ActorRole:         string(in.Actor.Role),
		})
		if err != nil {
			return err
		}

		if err := tx.MarkReplaced(ctx, in.BookingID, created.ID); err != nil {
			return err
		}
		ev := domain.AuditEvent{
			BookingID:     in.BookingID,
			Kind:          domain.AuditBookingReplaced,
			CorrelationID: correlation,
			ActorRole:     string(in.Actor.Role),
			Payload:       map[string]any{"replaced_by": created.ID},
		}
		if err := tx.InsertAuditEvent(ctx, &ev); err != nil {
			return err
		}

		result = ReplaceResult{OriginalID: in.BookingID, NewID: created.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// One "modified" notification, never a cancel+create pair: the customer
	// made one change and hears about it once.
	newBooking.ID = result.NewID
	s.notifyAsync(notify.KindBookingModified, bookingPayload(newBooking, newItems, s.senderEmail(ctx, newBooking)))
	return &result, nil
}

func (s *Service) checkReplaceable(ctx context.Context, original domain.Booking, items []domain.BookingItem, actor Actor) error {
	if original.ReplacedByBookingID != nil {
		return store.ErrAlreadyReplaced
	}
	if original.Status != domain.BookingStatusConfirmed && original.Status != domain.BookingStatusPending {
		return &NotModifiableError{Reason: "booking is " + string(original.Status)}
	}
	if len(items) == 0 {
		return validationError("booking has no items")
	}
	if !items[0].StartTime.After(s.now()) {
		return &NotModifiableError{Reason: "booking already started"}
	}

	switch actor.Role {
	case ActorRoleCustomer:
		if actor.ClientID == nil || original.ClientID == nil || *actor.ClientID != *original.ClientID {
			return &UnauthorizedError{}
		}
		if err := s.checkCancellationPolicy(ctx, original, items[0].StartTime); err != nil {
			var pv *PolicyViolationError
			if errors.As(err, &pv) {
				return &NotModifiableError{Reason: "inside the cancellation window"}
			}
			return err
		}
	case ActorRoleStaff, ActorRoleSystem:
		// Operators bypass ownership and lockout checks.
	default:
		return &UnauthorizedError{}
	}
	return nil
}
