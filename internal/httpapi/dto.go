package httpapi

import (
	"time"

	"github.com/google/uuid"

	"reserva/internal/domain"
	"reserva/internal/service/bookings"
	"reserva/internal/service/recurring"
)

type itemSpecRequest struct {
	ServiceID uuid.UUID  `json:"service_id" binding:"required"`
	VariantID *uuid.UUID `json:"variant_id"`
	StaffID   uuid.UUID  `json:"staff_id" binding:"required"`
}

type createBookingRequest struct {
	BusinessID uuid.UUID  `json:"business_id" binding:"required"`
	LocationID uuid.UUID  `json:"location_id" binding:"required"`
	ClientID   *uuid.UUID `json:"client_id"`
	UserID     *uuid.UUID `json:"user_id"`
	ClientName string     `json:"client_name"`
	Notes      string     `json:"notes"`
	Source     string     `json:"source"`
	StartTime  time.Time  `json:"start_time" binding:"required"`

	Items      []itemSpecRequest `json:"items"`
	ServiceIDs []uuid.UUID       `json:"service_ids"`
	StaffID    uuid.UUID         `json:"staff_id"`

	IdempotencyKey string `json:"idempotency_key"`
}

func (r createBookingRequest) toInput() bookings.CreateInput {
	in := bookings.CreateInput{
		BusinessID:     r.BusinessID,
		LocationID:     r.LocationID,
		ClientID:       r.ClientID,
		UserID:         r.UserID,
		ClientName:     r.ClientName,
		Notes:          r.Notes,
		Source:         domain.BookingSource(r.Source),
		StartTime:      r.StartTime,
		ServiceIDs:     r.ServiceIDs,
		StaffID:        r.StaffID,
		IdempotencyKey: r.IdempotencyKey,
	}
	for _, it := range r.Items {
		in.Items = append(in.Items, bookings.ItemSpec{
			ServiceID: it.ServiceID,
			VariantID: it.VariantID,
			StaffID:   it.StaffID,
		})
	}
	return in
}

type rescheduleRequest struct {
	StartTime time.Time `json:"start_time" binding:"required"`
}

type replaceRequest struct {
	Spec              createBookingRequest `json:"spec" binding:"required"`
	SkipConflictCheck bool                 `json:"skip_conflict_check"`
}

type recurrenceRuleRequest struct {
	Frequency        string     `json:"frequency"`
	Interval         int        `json:"interval"`
	MaxOccurrences   *int       `json:"max_occurrences"`
	EndDate          *time.Time `json:"end_date"`
	ConflictStrategy string     `json:"conflict_strategy"`
	DaysOfWeek       []int16    `json:"days_of_week"`
	DayOfMonth       *int       `json:"day_of_month"`
}

type seriesRequest struct {
	Booking         createBookingRequest  `json:"booking" binding:"required"`
	Rule            recurrenceRuleRequest `json:"rule" binding:"required"`
	ExcludedIndices []int                 `json:"excluded_indices"`
}

func (r seriesRequest) toSpec() recurring.SeriesSpec {
	return recurring.SeriesSpec{
		Booking: r.Booking.toInput(),
		Rule: recurring.RuleInput{
			Frequency:        domain.RecurrenceFrequency(r.Rule.Frequency),
			Interval:         r.Rule.Interval,
			MaxOccurrences:   r.Rule.MaxOccurrences,
			EndDate:          r.Rule.EndDate,
			ConflictStrategy: domain.ConflictStrategy(r.Rule.ConflictStrategy),
			DaysOfWeek:       r.Rule.DaysOfWeek,
			DayOfMonth:       r.Rule.DayOfMonth,
		},
	}
}

type modifySeriesRequest struct {
	Scope        string     `json:"scope"`
	FromIndex    *int       `json:"from_index"`
	NewStaffID   *uuid.UUID `json:"new_staff_id"`
	NewStartTime *time.Time `json:"new_start_time"`
	Notes        *string    `json:"notes"`
}

type workTemplateRequest struct {
	BusinessID     uuid.UUID  `json:"business_id" binding:"required"`
	StaffID        uuid.UUID  `json:"staff_id" binding:"required"`
	Weekday        int16      `json:"weekday" binding:"required"`
	StartMinute    int        `json:"start_minute"`
	EndMinute      int        `json:"end_minute" binding:"required"`
	EveryNWeeks    int        `json:"every_n_weeks"`
	EffectiveFrom  time.Time  `json:"effective_from" binding:"required"`
	EffectiveUntil *time.Time `json:"effective_until"`
}

type workExceptionRequest struct {
	StaffID     uuid.UUID `json:"staff_id" binding:"required"`
	Date        time.Time `json:"date" binding:"required"`
	Off         bool      `json:"off"`
	StartMinute int       `json:"start_minute"`
	EndMinute   int       `json:"end_minute"`
}

type bookingItemResponse struct {
	ID                     uuid.UUID  `json:"id"`
	LocationID             uuid.UUID  `json:"location_id"`
	ServiceID              uuid.UUID  `json:"service_id"`
	ServiceVariantID       *uuid.UUID `json:"service_variant_id,omitempty"`
	StaffID                uuid.UUID  `json:"staff_id"`
	StartTime              time.Time  `json:"start_time"`
	EndTime                time.Time  `json:"end_time"`
	PriceCents             int64      `json:"price_cents"`
	ExtraProcessingMinutes int        `json:"extra_processing_minutes"`
	ExtraBlockedMinutes    int        `json:"extra_blocked_minutes"`
	ServiceName            string     `json:"service_name,omitempty"`
}

type bookingResponse struct {
	ID                  uuid.UUID             `json:"id"`
	BusinessID          uuid.UUID             `json:"business_id"`
	LocationID          uuid.UUID             `json:"location_id"`
	ClientID            *uuid.UUID            `json:"client_id,omitempty"`
	Status              string                `json:"status"`
	Source              string                `json:"source"`
	Notes               string                `json:"notes,omitempty"`
	RecurrenceRuleID    *uuid.UUID            `json:"recurrence_rule_id,omitempty"`
	RecurrenceIndex     *int                  `json:"recurrence_index,omitempty"`
	IsRecurrenceParent  bool                  `json:"is_recurrence_parent,omitempty"`
	ReplacesBookingID   *uuid.UUID            `json:"replaces_booking_id,omitempty"`
	ReplacedByBookingID *uuid.UUID            `json:"replaced_by_booking_id,omitempty"`
	HasConflict         bool                  `json:"has_conflict,omitempty"`
	Items               []bookingItemResponse `json:"items,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
}

func toBookingResponse(b domain.Booking, items []domain.BookingItem) bookingResponse {
	resp := bookingResponse{
		ID:                  b.ID,
		BusinessID:          b.BusinessID,
		LocationID:          b.LocationID,
		ClientID:            b.ClientID,
		Status:              string(b.Status),
		Source:              string(b.Source),
		Notes:               b.Notes,
		RecurrenceRuleID:    b.RecurrenceRuleID,
		RecurrenceIndex:     b.RecurrenceIndex,
		IsRecurrenceParent:  b.IsRecurrenceParent,
		ReplacesBookingID:   b.ReplacesBookingID,
		ReplacedByBookingID: b.ReplacedByBookingID,
		HasConflict:         b.HasConflict,
		CreatedAt:           b.CreatedAt,
	}
	for _, it := range items {
		resp.Items = append(resp.Items, toItemResponse(it))
	}
	return resp
}

func toItemResponse(it domain.BookingItem) bookingItemResponse {
	return bookingItemResponse{
		ID:                     it.ID,
		LocationID:             it.LocationID,
		ServiceID:              it.ServiceID,
		ServiceVariantID:       it.ServiceVariantID,
		StaffID:                it.StaffID,
		StartTime:              it.StartTime,
		EndTime:                it.EndTime,
		PriceCents:             it.PriceCents,
		ExtraProcessingMinutes: it.ExtraProcessingMinutes,
		ExtraBlockedMinutes:    it.ExtraBlockedMinutes,
		ServiceName:            it.ServiceName,
	}
}

type slotResponse struct {
	StaffID   uuid.UUID `json:"staff_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type availabilityResponse struct {
	Slots []slotResponse `json:"slots"`
}

type replaceResponse struct {
	OriginalID uuid.UUID `json:"original_id"`
	NewID      uuid.UUID `json:"new_id"`
}

type previewEntryResponse struct {
	Index       int       `json:"index"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	HasConflict bool      `json:"has_conflict"`
}

type previewResponse struct {
	TotalDates int                    `json:"total_dates"`
	Entries    []previewEntryResponse `json:"entries"`
}

type skippedDateResponse struct {
	Index  int       `json:"index"`
	Date   time.Time `json:"date"`
	Reason string    `json:"reason"`
}

type seriesCreateResponse struct {
	RuleID         uuid.UUID             `json:"rule_id"`
	TotalRequested int                   `json:"total_requested"`
	CreatedCount   int                   `json:"created_count"`
	SkippedCount   int                   `json:"skipped_count"`
	ExcludedCount  int                   `json:"excluded_count"`
	Bookings       []bookingResponse     `json:"bookings"`
	SkippedDates   []skippedDateResponse `json:"skipped_dates,omitempty"`
}

type seriesModifyResponse struct {
	ModifiedCount  int      `json:"modified_count"`
	SkippedCount   int      `json:"skipped_count"`
	ChangesApplied []string `json:"changes_applied"`
}

type staffDayResponse struct {
	StaffID uuid.UUID             `json:"staff_id"`
	Date    time.Time             `json:"date"`
	Items   []bookingItemResponse `json:"items"`
}

type windowResponse struct {
	StaffID uuid.UUID  `json:"staff_id"`
	Date    time.Time  `json:"date"`
	Start   *time.Time `json:"start,omitempty"`
	End     *time.Time `json:"end,omitempty"`
	Off     bool       `json:"off"`
}
