package recurring

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reserva/internal/domain"
	"reserva/internal/notify"
	"reserva/internal/service/bookings"
	"reserva/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

type Service struct {
	repo     store.BookingRepository
	bookings *bookings.Service
	sink     notify.Sink
	log      *slog.Logger
	now      func() time.Time
}

func NewService(repo store.BookingRepository, bookingSvc *bookings.Service, sink notify.Sink, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		bookings: bookingSvc,
		sink:     sink,
		log:      log.With(slog.String("component", "service.recurring")),
		now:      time.Now,
	}
}

type RuleInput struct {
	Frequency        domain.RecurrenceFrequency
	Interval         int
	MaxOccurrences   *int
	EndDate          *time.Time
	ConflictStrategy domain.ConflictStrategy
	DaysOfWeek       []int16
	DayOfMonth       *int
}

// SeriesSpec is one recurring request: the booking template applied to every
// occurrence plus the repetition rule. Booking.StartTime is the series
// anchor and carries the local timezone the occurrences keep.
type SeriesSpec struct {
	Booking bookings.CreateInput
	Rule    RuleInput
}

func (in RuleInput) toRule(businessID uuid.UUID) (domain.RecurrenceRule, error) {
	frequency := in.Frequency
	if frequency == "" {
		frequency = domain.RecurrenceFrequencyWeekly
	}
	switch frequency {
	case domain.RecurrenceFrequencyDaily, domain.RecurrenceFrequencyWeekly,
		domain.RecurrenceFrequencyMonthly, domain.RecurrenceFrequencyCustom:
	default:
		return domain.RecurrenceRule{}, validationError("unsupported frequency")
	}

	interval := in.Interval
	if interval == 0 {
		interval = 1
	}
	if interval < 1 {
		return domain.RecurrenceRule{}, validationError("interval must be at least 1")
	}

	if in.MaxOccurrences != nil && in.EndDate != nil {
		return domain.RecurrenceRule{}, validationError("set max_occurrences or end_date, not both")
	}
	if in.MaxOccurrences != nil && *in.MaxOccurrences < 1 {
		return domain.RecurrenceRule{}, validationError("max_occurrences must be at least 1")
	}

	strategy := in.ConflictStrategy
	if strategy == "" {
		strategy = domain.ConflictStrategySkip
	}
	if strategy != domain.ConflictStrategySkip && strategy != domain.ConflictStrategyForce {
		return domain.RecurrenceRule{}, validationError("unsupported conflict_strategy")
	}

	return domain.RecurrenceRule{
		BusinessID:       businessID,
		Frequency:        frequency,
		IntervalValue:    interval,
		MaxOccurrences:   in.MaxOccurrences,
		EndDate:          in.EndDate,
		ConflictStrategy: strategy,
		DaysOfWeek:       in.DaysOfWeek,
		DayOfMonth:       in.DayOfMonth,
	}, nil
}

// expand prepares everything preview and create share: the rule, the
// expanded date list, and the item template built once from the anchor and
// shifted per occurrence. Sharing this path is what guarantees preview and
// creation can never disagree about the series.
func (s *Service) expand(ctx context.Context, spec SeriesSpec) (domain.RecurrenceRule, []time.Time, []domain.BookingItem, error) {
	if spec.Booking.BusinessID == uuid.Nil || spec.Booking.LocationID == uuid.Nil {
		return domain.RecurrenceRule{}, nil, nil, validationError("business_id and location_id are required")
	}
	if spec.Booking.StartTime.IsZero() {
		return domain.RecurrenceRule{}, nil, nil, validationError("start_time is required")
	}

	rule, err := spec.Rule.toRule(spec.Booking.BusinessID)
	if err != nil {
		return domain.RecurrenceRule{}, nil, nil, err
	}

	dates, err := domain.CalculateDates(spec.Booking.StartTime, rule)
	if err != nil {
		return domain.RecurrenceRule{}, nil, nil, err
	}
	if len(dates) == 0 {
		return domain.RecurrenceRule{}, nil, nil, validationError("rule produces no occurrences")
	}

	specs, err := spec.Booking.NormalizeItems()
	if err != nil {
		return domain.RecurrenceRule{}, nil, nil, err
	}
	template, err := s.bookings.BuildItems(ctx, spec.Booking, specs, spec.Booking.StartTime)
	if err != nil {
		return domain.RecurrenceRule{}, nil, nil, err
	}

	return rule, dates, template, nil
}

func shiftItems(template []domain.BookingItem, anchor, date time.Time) []domain.BookingItem {
	delta := date.Sub(anchor)
	out := make([]domain.BookingItem, len(template))
	for i, it := range template {
		it.StartTime = it.StartTime.Add(delta)
		it.EndTime = it.EndTime.Add(delta)
		out[i] = it
	}
	return out
}

type PreviewEntry struct {
	Index       int
	StartTime   time.Time
	EndTime     time.Time
	HasConflict bool
}

type Preview struct {
	TotalDates int
	Entries    []PreviewEntry
}

// Preview expands the series and flags each occurrence's conflicts with a
// lock-free read. Nothing is written.
func (s *Service) Preview(ctx context.Context, spec SeriesSpec) (*Preview, error) {
	_, dates, template, err := s.expand(ctx, spec)
	if err != nil {
		return nil, err
	}

	anchor := spec.Booking.StartTime
	entries := make([]PreviewEntry, 0, len(dates))
	for i, date := range dates {
		items := shiftItems(template, anchor, date)
		conflict := false
		for _, item := range items {
			rows, err := s.repo.FindOverlapping(ctx, store.OverlapQuery{
				StaffID: item.StaffID,
				Span:    item.BlockedSpan(),
			})
			if err != nil {
				return nil, err
			}
			if len(rows) > 0 {
				conflict = true
				break
			}
		}
		entries = append(entries, PreviewEntry{
			Index:       i,
			StartTime:   items[0].StartTime,
			EndTime:     items[len(items)-1].EndTime,
			HasConflict: conflict,
		})
	}

	return &Preview{TotalDates: len(dates), Entries: entries}, nil
}

type SkippedDate struct {
	Index  int
	Date   time.Time
	Reason string
}

type CreateResult struct {
	RuleID         uuid.UUID
	TotalRequested int
	CreatedCount   int
	SkippedCount   int
	ExcludedCount  int
	Bookings       []domain.Booking
	SkippedDates   []SkippedDate
}

// Create materializes the series: the rule row first, then one booking per
// accepted occurrence, all inside one outer transaction. Conflicting
// occurrences are skipped or force-created (flagged) per the rule's
// strategy; a skip is a normal outcome, only hard failures roll the series
// back. The first created occurrence is marked as the recurrence parent for
// display grouping.
func (s *Service) Create(ctx context.Context, spec SeriesSpec, excludedIndices []int) (*CreateResult, error) {
	rule, dates, template, err := s.expand(ctx, spec)
	if err != nil {
		return nil, err
	}

	excluded := make(map[int]struct{}, len(excludedIndices))
	for _, idx := range excludedIndices {
		excluded[idx] = struct{}{}
	}

	anchor := spec.Booking.StartTime
	result := &CreateResult{TotalRequested: len(dates)}

	err = s.repo.InStaffTx(ctx, staffIDsOf(template), func(ctx context.Context, tx store.OccupancyTx) error {
		if err := tx.InsertRecurrenceRule(ctx, &rule); err != nil {
			return err
		}
		result.RuleID = rule.ID

		parentAssigned := false
		for i, date := range dates {
			if _, ok := excluded[i]; ok {
				result.ExcludedCount++
				continue
			}

			items := shiftItems(template, anchor, date)
			conflicts, err := s.bookings.FindConflictsInTx(ctx, tx, items, nil)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 && rule.ConflictStrategy == domain.ConflictStrategySkip {
				result.SkippedCount++
				result.SkippedDates = append(result.SkippedDates, SkippedDate{
					Index:  i,
					Date:   date,
					Reason: "conflict",
				})
				continue
			}

			index := i
			booking := domain.Booking{
				BusinessID:         spec.Booking.BusinessID,
				LocationID:         spec.Booking.LocationID,
				ClientID:           spec.Booking.ClientID,
				UserID:             spec.Booking.UserID,
				Notes:              spec.Booking.Notes,
				Status:             domain.BookingStatusConfirmed,
				Source:             sourceOrDefault(spec.Booking.Source),
				RecurrenceRuleID:   &rule.ID,
				RecurrenceIndex:    &index,
				IsRecurrenceParent: !parentAssigned,
				HasConflict:        len(conflicts) > 0,
			}

			created, _, err := s.bookings.CreateInTx(ctx, tx, bookings.TxCreateParams{
				Booking:           booking,
				Items:             items,
				SkipConflictCheck: true, // the probe above already ran under the lock
				AuditKind:         domain.AuditBookingCreated,
			})
			if err != nil {
				return err
			}
			parentAssigned = true
			result.CreatedCount++
			result.Bookings = append(result.Bookings, created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyAsync(notify.KindSeriesCreated, map[string]any{
		"recurrence_rule_id": result.RuleID,
		"created_count":      result.CreatedCount,
		"skipped_count":      result.SkippedCount,
	})
	return result, nil
}

func (s *Service) notifyAsync(kind string, payload any) {
	if s.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.sink.Enqueue(ctx, kind, payload); err != nil {
			s.log.Warn("notification enqueue failed", slog.String("kind", kind), slog.Any("err", err))
		}
	}()
}

func sourceOrDefault(src domain.BookingSource) domain.BookingSource {
	if src == "" {
		return domain.BookingSourceOnline
	}
	return src
}

func staffIDsOf(items []domain.BookingItem) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		out = append(out, it.StaffID)
	}
	return out
}
