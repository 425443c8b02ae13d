package bookings

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"reserva/internal/domain"
	"reserva/internal/notify"
	"reserva/internal/store"
)

// ServiceCatalog resolves a service (and optional variant) to the opaque
// duration/price inputs the engine chains items from. Owned by the catalog
// subsystem; the engine never interprets these beyond arithmetic.
type ServiceCatalog interface {
	Resolve(ctx context.Context, serviceID uuid.UUID, variantID *uuid.UUID) (ServiceInfo, error)
}

type ServiceInfo struct {
	Name              string
	DurationMinutes   int
	ProcessingMinutes int
	BlockedMinutes    int
	PriceCents        int64
}

// Directory exposes the little business/location metadata the engine needs:
// the cancellation window and a best-effort sender identity for outbound
// notifications (location email, else business email).
type Directory interface {
	CancellationHours(ctx context.Context, businessID, locationID uuid.UUID) (int, error)
	SenderEmail(ctx context.Context, businessID, locationID uuid.UUID) (string, error)
}

type ActorRole string

const (
	ActorRoleCustomer ActorRole = "customer"
	ActorRoleStaff    ActorRole = "staff"
	ActorRoleSystem   ActorRole = "system"
)

type Actor struct {
	Role     ActorRole
	ClientID *uuid.UUID
}

// operator reports whether the actor bypasses customer-facing policy checks.
func (a Actor) operator() bool {
	return a.Role == ActorRoleStaff || a.Role == ActorRoleSystem
}

type Service struct {
	repo      store.BookingRepository
	catalog   ServiceCatalog
	directory Directory
	sink      notify.Sink
	log       *slog.Logger
	now       func() time.Time
}

func NewService(repo store.BookingRepository, catalog ServiceCatalog, directory Directory, sink notify.Sink, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:      repo,
		catalog:   catalog,
		directory: directory,
		sink:      sink,
		log:       log.With(slog.String("component", "service.bookings")),
		now:       time.Now,
	}
}

// ItemSpec is the one internal item representation both request shapes
// normalize to before entering the lifecycle.
type ItemSpec struct {
	ServiceID uuid.UUID
	VariantID *uuid.UUID
	StaffID   uuid.UUID
}

type CreateInput struct {
	BusinessID uuid.UUID
	LocationID uuid.UUID
	ClientID   *uuid.UUID
	UserID     *uuid.UUID
	ClientName string
	Notes      string
	Source     domain.BookingSource
	StartTime  time.Time

	// Explicit form: one spec per item.
	Items []ItemSpec
	// Legacy sequential form: services chained on one staff member.
	ServiceIDs []uuid.UUID
	StaffID    uuid.UUID

	IdempotencyKey string
}

// NormalizeItems folds the two accepted request shapes into ItemSpecs. The
// dual shape never leaks past this point.
func (in CreateInput) NormalizeItems() ([]ItemSpec, error) {
	if len(in.Items) > 0 && len(in.ServiceIDs) > 0 {
		return nil, validationError("provide either items or service_ids, not both")
	}
	if len(in.Items) > 0 {
		for _, it := range in.Items {
			if it.ServiceID == uuid.Nil || it.StaffID == uuid.Nil {
				return nil, validationError("each item requires service_id and staff_id")
			}
		}
		return in.Items, nil
	}
	if len(in.ServiceIDs) == 0 {
		return nil, validationError("at least one service is required")
	}
	if in.StaffID == uuid.Nil {
		return nil, validationError("staff_id is required")
	}
	specs := make([]ItemSpec, 0, len(in.ServiceIDs))
	for _, id := range in.ServiceIDs {
		if id == uuid.Nil {
			return nil, validationError("service_id is required")
		}
		specs = append(specs, ItemSpec{ServiceID: id, StaffID: in.StaffID})
	}
	return specs, nil
}

// BuildItems resolves each spec against the catalog and chains the items
// sequentially: an item's displayed end covers only its visible duration,
// while the next item starts where the previous item's blocked time
// (visible + processing + blocked minutes) ends.
func (s *Service) BuildItems(ctx context.Context, in CreateInput, specs []ItemSpec, start time.Time) ([]domain.BookingItem, error) {
	cursor := start.UTC()
	items := make([]domain.BookingItem, 0, len(specs))
	for _, spec := range specs {
		info, err := s.catalog.Resolve(ctx, spec.ServiceID, spec.VariantID)
		if err != nil {
			return nil, err
		}
		if info.DurationMinutes <= 0 {
			return nil, validationError("service duration must be positive")
		}
		visibleEnd := cursor.Add(time.Duration(info.DurationMinutes) * time.Minute)
		items = append(items, domain.BookingItem{
			LocationID:             in.LocationID,
			ServiceID:              spec.ServiceID,
			ServiceVariantID:       spec.VariantID,
			StaffID:                spec.StaffID,
			StartTime:              cursor,
			EndTime:                visibleEnd,
			PriceCents:             info.PriceCents,
			ExtraProcessingMinutes: info.ProcessingMinutes,
			ExtraBlockedMinutes:    info.BlockedMinutes,
			ServiceName:            info.Name,
			ClientName:             in.ClientName,
		})
		cursor = visibleEnd.Add(time.Duration(info.ProcessingMinutes+info.BlockedMinutes) * time.Minute)
	}
	return items, nil
}

// Get returns a booking with its items.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
	return s.repo.GetBooking(ctx, id)
}

// ListStaffDay returns the active items occupying a staff calendar on the
// given day, ordered by start time.
func (s *Service) ListStaffDay(ctx context.Context, staffID uuid.UUID, day time.Time) ([]domain.BookingItem, error) {
	if staffID == uuid.Nil {
		return nil, validationError("staff_id is required")
	}
	return s.repo.FindOverlapping(ctx, store.OverlapQuery{
		StaffID: staffID,
		Span:    domain.TimeSpan{Start: day, End: day.AddDate(0, 0, 1)},
	})
}

// Create reserves a slot set atomically. With an idempotency key, a retried
// request returns the already-committed booking without re-validation or new
// writes. Under concurrent callers targeting overlapping intervals the
// per-staff lock serializes attempts: exactly one commits, the rest observe
// its rows and fail with a conflict carrying those rows.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Booking, []domain.BookingItem, error) {
	if in.BusinessID == uuid.Nil || in.LocationID == uuid.Nil {
		return domain.Booking{}, nil, validationError("business_id and location_id are required")
	}
	if in.StartTime.IsZero() {
		return domain.Booking{}, nil, validationError("start_time is required")
	}
	specs, err := in.NormalizeItems()
	if err != nil {
		return domain.Booking{}, nil, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if len(key) > 256 {
		return domain.Booking{}, nil, validationError("idempotency_key too long")
	}
	if key != "" {
		existing, items, err := s.repo.FindByIdempotencyKey(ctx, in.BusinessID, key)
		if err != nil {
			return domain.Booking{}, nil, err
		}
		if existing != nil {
			return *existing, items, nil
		}
	}

	items, err := s.BuildItems(ctx, in, specs, in.StartTime)
	if err != nil {
		return domain.Booking{}, nil, err
	}

	source := in.Source
	if source == "" {
		source = domain.BookingSourceOnline
	}
	booking := domain.Booking{
		BusinessID: in.BusinessID,
		LocationID: in.LocationID,
		ClientID:   in.ClientID,
		UserID:     in.UserID,
		Notes:      in.Notes,
		Status:     domain.BookingStatusConfirmed,
		Source:     source,
	}
	if key != "" {
		booking.IdempotencyKey = &key
	}

	var created domain.Booking
	var createdItems []domain.BookingItem
	err = s.repo.InStaffTx(ctx, staffIDsOf(items), func(ctx context.Context, tx store.OccupancyTx) error {
		b, its, err := s.CreateInTx(ctx, tx, TxCreateParams{
			Booking:   booking,
			Items:     items,
			AuditKind: domain.AuditBookingCreated,
		})
		if err != nil {
			return err
		}
		created, createdItems = b, its
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrIdempotencyConflict) && key != "" {
			// Lost an idempotency race: another writer committed the same key
			// between our pre-check and insert. Replay its booking.
			existing, existingItems, lookupErr := s.repo.FindByIdempotencyKey(ctx, in.BusinessID, key)
			if lookupErr == nil && existing != nil {
				return *existing, existingItems, nil
			}
		}
		return domain.Booking{}, nil, err
	}

	s.notifyAsync(notify.KindBookingConfirmed, bookingPayload(created, createdItems, ""))
	return created, createdItems, nil
}

// TxCreateParams carries a prepared booking container into an already-open
// occupancy transaction. The recurring series manager drives this once per
// accepted occurrence inside one outer transaction.
type TxCreateParams struct {
	Booking           domain.Booking
	Items             []domain.BookingItem
	SkipConflictCheck bool
	ExcludeBookingID  *uuid.UUID
	AuditKind         string
	CorrelationID     uuid.UUID
	ActorRole         string
}

func (s *Service) CreateInTx(ctx context.Context, tx store.OccupancyTx, p TxCreateParams) (domain.Booking, []domain.BookingItem, error) {
	if len(p.Items) == 0 {
		return domain.Booking{}, nil, validationError("at least one item is required")
	}
	if !p.SkipConflictCheck {
		if err := s.guardConflicts(ctx, tx, p.Items, p.ExcludeBookingID); err != nil {
			return domain.Booking{}, nil, err
		}
	}

	b := p.Booking
	if err := tx.InsertBooking(ctx, &b); err != nil {
		return domain.Booking{}, nil, err
	}

	items := make([]domain.BookingItem, len(p.Items))
	copy(items, p.Items)
	for i := range items {
		items[i].BookingID = b.ID
	}
	if err := tx.InsertItems(ctx, items); err != nil {
		return domain.Booking{}, nil, err
	}

	kind := p.AuditKind
	if kind == "" {
		kind = domain.AuditBookingCreated
	}
	correlation := p.CorrelationID
	if correlation == uuid.Nil {
		correlation = uuid.New()
	}
	ev := domain.AuditEvent{
		BookingID:     b.ID,
		Kind:          kind,
		CorrelationID: correlation,
		ActorRole:     p.ActorRole,
		Payload: map[string]any{
			"item_count": len(items),
			"start_time": items[0].StartTime,
		},
	}
	if err := tx.InsertAuditEvent(ctx, &ev); err != nil {
		return domain.Booking{}, nil, err
	}

	return b, items, nil
}

// FindConflictsInTx is the write-time conflict probe: a locking read of
// every active item whose blocked interval intersects a candidate item's
// blocked interval. The recurring series manager calls it directly to apply
// its per-occurrence conflict policy.
func (s *Service) FindConflictsInTx(ctx context.Context, tx store.OccupancyTx, items []domain.BookingItem, exclude *uuid.UUID) ([]domain.BookingItem, error) {
	var conflicts []domain.BookingItem
	for _, item := range items {
		rows, err := tx.FindOverlappingForUpdate(ctx, store.OverlapQuery{
			StaffID:          item.StaffID,
			Span:             item.BlockedSpan(),
			ExcludeBookingID: exclude,
		})
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, rows...)
	}
	return conflicts, nil
}

// guardConflicts turns any probe hit into a transaction-aborting error.
func (s *Service) guardConflicts(ctx context.Context, tx store.OccupancyTx, items []domain.BookingItem, exclude *uuid.UUID) error {
	conflicts, err := s.FindConflictsInTx(ctx, tx, items, exclude)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &store.ConflictError{Items: conflicts}
	}
	return nil
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

func staffIDsOf(items []domain.BookingItem) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		out = append(out, it.StaffID)
	}
	return out
}

// lockSetRetries bounds how often an operation re-derives its advisory lock
// set after store.ErrLockSetChanged.
const lockSetRetries = 3

// CoveredByLocks reports whether every item's staff calendar is in the locked
// set. The lock set is derived from a read taken before the transaction
// opened; a concurrent reassignment can move an item to a staff member whose
// calendar the transaction never locked, and probing or writing that calendar
// without its lock would let two writers commit overlapping items.
func CoveredByLocks(items []domain.BookingItem, locked []uuid.UUID) bool {
	set := make(map[uuid.UUID]struct{}, len(locked))
	for _, id := range locked {
		set[id] = struct{}{}
	}
	for _, it := range items {
		if _, ok := set[it.StaffID]; !ok {
			return false
		}
	}
	return true
}

func bookingPayload(b domain.Booking, items []domain.BookingItem, senderEmail string) map[string]any {
	p := map[string]any{
		"booking_id":  b.ID,
		"business_id": b.BusinessID,
		"location_id": b.LocationID,
		"status":      b.Status,
	}
	if b.ClientID != nil {
		p["client_id"] = *b.ClientID
	}
	if len(items) > 0 {
		p["start_time"] = items[0].StartTime
		p["end_time"] = items[len(items)-1].EndTime
	}
	if senderEmail != "" {
		p["sender_email"] = senderEmail
	}
	return p
}
