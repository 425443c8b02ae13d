package bookings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"reserva/internal/domain"
	"reserva/internal/store"
)

type fakeRepo struct {
	getBookingFn           func(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error)
	findByIdempotencyKeyFn func(ctx context.Context, businessID uuid.UUID, key string) (*domain.Booking, []domain.BookingItem, error)
	findOverlappingFn      func(ctx context.Context, q store.OverlapQuery) ([]domain.BookingItem, error)
	getRecurrenceRuleFn    func(ctx context.Context, id uuid.UUID) (domain.RecurrenceRule, error)
	listByRecurrenceRuleFn func(ctx context.Context, ruleID uuid.UUID) ([]domain.Booking, error)
	listStartingBetweenFn  func(ctx context.Context, from, to time.Time) ([]domain.Booking, error)
	inStaffTxFn            func(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error
}

func (f *fakeRepo) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
	if f.getBookingFn == nil {
		panic("GetBooking not configured")
	}
	return f.getBookingFn(ctx, id)
}

func (f *fakeRepo) FindByIdempotencyKey(ctx context.Context, businessID uuid.UUID, key string) (*domain.Booking, []domain.BookingItem, error) {
	if f.findByIdempotencyKeyFn == nil {
		panic("FindByIdempotencyKey not configured")
	}
	return f.findByIdempotencyKeyFn(ctx, businessID, key)
}

func (f *fakeRepo) FindOverlapping(ctx context.Context, q store.OverlapQuery) ([]domain.BookingItem, error) {
	if f.findOverlappingFn == nil {
		panic("FindOverlapping not configured")
	}
	return f.findOverlappingFn(ctx, q)
}

func (f *fakeRepo) GetRecurrenceRule(ctx context.Context, id uuid.UUID) (domain.RecurrenceRule, error) {
	if f.getRecurrenceRuleFn == nil {
		panic("GetRecurrenceRule not configured")
	}
	return f.getRecurrenceRuleFn(ctx, id)
}

func (f *fakeRepo) ListByRecurrenceRule(ctx context.Context, ruleID uuid.UUID) ([]domain.Booking, error) {
	if f.listByRecurrenceRuleFn == nil {
		panic("ListByRecurrenceRule not configured")
	}
	return f.listByRecurrenceRuleFn(ctx, ruleID)
}

func (f *fakeRepo) ListStartingBetween(ctx context.Context, from, to time.Time) ([]domain.Booking, error) {
	if f.listStartingBetweenFn == nil {
		panic("ListStartingBetween not configured")
	}
	return f.listStartingBetweenFn(ctx, from, to)
}

func (f *fakeRepo) InStaffTx(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error {
	if f.inStaffTxFn == nil {
		panic("InStaffTx not configured")
	}
	return f.inStaffTxFn(ctx, staffIDs, fn)
}

// fakeTx records writes so tests can assert on what a transaction would have
// committed. Unset probe functions answer "no overlap".
type fakeTx struct {
	findOverlappingForUpdateFn func(ctx context.Context, q store.OverlapQuery) ([]domain.BookingItem, error)
	getBookingForUpdateFn      func(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	listItemsFn                func(ctx context.Context, bookingID uuid.UUID) ([]domain.BookingItem, error)

	insertedBookings []domain.Booking
	insertedItems    [][]domain.BookingItem
	updatedItems     [][]domain.BookingItem
	statusUpdates    map[uuid.UUID]domain.BookingStatus
	notesUpdates     map[uuid.UUID]string
	replaced         map[uuid.UUID]uuid.UUID
	insertedRules    []domain.RecurrenceRule
	auditEvents      []domain.AuditEvent
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		statusUpdates: make(map[uuid.UUID]domain.BookingStatus),
		notesUpdates:  make(map[uuid.UUID]string),
		replaced:      make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeTx) FindOverlappingForUpdate(ctx context.Context, q store.OverlapQuery) ([]domain.BookingItem, error) {
	if f.findOverlappingForUpdateFn == nil {
		return nil, nil
	}
	return f.findOverlappingForUpdateFn(ctx, q)
}

func (f *fakeTx) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	if f.getBookingForUpdateFn == nil {
		panic("GetBookingForUpdate not configured")
	}
	return f.getBookingForUpdateFn(ctx, id)
}

func (f *fakeTx) ListItems(ctx context.Context, bookingID uuid.UUID) ([]domain.BookingItem, error) {
	if f.listItemsFn == nil {
		panic("ListItems not configured")
	}
	return f.listItemsFn(ctx, bookingID)
}

func (f *fakeTx) InsertBooking(ctx context.Context, b *domain.Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	f.insertedBookings = append(f.insertedBookings, *b)
	return nil
}

func (f *fakeTx) InsertItems(ctx context.Context, items []domain.BookingItem) error {
	f.insertedItems = append(f.insertedItems, items)
	return nil
}

func (f *fakeTx) UpdateItems(ctx context.Context, items []domain.BookingItem) error {
	f.updatedItems = append(f.updatedItems, items)
	return nil
}

func (f *fakeTx) UpdateBookingStatus(ctx context.Context, id uuid.UUID, status domain.BookingStatus) error {
	f.statusUpdates[id] = status
	return nil
}

func (f *fakeTx) UpdateBookingNotes(ctx context.Context, id uuid.UUID, notes string) error {
	f.notesUpdates[id] = notes
	return nil
}

func (f *fakeTx) MarkReplaced(ctx context.Context, originalID, newID uuid.UUID) error {
	if _, ok := f.replaced[originalID]; ok {
		return store.ErrAlreadyReplaced
	}
	f.replaced[originalID] = newID
	return nil
}

func (f *fakeTx) InsertRecurrenceRule(ctx context.Context, rule *domain.RecurrenceRule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	f.insertedRules = append(f.insertedRules, *rule)
	return nil
}

func (f *fakeTx) InsertAuditEvent(ctx context.Context, ev *domain.AuditEvent) error {
	f.auditEvents = append(f.auditEvents, *ev)
	return nil
}

type fakeCatalog struct {
	resolveFn func(ctx context.Context, serviceID uuid.UUID, variantID *uuid.UUID) (ServiceInfo, error)
}

func (f *fakeCatalog) Resolve(ctx context.Context, serviceID uuid.UUID, variantID *uuid.UUID) (ServiceInfo, error) {
	if f.resolveFn == nil {
		panic("Resolve not configured")
	}
	return f.resolveFn(ctx, serviceID, variantID)
}

type fakeDirectory struct {
	cancellationHours int
	senderEmail       string
}

func (f *fakeDirectory) CancellationHours(ctx context.Context, businessID, locationID uuid.UUID) (int, error) {
	return f.cancellationHours, nil
}

func (f *fakeDirectory) SenderEmail(ctx context.Context, businessID, locationID uuid.UUID) (string, error) {
	return f.senderEmail, nil
}

func fixedCatalog(infos map[uuid.UUID]ServiceInfo) *fakeCatalog {
	return &fakeCatalog{
		resolveFn: func(ctx context.Context, serviceID uuid.UUID, variantID *uuid.UUID) (ServiceInfo, error) {
			info, ok := infos[serviceID]
			if !ok {
				return ServiceInfo{}, store.ErrNotFound
			}
			return info, nil
		},
	}
}

func passthroughTx(tx *fakeTx) func(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error {
	return func(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error {
		return fn(ctx, tx)
	}
}

func validCreateInput(serviceID, staffID uuid.UUID) CreateInput {
	return CreateInput{
		BusinessID: uuid.New(),
		LocationID: uuid.New(),
		StartTime:  time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		ServiceIDs: []uuid.UUID{serviceID},
		StaffID:    staffID,
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(&fakeRepo{}, &fakeCatalog{}, &fakeDirectory{}, nil, nil)

	cases := []struct {
		name string
		in   CreateInput
	}{
		{"missing business", CreateInput{LocationID: uuid.New(), StartTime: time.Now(), ServiceIDs: []uuid.UUID{uuid.New()}, StaffID: uuid.New()}},
		{"missing start", CreateInput{BusinessID: uuid.New(), LocationID: uuid.New(), ServiceIDs: []uuid.UUID{uuid.New()}, StaffID: uuid.New()}},
		{"no services", CreateInput{BusinessID: uuid.New(), LocationID: uuid.New(), StartTime: time.Now(), StaffID: uuid.New()}},
		{"no staff", CreateInput{BusinessID: uuid.New(), LocationID: uuid.New(), StartTime: time.Now(), ServiceIDs: []uuid.UUID{uuid.New()}}},
		{"both item shapes", CreateInput{
			BusinessID: uuid.New(), LocationID: uuid.New(), StartTime: time.Now(),
			ServiceIDs: []uuid.UUID{uuid.New()}, StaffID: uuid.New(),
			Items: []ItemSpec{{ServiceID: uuid.New(), StaffID: uuid.New()}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Create(context.Background(), tc.in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error = %v (%T), want *ValidationError", err, err)
			}
		})
	}
}

func TestBuildItems_ChainsWithBlockedTime(t *testing.T) {
	cut := uuid.New()
	color := uuid.New()
	staff := uuid.New()
	infos := map[uuid.UUID]ServiceInfo{
		cut:   {Name: "Cut", DurationMinutes: 30, ProcessingMinutes: 10, BlockedMinutes: 5, PriceCents: 3000},
		color: {Name: "Color", DurationMinutes: 60, PriceCents: 8000},
	}
	svc := NewService(&fakeRepo{}, fixedCatalog(infos), &fakeDirectory{}, nil, nil)

	in := CreateInput{
		BusinessID: uuid.New(),
		LocationID: uuid.New(),
		ServiceIDs: []uuid.UUID{cut, color},
		StaffID:    staff,
	}
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	specs, err := in.NormalizeItems()
	if err != nil {
		t.Fatalf("NormalizeItems error: %v", err)
	}
	items, err := svc.BuildItems(context.Background(), in, specs, start)
	if err != nil {
		t.Fatalf("BuildItems error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}

	// The first item displays 10:00-10:30 but occupies through 10:45.
	if !items[0].EndTime.Equal(start.Add(30 * time.Minute)) {
		t.Fatalf("first visible end = %v", items[0].EndTime)
	}
	if !items[0].BlockedSpan().End.Equal(start.Add(45 * time.Minute)) {
		t.Fatalf("first blocked end = %v", items[0].BlockedSpan().End)
	}
	// The second item starts only after the first one's blocked time.
	if !items[1].StartTime.Equal(start.Add(45 * time.Minute)) {
		t.Fatalf("second start = %v, want 10:45", items[1].StartTime)
	}
	if !items[1].EndTime.Equal(start.Add(105 * time.Minute)) {
		t.Fatalf("second end = %v, want 11:45", items[1].EndTime)
	}
	if items[0].PriceCents != 3000 || items[1].PriceCents != 8000 {
		t.Fatalf("prices not carried from the catalog")
	}
}

func TestCreate_IdempotentReplay(t *testing.T) {
	existing := domain.Booking{ID: uuid.New(), Status: domain.BookingStatusConfirmed}
	existingItems := []domain.BookingItem{{ID: uuid.New()}}

	repo := &fakeRepo{
		findByIdempotencyKeyFn: func(ctx context.Context, businessID uuid.UUID, key string) (*domain.Booking, []domain.BookingItem, error) {
			if key != "req-1" {
				t.Fatalf("key = %q", key)
			}
			return &existing, existingItems, nil
		},
		inStaffTxFn: func(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error {
			t.Fatalf("no transaction must run on an idempotent replay")
			return nil
		},
	}
	svc := NewService(repo, &fakeCatalog{}, &fakeDirectory{}, nil, nil)

	in := validCreateInput(uuid.New(), uuid.New())
	in.IdempotencyKey = "req-1"
	got, items, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got.ID != existing.ID || len(items) != 1 {
		t.Fatalf("replay must return the committed booking")
	}
}

func TestCreate_IdempotencyRaceReplaysWinner(t *testing.T) {
	serviceID := uuid.New()
	staffID := uuid.New()
	winner := domain.Booking{ID: uuid.New(), Status: domain.BookingStatusConfirmed}

	lookups := 0
	repo := &fakeRepo{
		findByIdempotencyKeyFn: func(ctx context.Context, businessID uuid.UUID, key string) (*domain.Booking, []domain.BookingItem, error) {
			lookups++
			if lookups == 1 {
				// Pre-check: nothing committed yet.
				return nil, nil, nil
			}
			return &winner, nil, nil
		},
		inStaffTxFn: func(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error {
			// The unique index fires inside the transaction.
			return store.ErrIdempotencyConflict
		},
	}
	infos := map[uuid.UUID]ServiceInfo{serviceID: {Name: "Cut", DurationMinutes: 30}}
	svc := NewService(repo, fixedCatalog(infos), &fakeDirectory{}, nil, nil)

	in := validCreateInput(serviceID, staffID)
	in.IdempotencyKey = "req-2"
	got, _, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got.ID != winner.ID {
		t.Fatalf("race loser must replay the winner's booking")
	}
	if lookups != 2 {
		t.Fatalf("lookups = %d, want 2", lookups)
	}
}

func TestCreate_ConflictCarriesItems(t *testing.T) {
	serviceID := uuid.New()
	staffID := uuid.New()
	occupying := domain.BookingItem{
		ID:        uuid.New(),
		StaffID:   staffID,
		StartTime: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 6, 1, 10, 30, 0, 0, time.UTC),
	}

	tx := newFakeTx()
	tx.findOverlappingForUpdateFn = func(ctx context.Context, q store.OverlapQuery) ([]domain.BookingItem, error) {
		if q.StaffID != staffID {
			t.Fatalf("probe staff = %v", q.StaffID)
		}
		return []domain.BookingItem{occupying}, nil
	}
	repo := &fakeRepo{inStaffTxFn: passthroughTx(tx)}

	infos := map[uuid.UUID]ServiceInfo{serviceID: {Name: "Cut", DurationMinutes: 30}}
	svc := NewService(repo, fixedCatalog(infos), &fakeDirectory{}, nil, nil)

	_, _, err := svc.Create(context.Background(), validCreateInput(serviceID, staffID))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error type = %T", err)
	}
	if len(conflict.Items) != 1 || conflict.Items[0].ID != occupying.ID {
		t.Fatalf("conflict must carry the occupying items")
	}
	if len(tx.insertedBookings) != 0 {
		t.Fatalf("nothing must be inserted on conflict")
	}
}

func TestCreate_CommitsBookingItemsAndAudit(t *testing.T) {
	serviceID := uuid.New()
	staffID := uuid.New()

	tx := newFakeTx()
	repo := &fakeRepo{inStaffTxFn: passthroughTx(tx)}
	infos := map[uuid.UUID]ServiceInfo{serviceID: {Name: "Cut", DurationMinutes: 30, PriceCents: 2500}}
	svc := NewService(repo, fixedCatalog(infos), &fakeDirectory{}, nil, nil)

	booking, items, err := svc.Create(context.Background(), validCreateInput(serviceID, staffID))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if booking.Status != domain.BookingStatusConfirmed {
		t.Fatalf("status = %v", booking.Status)
	}
	if len(tx.insertedBookings) != 1 || len(tx.insertedItems) != 1 {
		t.Fatalf("expected one booking and one item batch")
	}
	for _, it := range items {
		if it.BookingID != booking.ID {
			t.Fatalf("item not linked to booking")
		}
	}
	if len(tx.auditEvents) != 1 || tx.auditEvents[0].Kind != domain.AuditBookingCreated {
		t.Fatalf("audit events = %+v", tx.auditEvents)
	}
}

func TestReschedule_PreservesShape(t *testing.T) {
	bookingID := uuid.New()
	staffID := uuid.New()
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	booking := domain.Booking{ID: bookingID, Status: domain.BookingStatusConfirmed}
	items := []domain.BookingItem{
		{ID: uuid.New(), BookingID: bookingID, StaffID: staffID, StartTime: start, EndTime: start.Add(30 * time.Minute), ExtraProcessingMinutes: 10},
		{ID: uuid.New(), BookingID: bookingID, StaffID: staffID, StartTime: start.Add(40 * time.Minute), EndTime: start.Add(70 * time.Minute)},
	}

	tx := newFakeTx()
	tx.getBookingForUpdateFn = func(ctx context.Context, id uuid.UUID) (domain.Booking, error) { return booking, nil }
	tx.listItemsFn = func(ctx context.Context, id uuid.UUID) ([]domain.BookingItem, error) { return items, nil }

	repo := &fakeRepo{
		getBookingFn: func(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
			return booking, items, nil
		},
		inStaffTxFn: passthroughTx(tx),
	}
	svc := NewService(repo, &fakeCatalog{}, &fakeDirectory{cancellationHours: 24}, nil, nil)
	svc.now = func() time.Time { return start.Add(-48 * time.Hour) }

	newStart := start.Add(2 * time.Hour)
	_, shifted, err := svc.Reschedule(context.Background(), bookingID, newStart, Actor{Role: ActorRoleCustomer})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if len(tx.updatedItems) != 1 {
		t.Fatalf("expected one item update batch")
	}
	if !shifted[0].StartTime.Equal(newStart) {
		t.Fatalf("first start = %v, want %v", shifted[0].StartTime, newStart)
	}
	// Durations and the inter-item gap survive the shift.
	if shifted[0].EndTime.Sub(shifted[0].StartTime) != 30*time.Minute {
		t.Fatalf("first duration changed")
	}
	if shifted[1].StartTime.Sub(shifted[0].EndTime) != 10*time.Minute {
		t.Fatalf("gap changed")
	}
	if len(tx.auditEvents) != 1 || tx.auditEvents[0].Kind != domain.AuditBookingRescheduled {
		t.Fatalf("audit events = %+v", tx.auditEvents)
	}
}

func TestReschedule_PolicyWindow(t *testing.T) {
	bookingID := uuid.New()
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	booking := domain.Booking{ID: bookingID, Status: domain.BookingStatusConfirmed}
	items := []domain.BookingItem{{ID: uuid.New(), StaffID: uuid.New(), StartTime: start, EndTime: start.Add(time.Hour)}}

	repo := &fakeRepo{
		getBookingFn: func(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
			return booking, items, nil
		},
		inStaffTxFn: func(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error {
			return fn(ctx, newFakeTx())
		},
	}
	svc := NewService(repo, &fakeCatalog{}, &fakeDirectory{cancellationHours: 24}, nil, nil)
	// Twelve hours before start: inside the 24h window.
	svc.now = func() time.Time { return start.Add(-12 * time.Hour) }

	_, _, err := svc.Reschedule(context.Background(), bookingID, start.Add(time.Hour), Actor{Role: ActorRoleCustomer})
	var policy *PolicyViolationError
	if !errors.As(err, &policy) {
		t.Fatalf("error = %v, want *PolicyViolationError", err)
	}
	if !policy.Deadline.Equal(start.Add(-24 * time.Hour)) {
		t.Fatalf("deadline = %v", policy.Deadline)
	}

	// Operators bypass the window.
	tx := newFakeTx()
	tx.getBookingForUpdateFn = func(ctx context.Context, id uuid.UUID) (domain.Booking, error) { return booking, nil }
	tx.listItemsFn = func(ctx context.Context, id uuid.UUID) ([]domain.BookingItem, error) { return items, nil }
	repo.inStaffTxFn = passthroughTx(tx)
	if _, _, err := svc.Reschedule(context.Background(), bookingID, start.Add(time.Hour), Actor{Role: ActorRoleStaff}); err != nil {
		t.Fatalf("operator reschedule error: %v", err)
	}
}

func TestReschedule_RetriesWhenStaffReassigned(t *testing.T) {
	bookingID := uuid.New()
	staffA := uuid.New()
	staffB := uuid.New()
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	booking := domain.Booking{ID: bookingID, Status: domain.BookingStatusConfirmed}
	itemID := uuid.New()
	itemsA := []domain.BookingItem{{ID: itemID, BookingID: bookingID, StaffID: staffA, StartTime: start, EndTime: start.Add(time.Hour)}}
	itemsB := []domain.BookingItem{{ID: itemID, BookingID: bookingID, StaffID: staffB, StartTime: start, EndTime: start.Add(time.Hour)}}

	// A concurrent series modification moved the booking from staff A to
	// staff B after the pre-transaction read: the first attempt locks only
	// A's calendar and must abort rather than probe B's without its lock.
	reads := 0
	var lockSets [][]uuid.UUID
	tx := newFakeTx()
	tx.getBookingForUpdateFn = func(ctx context.Context, id uuid.UUID) (domain.Booking, error) { return booking, nil }
	tx.listItemsFn = func(ctx context.Context, id uuid.UUID) ([]domain.BookingItem, error) { return itemsB, nil }

	repo := &fakeRepo{
		getBookingFn: func(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
			reads++
			if reads == 1 {
				return booking, itemsA, nil
			}
			return booking, itemsB, nil
		},
		inStaffTxFn: func(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error {
			lockSets = append(lockSets, staffIDs)
			return fn(ctx, tx)
		},
	}
	svc := NewService(repo, &fakeCatalog{}, &fakeDirectory{}, nil, nil)
	svc.now = func() time.Time { return start.Add(-48 * time.Hour) }

	_, shifted, err := svc.Reschedule(context.Background(), bookingID, start.Add(2*time.Hour), Actor{Role: ActorRoleStaff})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if len(lockSets) != 2 {
		t.Fatalf("transactions = %d, want a retry after the stale lock set", len(lockSets))
	}
	if len(lockSets[0]) != 1 || lockSets[0][0] != staffA {
		t.Fatalf("first lock set = %v, want only staff A", lockSets[0])
	}
	if len(lockSets[1]) != 1 || lockSets[1][0] != staffB {
		t.Fatalf("second lock set = %v, want staff B", lockSets[1])
	}
	if len(tx.updatedItems) != 1 {
		t.Fatalf("update batches = %d, want 1", len(tx.updatedItems))
	}
	if shifted[0].StaffID != staffB {
		t.Fatalf("shifted staff = %v, want the reassigned staff", shifted[0].StaffID)
	}
}

func TestReschedule_GivesUpWhenLockSetKeepsChanging(t *testing.T) {
	bookingID := uuid.New()
	staffA := uuid.New()
	staffB := uuid.New()
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	booking := domain.Booking{ID: bookingID, Status: domain.BookingStatusConfirmed}
	itemsA := []domain.BookingItem{{ID: uuid.New(), BookingID: bookingID, StaffID: staffA, StartTime: start, EndTime: start.Add(time.Hour)}}
	itemsB := []domain.BookingItem{{ID: uuid.New(), BookingID: bookingID, StaffID: staffB, StartTime: start, EndTime: start.Add(time.Hour)}}

	attempts := 0
	tx := newFakeTx()
	tx.getBookingForUpdateFn = func(ctx context.Context, id uuid.UUID) (domain.Booking, error) { return booking, nil }
	tx.listItemsFn = func(ctx context.Context, id uuid.UUID) ([]domain.BookingItem, error) { return itemsB, nil }
	repo := &fakeRepo{
		getBookingFn: func(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
			// The pre-read never catches up with the in-transaction truth.
			return booking, itemsA, nil
		},
		inStaffTxFn: func(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error {
			attempts++
			return fn(ctx, tx)
		},
	}
	svc := NewService(repo, &fakeCatalog{}, &fakeDirectory{}, nil, nil)
	svc.now = func() time.Time { return start.Add(-48 * time.Hour) }

	_, _, err := svc.Reschedule(context.Background(), bookingID, start.Add(2*time.Hour), Actor{Role: ActorRoleStaff})
	if !errors.Is(err, store.ErrLockSetChanged) {
		t.Fatalf("error = %v, want ErrLockSetChanged", err)
	}
	if attempts != lockSetRetries+1 {
		t.Fatalf("attempts = %d, want %d", attempts, lockSetRetries+1)
	}
	if len(tx.updatedItems) != 0 {
		t.Fatalf("nothing must be written on a stale lock set")
	}
}

func TestReplace_RetriesWhenStaffReassigned(t *testing.T) {
	serviceID := uuid.New()
	staffA := uuid.New()
	staffB := uuid.New()
	staffC := uuid.New()
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	original := domain.Booking{
		ID:         uuid.New(),
		BusinessID: uuid.New(),
		LocationID: uuid.New(),
		Status:     domain.BookingStatusConfirmed,
	}
	itemID := uuid.New()
	itemsA := []domain.BookingItem{{ID: itemID, BookingID: original.ID, StaffID: staffA, StartTime: start, EndTime: start.Add(time.Hour)}}
	itemsB := []domain.BookingItem{{ID: itemID, BookingID: original.ID, StaffID: staffB, StartTime: start, EndTime: start.Add(time.Hour)}}

	reads := 0
	var lockSets [][]uuid.UUID
	tx := newFakeTx()
	tx.getBookingForUpdateFn = func(ctx context.Context, id uuid.UUID) (domain.Booking, error) { return original, nil }
	tx.listItemsFn = func(ctx context.Context, id uuid.UUID) ([]domain.BookingItem, error) { return itemsB, nil }

	repo := &fakeRepo{
		getBookingFn: func(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
			reads++
			if reads == 1 {
				return original, itemsA, nil
			}
			return original, itemsB, nil
		},
		inStaffTxFn: func(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error {
			lockSets = append(lockSets, staffIDs)
			return fn(ctx, tx)
		},
	}
	infos := map[uuid.UUID]ServiceInfo{serviceID: {Name: "Color", DurationMinutes: 60}}
	svc := NewService(repo, fixedCatalog(infos), &fakeDirectory{}, nil, nil)
	svc.now = func() time.Time { return start.Add(-72 * time.Hour) }

	result, err := svc.Replace(context.Background(), ReplaceInput{
		BookingID: original.ID,
		Spec: CreateInput{
			BusinessID: original.BusinessID, LocationID: original.LocationID,
			StartTime: start.Add(24 * time.Hour), ServiceIDs: []uuid.UUID{serviceID}, StaffID: staffC,
		},
		Actor: Actor{Role: ActorRoleStaff},
	})
	if err != nil {
		t.Fatalf("Replace error: %v", err)
	}
	if len(lockSets) != 2 {
		t.Fatalf("transactions = %d, want a retry after the stale lock set", len(lockSets))
	}
	has := func(set []uuid.UUID, id uuid.UUID) bool {
		for _, s := range set {
			if s == id {
				return true
			}
		}
		return false
	}
	if !has(lockSets[0], staffA) || has(lockSets[0], staffB) {
		t.Fatalf("first lock set = %v, want the stale staff A", lockSets[0])
	}
	if !has(lockSets[1], staffB) || !has(lockSets[1], staffC) {
		t.Fatalf("second lock set = %v, want both vacated and target staff", lockSets[1])
	}
	if len(tx.insertedBookings) != 1 {
		t.Fatalf("inserted bookings = %d, want 1 after the retry", len(tx.insertedBookings))
	}
	if tx.replaced[original.ID] != result.NewID {
		t.Fatalf("original must be marked replaced by the new booking")
	}
}

func TestCancel_IdempotentAndTerminal(t *testing.T) {
	bookingID := uuid.New()
	repo := &fakeRepo{
		getBookingFn: func(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
			return domain.Booking{ID: bookingID, Status: domain.BookingStatusCancelled}, nil, nil
		},
	}
	svc := NewService(repo, &fakeCatalog{}, &fakeDirectory{}, nil, nil)

	if err := svc.Cancel(context.Background(), bookingID, Actor{Role: ActorRoleCustomer}); err != nil {
		t.Fatalf("cancelling a cancelled booking must be a no-op, got %v", err)
	}

	repo.getBookingFn = func(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
		return domain.Booking{ID: bookingID, Status: domain.BookingStatusReplaced}, nil, nil
	}
	err := svc.Cancel(context.Background(), bookingID, Actor{Role: ActorRoleCustomer})
	var notMod *NotModifiableError
	if !errors.As(err, &notMod) {
		t.Fatalf("error = %v, want *NotModifiableError", err)
	}
}

func TestCancel_FlipsStatusAndAudits(t *testing.T) {
	bookingID := uuid.New()
	staffID := uuid.New()
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	items := []domain.BookingItem{{ID: uuid.New(), StaffID: staffID, StartTime: start, EndTime: start.Add(time.Hour)}}

	tx := newFakeTx()
	repo := &fakeRepo{
		getBookingFn: func(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
			return domain.Booking{ID: bookingID, Status: domain.BookingStatusConfirmed}, items, nil
		},
		inStaffTxFn: passthroughTx(tx),
	}
	svc := NewService(repo, &fakeCatalog{}, &fakeDirectory{cancellationHours: 24}, nil, nil)
	svc.now = func() time.Time { return start.Add(-48 * time.Hour) }

	if err := svc.Cancel(context.Background(), bookingID, Actor{Role: ActorRoleCustomer}); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if tx.statusUpdates[bookingID] != domain.BookingStatusCancelled {
		t.Fatalf("status updates = %+v", tx.statusUpdates)
	}
	if len(tx.auditEvents) != 1 || tx.auditEvents[0].Kind != domain.AuditBookingCancelled {
		t.Fatalf("audit events = %+v", tx.auditEvents)
	}
}
