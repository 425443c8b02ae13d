package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"reserva/internal/domain"
	"reserva/internal/store"
)

type BookingRepo struct {
	db *bun.DB
}

func NewBookingRepo(db *bun.DB) *BookingRepo {
	return &BookingRepo{db: db}
}

type occupancyTx struct {
	tx bun.Tx
}

func (r *BookingRepo) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, []domain.BookingItem, error) {
	var b domain.Booking
	err := r.db.NewSelect().
		Model(&b).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Booking{}, nil, store.ErrNotFound
		}
		return domain.Booking{}, nil, err
	}

	items, err := r.listItems(ctx, r.db, id)
	if err != nil {
		return domain.Booking{}, nil, err
	}
	return b, items, nil
}

func (r *BookingRepo) FindByIdempotencyKey(ctx context.Context, businessID uuid.UUID, key string) (*domain.Booking, []domain.BookingItem, error) {
	var b domain.Booking
	err := r.db.NewSelect().
		Model(&b).
		Where("business_id = ?", businessID).
		Where("idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	items, err := r.listItems(ctx, r.db, b.ID)
	if err != nil {
		return nil, nil, err
	}
	return &b, items, nil
}

func (r *BookingRepo) FindOverlapping(ctx context.Context, q store.OverlapQuery) ([]domain.BookingItem, error) {
	return findOverlapping(ctx, r.db, q, false)
}

func (r *BookingRepo) GetRecurrenceRule(ctx context.Context, id uuid.UUID) (domain.RecurrenceRule, error) {
	var rule domain.RecurrenceRule
	err := r.db.NewSelect().
		Model(&rule).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RecurrenceRule{}, store.ErrNotFound
		}
		return domain.RecurrenceRule{}, err
	}
	return rule, nil
}

func (r *BookingRepo) ListByRecurrenceRule(ctx context.Context, ruleID uuid.UUID) ([]domain.Booking, error) {
	var rows []domain.Booking
	err := r.db.NewSelect().
		Model(&rows).
		Where("recurrence_rule_id = ?", ruleID).
		OrderExpr("recurrence_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *BookingRepo) ListStartingBetween(ctx context.Context, from, to time.Time) ([]domain.Booking, error) {
	var rows []domain.Booking
	err := r.db.NewSelect().
		Model(&rows).
		Where("status IN (?)", bun.In([]domain.BookingStatus{domain.BookingStatusPending, domain.BookingStatusConfirmed})).
		Where("EXISTS (SELECT 1 FROM booking_items i WHERE i.booking_id = booking.id AND i.start_time >= ? AND i.start_time < ?)", from, to).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// InStaffTx opens one transaction and takes a per-staff advisory lock for
// every staff member involved, in sorted order so concurrent multi-staff
// bookings cannot deadlock. The locks serialize conflicting writers for the
// transaction's lifetime; writers on disjoint staff never wait on each other.
func (r *BookingRepo) InStaffTx(ctx context.Context, staffIDs []uuid.UUID, fn func(ctx context.Context, tx store.OccupancyTx) error) error {
	ids := dedupeSorted(staffIDs)
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, id := range ids {
			if err := lockStaffCalendar(ctx, tx, id); err != nil {
				return err
			}
		}
		return fn(ctx, occupancyTx{tx: tx})
	})
}

func lockStaffCalendar(ctx context.Context, tx bun.Tx, staffID uuid.UUID) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", staffID.String()).Exec(ctx)
	return err
}

func dedupeSorted(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *BookingRepo) listItems(ctx context.Context, db bun.IDB, bookingID uuid.UUID) ([]domain.BookingItem, error) {
	var items []domain.BookingItem
	err := db.NewSelect().
		Model(&items).
		Where("booking_id = ?", bookingID).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// findOverlapping matches active items whose blocked interval (displayed end
// plus processing and blocked minutes) intersects the candidate span. The
// locking variant acquires row locks on the matches so a concurrent writer
// observes committed state before deciding.
func findOverlapping(ctx context.Context, db bun.IDB, q store.OverlapQuery, forUpdate bool) ([]domain.BookingItem, error) {
	var items []domain.BookingItem
	sel := db.NewSelect().
		Model(&items).
		Where("staff_id = ?", q.StaffID).
		Where("start_time < ?", q.Span.End).
		Where("(end_time + make_interval(mins => extra_blocked_minutes + extra_processing_minutes)) > ?", q.Span.Start).
		Where("EXISTS (SELECT 1 FROM bookings b WHERE b.id = booking_id AND b.status NOT IN (?))",
			bun.In([]domain.BookingStatus{domain.BookingStatusCancelled, domain.BookingStatusReplaced})).
		OrderExpr("start_time ASC")
	if q.ExcludeBookingID != nil {
		sel = sel.Where("booking_id != ?", *q.ExcludeBookingID)
	}
	if forUpdate {
		sel = sel.For("UPDATE")
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (t occupancyTx) FindOverlappingForUpdate(ctx context.Context, q store.OverlapQuery) ([]domain.BookingItem, error) {
	return findOverlapping(ctx, t.tx, q, true)
}

func (t occupancyTx) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	var b domain.Booking
	err := t.tx.NewSelect().
		Model(&b).
		Where("id = ?", id).
		Limit(1).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Booking{}, store.ErrNotFound
		}
		return domain.Booking{}, err
	}
	return b, nil
}

func (t occupancyTx) ListItems(ctx context.Context, bookingID uuid.UUID) ([]domain.BookingItem, error) {
	var items []domain.BookingItem
	err := t.tx.NewSelect().
		Model(&items).
		Where("booking_id = ?", bookingID).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (t occupancyTx) InsertBooking(ctx context.Context, b *domain.Booking) error {
	_, err := t.tx.NewInsert().Model(b).Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Unique index on (business_id, idempotency_key): a concurrent
			// writer with the same key committed first. The caller replays
			// the committed booking outside this transaction.
			return store.ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

func (t occupancyTx) InsertItems(ctx context.Context, items []domain.BookingItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := t.tx.NewInsert().Model(&items).Exec(ctx)
	return err
}

func (t occupancyTx) UpdateItems(ctx context.Context, items []domain.BookingItem) error {
	for i := range items {
		_, err := t.tx.NewUpdate().
			Model(&items[i]).
			Column("start_time", "end_time", "staff_id", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t occupancyTx) UpdateBookingStatus(ctx context.Context, id uuid.UUID, status domain.BookingStatus) error {
	res, err := t.tx.NewUpdate().
		Model((*domain.Booking)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t occupancyTx) UpdateBookingNotes(ctx context.Context, id uuid.UUID, notes string) error {
	res, err := t.tx.NewUpdate().
		Model((*domain.Booking)(nil)).
		Set("notes = ?", notes).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t occupancyTx) MarkReplaced(ctx context.Context, originalID, newID uuid.UUID) error {
	res, err := t.tx.NewUpdate().
		Model((*domain.Booking)(nil)).
		Set("replaced_by_booking_id = ?", newID).
		Set("status = ?", domain.BookingStatusReplaced).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", originalID).
		Where("replaced_by_booking_id IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrAlreadyReplaced
	}
	return nil
}

func (t occupancyTx) InsertRecurrenceRule(ctx context.Context, rule *domain.RecurrenceRule) error {
	_, err := t.tx.NewInsert().Model(rule).Exec(ctx)
	return err
}

func (t occupancyTx) InsertAuditEvent(ctx context.Context, ev *domain.AuditEvent) error {
	_, err := t.tx.NewInsert().Model(ev).Exec(ctx)
	return err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
