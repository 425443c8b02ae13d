package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"reserva/internal/domain"
	"reserva/internal/schedule"
)

type WorkScheduleRepo struct {
	db *bun.DB
}

func NewWorkScheduleRepo(db *bun.DB) *WorkScheduleRepo {
	return &WorkScheduleRepo{db: db}
}

// openEnd stands in for a template row without an effective_until so validity
// ranges can be partitioned with the shared half-open interval logic.
var openEnd = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

func (r *WorkScheduleRepo) TemplatesOn(ctx context.Context, staffID uuid.UUID, date time.Time) ([]domain.WorkTemplate, error) {
	dayEnd := date.AddDate(0, 0, 1)
	var rows []domain.WorkTemplate
	err := r.db.NewSelect().
		Model(&rows).
		Where("staff_id = ?", staffID).
		Where("effective_from < ?", dayEnd).
		Where("(effective_until IS NULL OR effective_until >= ?)", date).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *WorkScheduleRepo) ExceptionOn(ctx context.Context, staffID uuid.UUID, date time.Time) (*domain.WorkException, error) {
	var ex domain.WorkException
	err := r.db.NewSelect().
		Model(&ex).
		Where("staff_id = ?", staffID).
		Where("date = ?", date.Format("2006-01-02")).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ex, nil
}

// InsertTemplate inserts a planning row after partitioning the validity
// ranges of overlapping rows for the same staff member and weekday: rows
// covered entirely by the new range are removed, straddling rows are
// truncated, and rows the new range cuts in two get a duplicated tail.
func (r *WorkScheduleRepo) InsertTemplate(ctx context.Context, tpl domain.WorkTemplate) (domain.WorkTemplate, error) {
	incoming := domain.TimeSpan{Start: tpl.EffectiveFrom, End: openEnd}
	if tpl.EffectiveUntil != nil {
		incoming.End = *tpl.EffectiveUntil
	}

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var rows []domain.WorkTemplate
		err := tx.NewSelect().
			Model(&rows).
			Where("staff_id = ?", tpl.StaffID).
			Where("weekday = ?", tpl.Weekday).
			Where("effective_from < ?", incoming.End).
			Where("(effective_until IS NULL OR effective_until > ?)", incoming.Start).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			return err
		}

		byID := make(map[uuid.UUID]domain.WorkTemplate, len(rows))
		periods := make([]schedule.Period, 0, len(rows))
		for _, row := range rows {
			end := openEnd
			if row.EffectiveUntil != nil {
				end = *row.EffectiveUntil
			}
			byID[row.ID] = row
			periods = append(periods, schedule.Period{
				ID:   row.ID,
				Span: domain.TimeSpan{Start: row.EffectiveFrom, End: end},
			})
		}

		split := schedule.SplitPeriods(periods, incoming)

		for _, id := range split.Removed {
			_, err := tx.NewDelete().
				Model((*domain.WorkTemplate)(nil)).
				Where("id = ?", id).
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		for _, p := range split.Truncated {
			row := byID[p.ID]
			row.EffectiveFrom = p.Span.Start
			row.EffectiveUntil = boundedEnd(p.Span.End)
			_, err := tx.NewUpdate().
				Model(&row).
				Column("effective_from", "effective_until", "updated_at").
				WherePK().
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		for _, p := range split.Added {
			// Tail keeps the source row's working window under the new range.
			src := byID[tailSourceID(p, periods)]
			tail := src
			tail.ID = uuid.Nil
			tail.EffectiveFrom = p.Span.Start
			tail.EffectiveUntil = boundedEnd(p.Span.End)
			if _, err := tx.NewInsert().Model(&tail).Exec(ctx); err != nil {
				return err
			}
		}

		_, err = tx.NewInsert().Model(&tpl).Exec(ctx)
		return err
	})
	if err != nil {
		return domain.WorkTemplate{}, err
	}
	return tpl, nil
}

func (r *WorkScheduleRepo) UpsertException(ctx context.Context, ex domain.WorkException) (domain.WorkException, error) {
	_, err := r.db.NewInsert().
		Model(&ex).
		On("CONFLICT (staff_id, date) DO UPDATE").
		Set("off = EXCLUDED.off").
		Set("start_minute = EXCLUDED.start_minute").
		Set("end_minute = EXCLUDED.end_minute").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return domain.WorkException{}, err
	}
	return ex, nil
}

func boundedEnd(end time.Time) *time.Time {
	if end.Equal(openEnd) {
		return nil
	}
	e := end
	return &e
}

// tailSourceID finds which truncated row a duplicated tail belongs to: the
// one whose original span contains the tail's start.
func tailSourceID(tail schedule.Period, originals []schedule.Period) uuid.UUID {
	for _, p := range originals {
		if !tail.Span.Start.Before(p.Span.Start) && tail.Span.Start.Before(p.Span.End) {
			return p.ID
		}
	}
	return uuid.Nil
}
