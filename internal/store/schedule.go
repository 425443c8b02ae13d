package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"reserva/internal/domain"
)

type WorkScheduleRepository interface {
	TemplatesOn(ctx context.Context, staffID uuid.UUID, date time.Time) ([]domain.WorkTemplate, error)
	ExceptionOn(ctx context.Context, staffID uuid.UUID, date time.Time) (*domain.WorkException, error)

	// InsertTemplate adds a planning row, splitting the validity ranges of
	// overlapping rows for the same staff and weekday so ranges never overlap.
	InsertTemplate(ctx context.Context, tpl domain.WorkTemplate) (domain.WorkTemplate, error)
	UpsertException(ctx context.Context, ex domain.WorkException) (domain.WorkException, error)
}
