package schedule

import (
	"github.com/google/uuid"

	"reserva/internal/domain"
)

// Period is a planning row's validity range.
type Period struct {
	ID   uuid.UUID
	Span domain.TimeSpan
}

// SplitResult describes how existing planning periods must change so that an
// incoming period can be inserted without overlap. IDs in Truncated keep
// their row and get the new span; Removed rows are covered entirely by the
// incoming period; Added rows are duplicated tails of rows the incoming
// period cut in two.
type SplitResult struct {
	Truncated []Period
	Removed   []uuid.UUID
	Added     []Period
}

// SplitPeriods partitions existing periods around the incoming span using
// the same half-open overlap predicate as booking conflict detection.
// Non-overlapping periods are left untouched and not reported.
func SplitPeriods(existing []Period, incoming domain.TimeSpan) SplitResult {
	var out SplitResult
	for _, p := range existing {
		if !p.Span.Overlaps(incoming) {
			continue
		}

		startsBefore := p.Span.Start.Before(incoming.Start)
		endsAfter := p.Span.End.After(incoming.End)

		switch {
		case startsBefore && endsAfter:
			// Incoming sits strictly inside: keep the head, duplicate the tail.
			out.Truncated = append(out.Truncated, Period{
				ID:   p.ID,
				Span: domain.TimeSpan{Start: p.Span.Start, End: incoming.Start},
			})
			out.Added = append(out.Added, Period{
				Span: domain.TimeSpan{Start: incoming.End, End: p.Span.End},
			})
		case startsBefore:
			out.Truncated = append(out.Truncated, Period{
				ID:   p.ID,
				Span: domain.TimeSpan{Start: p.Span.Start, End: incoming.Start},
			})
		case endsAfter:
			out.Truncated = append(out.Truncated, Period{
				ID:   p.ID,
				Span: domain.TimeSpan{Start: incoming.End, End: p.Span.End},
			})
		default:
			out.Removed = append(out.Removed, p.ID)
		}
	}
	return out
}
