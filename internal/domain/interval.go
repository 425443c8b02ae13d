package domain

import "time"

// TimeSpan is a half-open interval [Start, End) in UTC.
type TimeSpan struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals intersect. Every conflict
// check in the engine goes through this predicate so that availability reads,
// write-time guards and planning-period splitting can never disagree.
func (s TimeSpan) Overlaps(o TimeSpan) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

func (s TimeSpan) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

func (s TimeSpan) Shift(d time.Duration) TimeSpan {
	return TimeSpan{Start: s.Start.Add(d), End: s.End.Add(d)}
}

func (s TimeSpan) IsValid() bool {
	return s.End.After(s.Start)
}
