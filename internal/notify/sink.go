// Package notify is the fire-and-forget notification boundary. Enqueue is
// never awaited inside a booking transaction and an enqueue failure must
// never fail a booking operation that otherwise succeeded.
package notify

import (
	"context"
	"log/slog"
)

const (
	KindBookingConfirmed = "booking.confirmed"
	KindBookingCancelled = "booking.cancelled"
	KindBookingModified  = "booking.modified"
	KindBookingReminder  = "booking.reminder"
	KindSeriesCreated    = "booking.series_created"
)

type Sink interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

// LogSink is the fallback when no broker is configured: notifications are
// logged and dropped.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With(slog.String("component", "notify.log"))}
}

func (s *LogSink) Enqueue(ctx context.Context, kind string, payload any) error {
	s.log.Info("notification dropped (no broker configured)", slog.String("kind", kind), slog.Any("payload", payload))
	return nil
}
