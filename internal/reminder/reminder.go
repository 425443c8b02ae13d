// Package reminder sweeps upcoming bookings on a cron schedule and enqueues
// reminder notifications. Each sweep covers the interval advanced since the
// previous one, so a booking is reminded about exactly once even though the
// sweeper runs continuously.
package reminder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reserva/internal/notify"
	"reserva/internal/store"
)

const (
	DefaultCronSpec  = "*/15 * * * *"
	DefaultLeadHours = 24
)

type Config struct {
	CronSpec  string
	LeadHours int
}

type Sweeper struct {
	repo store.BookingRepository
	sink notify.Sink
	log  *slog.Logger
	lead time.Duration
	spec string
	now  func() time.Time

	cron *cron.Cron

	mu        sync.Mutex
	lastSweep time.Time
}

func NewSweeper(repo store.BookingRepository, sink notify.Sink, cfg Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	spec := cfg.CronSpec
	if spec == "" {
		spec = DefaultCronSpec
	}
	lead := cfg.LeadHours
	if lead <= 0 {
		lead = DefaultLeadHours
	}
	return &Sweeper{
		repo: repo,
		sink: sink,
		log:  log.With(slog.String("component", "reminder")),
		lead: time.Duration(lead) * time.Hour,
		spec: spec,
		now:  time.Now,
	}
}

func (s *Sweeper) Start() error {
	s.mu.Lock()
	s.lastSweep = s.now().UTC()
	s.mu.Unlock()

	c := cron.New()
	if _, err := c.AddFunc(s.spec, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.log.Error("reminder sweep failed", slog.Any("err", err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("reminder scheduler started", slog.String("spec", s.spec), slog.Duration("lead", s.lead))
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep reminds every active booking whose start fell into the lead window
// since the last sweep. The window is half-open on the left so two
// consecutive sweeps never pick up the same booking.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now().UTC()

	s.mu.Lock()
	from := s.lastSweep.Add(s.lead)
	s.lastSweep = now
	s.mu.Unlock()

	to := now.Add(s.lead)
	if !from.Before(to) {
		return nil
	}

	bookings, err := s.repo.ListStartingBetween(ctx, from, to)
	if err != nil {
		return err
	}
	for _, b := range bookings {
		_, items, err := s.repo.GetBooking(ctx, b.ID)
		if err != nil {
			s.log.Warn("reminder lookup failed", slog.Any("booking_id", b.ID), slog.Any("err", err))
			continue
		}
		payload := map[string]any{
			"booking_id":  b.ID,
			"business_id": b.BusinessID,
			"location_id": b.LocationID,
		}
		if b.ClientID != nil {
			payload["client_id"] = *b.ClientID
		}
		if len(items) > 0 {
			payload["start_time"] = items[0].StartTime
		}
		if err := s.sink.Enqueue(ctx, notify.KindBookingReminder, payload); err != nil {
			s.log.Warn("reminder enqueue failed", slog.Any("booking_id", b.ID), slog.Any("err", err))
		}
	}
	if len(bookings) > 0 {
		s.log.Info("reminder sweep done", slog.Int("count", len(bookings)))
	}
	return nil
}
