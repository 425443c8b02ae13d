package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"reserva/internal/config"
	"reserva/internal/httpapi"
	"reserva/internal/notify"
	"reserva/internal/reminder"
	"reserva/internal/schedule"
	"reserva/internal/service/availability"
	"reserva/internal/service/bookings"
	"reserva/internal/service/recurring"
	"reserva/internal/store"
	"reserva/internal/store/postgres"
	"reserva/migrations"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "reserva-server"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "reserva-server"),
	)
	slog.SetDefault(log)

	log.Info("starting", slog.String("http_addr", cfg.HTTPAddr), slog.String("log_level", cfg.LogLevel))

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(context.Background(), cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	if err := migrations.Up(db.DB); err != nil {
		log.Error("migrations failed", slog.Any("err", err))
		os.Exit(1)
	}

	var sink notify.Sink
	if cfg.RabbitURL != "" {
		amqpSink, err := notify.NewAMQPSink(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			log.Error("rabbitmq connection failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := amqpSink.Close(); err != nil {
				log.Warn("rabbitmq close failed", slog.Any("err", err))
			}
		}()
		sink = amqpSink
	} else {
		sink = notify.NewLogSink(log)
	}

	bookingRepo := postgres.NewBookingRepo(db)
	scheduleRepo := postgres.NewWorkScheduleRepo(db)
	catalog := postgres.NewCatalogRepo(db)
	directory := &fallbackDirectory{inner: catalog, cancellationHours: cfg.CancellationHours}

	hours := schedule.NewResolver(scheduleRepo)
	bookingSvc := bookings.NewService(bookingRepo, catalog, directory, sink, log)
	recurringSvc := recurring.NewService(bookingRepo, bookingSvc, sink, log)
	calc := availability.NewCalculator(bookingRepo, hours, availability.Config{
		Granularity: cfg.SlotGranularity,
		Horizon:     cfg.AvailabilityAhead,
	})

	sweeper := reminder.NewSweeper(bookingRepo, sink, reminder.Config{
		CronSpec:  cfg.ReminderCronSpec,
		LeadHours: cfg.ReminderLeadHours,
	}, log)
	if err := sweeper.Start(); err != nil {
		log.Error("reminder scheduler failed to start", slog.Any("err", err))
		os.Exit(1)
	}
	defer sweeper.Stop()

	handler := httpapi.NewHandler(calc, bookingSvc, recurringSvc, hours, scheduleRepo, log)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(handler),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("http server started", slog.String("http_addr", cfg.HTTPAddr))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdown(log, srv, cfg.ShutdownTimeout)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped with error", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

// fallbackDirectory fills directory gaps with configured defaults so a
// booking against a business row that predates the policy columns still gets
// a sane cancellation window.
type fallbackDirectory struct {
	inner             bookings.Directory
	cancellationHours int
}

func (d *fallbackDirectory) CancellationHours(ctx context.Context, businessID, locationID uuid.UUID) (int, error) {
	hours, err := d.inner.CancellationHours(ctx, businessID, locationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return d.cancellationHours, nil
		}
		return 0, err
	}
	return hours, nil
}

func (d *fallbackDirectory) SenderEmail(ctx context.Context, businessID, locationID uuid.UUID) (string, error) {
	return d.inner.SenderEmail(ctx, businessID, locationID)
}

func shutdown(log *slog.Logger, srv *http.Server, timeout time.Duration) {
	log.Info("shutting down http server", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http graceful shutdown timed out; forcing close", slog.Any("err", err))
		_ = srv.Close()
		return
	}
	log.Info("http server stopped")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
