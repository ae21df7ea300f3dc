package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juank159/agendity-backend-sub000/internal/billing"
	"github.com/juank159/agendity-backend-sub000/internal/consumer"
	"github.com/juank159/agendity-backend-sub000/internal/handlers"
	"github.com/juank159/agendity-backend-sub000/internal/inbox"
	"github.com/juank159/agendity-backend-sub000/internal/notify"
	"github.com/juank159/agendity-backend-sub000/internal/outbox"
	"github.com/juank159/agendity-backend-sub000/internal/reminder"
	"github.com/juank159/agendity-backend-sub000/internal/storage"
	"github.com/juank159/agendity-backend-sub000/libs/config"
	"github.com/juank159/agendity-backend-sub000/libs/db"
	"github.com/juank159/agendity-backend-sub000/libs/httpx"
	"github.com/juank159/agendity-backend-sub000/libs/kafkax"
	otelx "github.com/juank159/agendity-backend-sub000/libs/otel"
	"github.com/juank159/agendity-backend-sub000/libs/runtime"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	serviceName = "agendity"

	topicAppointmentCreated   = "booking.appointment.created.v1"
	topicAppointmentCancelled = "booking.appointment.cancelled.v1"

	// Advisory-lock key for daily-sweep single-flight across instances.
	sweepLockKey int64 = 0x61676e64 // "agnd"
)

func main() {
	_ = godotenv.Load()
	logger := runtime.NewLogger(serviceName)

	if err := run(logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := runtime.SignalContext()
	defer stop()

	port, err := config.Port("PORT", "8080")
	if err != nil {
		return err
	}
	databaseURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return err
	}
	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		return err
	}
	brokers := config.String("KAFKA_BROKERS", "")

	loc, err := time.LoadLocation(config.String("BUSINESS_TIMEZONE", "America/Bogota"))
	if err != nil {
		return fmt.Errorf("invalid BUSINESS_TIMEZONE: %w", err)
	}

	shutdownTracing, err := otelx.Setup(ctx, otelx.ConfigFromEnv(serviceName))
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	pool, err := db.Open(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer pool.Close()

	apptRepo := storage.NewAppointmentRepository(pool)
	subRepo := storage.NewSubscriptionRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	inboxRepo := inbox.NewRepository(pool)

	sender, err := buildSender(logger)
	if err != nil {
		return err
	}

	scheduler := reminder.NewScheduler(reminder.SchedulerConfig{
		Store: apptRepo,
		OpenClaim: func(ctx context.Context, id string, at time.Time) (reminder.Claim, error) {
			return apptRepo.OpenReminderClaim(ctx, outboxRepo, id, at)
		},
		Registry:     reminder.NewRegistry(logger, nil, nil),
		Sender:       sender,
		Entitlements: billing.NewProvider(subRepo),
		Events:       outboxRepo,
		Lock:         storage.NewAdvisoryLock(pool, sweepLockKey),
		Logger:       logger,
		Location:     loc,
		SweepHour:    config.Int("SWEEP_HOUR", 8),
	})
	go scheduler.Run(ctx)

	go outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers: brokers,
	}).Run(ctx)

	if brokers != "" {
		groupID := config.String("KAFKA_GROUP_ID", serviceName)
		go consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topicAppointmentCreated,
		}, appointmentCreatedHandler(logger, apptRepo, scheduler)).Run(ctx)
		go consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topicAppointmentCancelled,
		}, appointmentCancelledHandler(logger, scheduler)).Run(ctx)
	} else {
		logger.Warn("kafka consumers disabled (no brokers configured)")
	}

	readyChecks := []runtime.ReadyCheck{
		{Name: "postgres", Check: db.ReadyCheck(pool)},
	}
	if brokers != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)

	reminderHandler := handlers.NewReminderHandler(scheduler, logger)
	reminderHandler.Register(mux,
		handlers.RequireJWT(jwtSecret),
		handlers.RequireAdminKey(config.String("ADMIN_API_KEY_HASH", "")),
	)

	if stripeSecret := config.String("STRIPE_WEBHOOK_SECRET", ""); stripeSecret != "" {
		mux.Handle("POST /v1/billing/stripe/webhook",
			billing.NewWebhookHandler(subRepo, outboxRepo, logger, stripeSecret, 0))
	}

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(30*time.Second),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: splitCSV(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}),
		rateLimitMiddleware(logger),
	)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(handler, "http.server"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// appointmentEvent is the envelope booking publishes; the appointment is
// re-read from the database so stale event payloads cannot mis-schedule.
type appointmentEvent struct {
	AppointmentID string `json:"appointment_id"`
	OwnerID       string `json:"owner_id"`
}

func appointmentCreatedHandler(logger *slog.Logger, repo *storage.AppointmentRepository, scheduler *reminder.Scheduler) consumer.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt appointmentEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return fmt.Errorf("invalid appointment.created payload: %w", err)
		}
		appt, err := repo.FindByID(ctx, evt.OwnerID, evt.AppointmentID)
		if err != nil {
			if storage.IsNotFound(err) {
				logger.Warn("appointment.created for unknown appointment", "appointment_id", evt.AppointmentID)
				return nil
			}
			return err
		}
		scheduler.HandleAppointmentCreated(ctx, appt)
		return nil
	}
}

func appointmentCancelledHandler(_ *slog.Logger, scheduler *reminder.Scheduler) consumer.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt appointmentEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return fmt.Errorf("invalid appointment.cancelled payload: %w", err)
		}
		scheduler.HandleAppointmentCancelled(ctx, evt.AppointmentID)
		return nil
	}
}

// buildSender assembles the notification mux from the environment:
// webhook SMS when configured, the gRPC provider when compiled in, a noop
// sender otherwise, plus SMTP email.
func buildSender(logger *slog.Logger) (notify.Sender, error) {
	var sms notify.SMSSender
	switch {
	case config.String("SMS_WEBHOOK_URL", "") != "":
		sms = notify.NewWebhookSMSSender(config.String("SMS_WEBHOOK_URL", ""), config.String("SMS_WEBHOOK_TOKEN", ""))
	case config.String("SMS_GRPC_ADDR", "") != "":
		grpcSender, err := notify.NewGRPCSMSSender(config.String("SMS_GRPC_ADDR", ""))
		if err != nil {
			return nil, fmt.Errorf("sms grpc provider: %w", err)
		}
		if grpcSender != nil {
			sms = grpcSender
			break
		}
		logger.Warn("sms grpc provider not compiled in, using noop sender")
		fallthrough
	default:
		sms = notify.NewNoopSMSSender()
	}

	var email notify.EmailSender
	if host := config.String("SMTP_HOST", ""); host != "" {
		email = notify.NewSMTPEmailSender(host, config.String("SMTP_PORT", "587"), config.String("SMTP_FROM", ""))
	}

	return notify.NewMux(sms, email), nil
}

func rateLimitMiddleware(logger *slog.Logger) httpx.Middleware {
	limit := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: config.String("REDIS_PASSWORD", "")})
		return httpx.NewRedisRateLimiter(rdb, limit, time.Minute, serviceName).Middleware(logger, true)
	}
	return httpx.NewRateLimiter(limit, time.Minute).Middleware()
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
