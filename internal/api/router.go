package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-queue/internal/booking"
	"github.com/hackgods/clinic-booking-queue/internal/payment"
	"github.com/hackgods/clinic-booking-queue/internal/queue"
	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

type BookingService interface {
	CreateAppointment(ctx context.Context, in booking.CreateAppointmentInput) (*booking.Reservation, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*booking.AppointmentView, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
	IsSlotAvailable(ctx context.Context, doctorID, clinicID uuid.UUID, date, start string) (bool, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	CreatePaymentOrder(ctx context.Context, paymentID uuid.UUID) (*payment.Payment, error)
	ConfirmPayment(ctx context.Context, paymentID uuid.UUID, proof booking.VerificationProof) (*booking.Appointment, error)
	RefundPayment(ctx context.Context, paymentID uuid.UUID, in booking.RefundInput) (*payment.Payment, error)
}

type QueueService interface {
	GetQueue(ctx context.Context, queueID uuid.UUID) (*queue.ClinicQueue, error)
	CallNext(ctx context.Context, queueID uuid.UUID) (*queue.CallResult, error)
	Pause(ctx context.Context, queueID uuid.UUID) (*queue.ClinicQueue, error)
	Resume(ctx context.Context, queueID uuid.UUID) (*queue.ClinicQueue, error)
	Close(ctx context.Context, queueID uuid.UUID) (*queue.ClinicQueue, error)
	CheckIn(ctx context.Context, entryID uuid.UUID) (*queue.Entry, error)
	StartServing(ctx context.Context, entryID uuid.UUID) (*queue.Entry, error)
	CompleteServing(ctx context.Context, entryID uuid.UUID) (*queue.Entry, error)
	MarkNoShow(ctx context.Context, entryID uuid.UUID) (*queue.Entry, error)
	GetPositionByAppointment(ctx context.Context, appointmentID uuid.UUID) (*queue.Position, error)
}

type WebhookProcessor interface {
	Process(ctx context.Context, provider string, payload []byte, headers http.Header) (payment.Outcome, error)
}

type RouterConfig struct {
	Booking        BookingService
	Queue          QueueService
	Webhooks       WebhookProcessor
	Postgres       Pinger
	Redis          Pinger
	Metrics        http.Handler
	Logger         *logging.Logger
	JWTSecret      string
	RateLimit      int // requests per second per client IP; zero disables
	AllowedOrigins []string
	Env            string
	Version        string
}

type handlers struct {
	booking  BookingService
	queue    QueueService
	webhooks WebhookProcessor
	logger   *logging.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	h := &handlers{
		booking:  cfg.Booking,
		queue:    cfg.Queue,
		webhooks: cfg.Webhooks,
		logger:   cfg.Logger,
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// Provider callbacks authenticate by signature, not bearer token.
	r.Post("/webhooks/{provider}", h.webhook)

	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit, time.Second))
		}
		r.Use(Authenticate(cfg.JWTSecret))

		r.Get("/availability", h.availability)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RolePatient, RoleOperator))

			r.With(RequireRole(RolePatient)).Post("/appointments", h.createAppointment)
			r.Get("/appointments/{id}", h.getAppointment)
			r.Post("/appointments/{id}/cancel", h.cancelAppointment)
			r.Get("/queue/{id}/position", h.queuePosition)

			r.Post("/payments/{id}/order", h.createPaymentOrder)
			r.Post("/payments/{id}/verify", h.verifyPayment)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleOperator))

			r.Post("/payments/{id}/refund", h.refundPayment)

			r.Get("/queues/{id}", h.getQueue)
			r.Post("/queues/{id}/call-next", h.callNext)
			r.Post("/queues/{id}/pause", h.queueCommand(cfg.Queue.Pause))
			r.Post("/queues/{id}/resume", h.queueCommand(cfg.Queue.Resume))
			r.Post("/queues/{id}/close", h.queueCommand(cfg.Queue.Close))

			r.Post("/queue-entries/{id}/check-in", h.entryCommand(cfg.Queue.CheckIn))
			r.Post("/queue-entries/{id}/start", h.entryCommand(cfg.Queue.StartServing))
			r.Post("/queue-entries/{id}/complete", h.entryCommand(cfg.Queue.CompleteServing))
			r.Post("/queue-entries/{id}/no-show", h.entryCommand(cfg.Queue.MarkNoShow))
		})
	})

	return r
}
