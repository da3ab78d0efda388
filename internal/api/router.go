package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// BookingService is the part of appointment.Service the HTTP layer uses.
type BookingService interface {
	ComputeSlots(ctx context.Context, providerID uuid.UUID, date appointment.Date) ([]appointment.Slot, error)
	ComputeSlotsRange(ctx context.Context, providerID uuid.UUID, from, to appointment.Date) (map[string][]appointment.Slot, error)
	AttemptBooking(ctx context.Context, req appointment.BookingRequest) (*appointment.BookingResult, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*appointment.Booking, error)
	ListOpenRequests(ctx context.Context, providerID uuid.UUID) ([]appointment.Booking, error)
	Accept(ctx context.Context, id uuid.UUID) (*appointment.Booking, error)
	Reject(ctx context.Context, id uuid.UUID) (*appointment.Booking, error)
	ProposeNewTime(ctx context.Context, id uuid.UUID, t appointment.TimeOfDay, date *appointment.Date) (*appointment.Booking, error)
	Subscribe(ctx context.Context, providerID uuid.UUID, onChange func(appointment.ChangeEvent)) (func(), error)
	HandlePaymentUpdate(ctx context.Context, externalRef string, status appointment.PaymentStatus) (*appointment.Booking, error)
}

type RouterConfig struct {
	Service       BookingService
	Postgres      Pinger
	Redis         Pinger
	Logger        zerolog.Logger
	WebhookSecret string
	Env           string
	Version       string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/providers/{providerID}", func(r chi.Router) {
		r.Get("/slots", listSlotsHandler(cfg.Service))
		r.Get("/requests", listRequestsHandler(cfg.Service))
		r.Get("/requests/stream", streamRequestsHandler(cfg.Service))
	})

	r.Route("/bookings", func(r chi.Router) {
		r.Post("/", createBookingHandler(cfg.Service))
		r.Get("/{id}", getBookingHandler(cfg.Service))
		r.Post("/{id}/accept", acceptBookingHandler(cfg.Service))
		r.Post("/{id}/reject", rejectBookingHandler(cfg.Service))
		r.Post("/{id}/propose", proposeTimeHandler(cfg.Service))
	})

	r.Post("/payments/webhook", paymentWebhookHandler(cfg.Service, cfg.WebhookSecret))

	return r
}
