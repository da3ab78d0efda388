package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

const webhookSecretHeader = "X-Webhook-Secret"

func listSlotsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "providerID", "invalid_provider_id")
		if !ok {
			return
		}

		q := r.URL.Query()
		if q.Get("date") == "" && (q.Get("from") != "" || q.Get("to") != "") {
			from, err := appointment.ParseDate(q.Get("from"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "from must be YYYY-MM-DD")
				return
			}
			to, err := appointment.ParseDate(q.Get("to"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "to must be YYYY-MM-DD")
				return
			}

			days, err := svc.ComputeSlotsRange(r.Context(), providerID, from, to)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, SlotsRangeResponse{
				ProviderID: providerID,
				From:       from.String(),
				To:         to.String(),
				Days:       days,
			})
			return
		}

		date, err := appointment.ParseDate(q.Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slots, err := svc.ComputeSlots(r.Context(), providerID, date)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotsResponse{ProviderID: providerID, Date: date.String(), Slots: slots})
	}
}

func createBookingHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		providerID, err := uuid.Parse(req.ProviderID)
		if err != nil {
			writeFieldError(w, "provider_id", "provider_id must be a valid UUID")
			return
		}
		date, err := appointment.ParseDate(req.Date)
		if err != nil {
			writeFieldError(w, "date", "date must be YYYY-MM-DD")
			return
		}
		tm, err := appointment.ParseTimeOfDay(req.Time)
		if err != nil {
			writeFieldError(w, "time", "time must be HH:MM")
			return
		}

		res, err := svc.AttemptBooking(r.Context(), appointment.BookingRequest{
			ProviderID:  providerID,
			Date:        date,
			Time:        tm,
			Patient:     req.Patient,
			AmountCents: req.AmountCents,
			Method:      req.Method,
			Visitor:     req.Visitor,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, res)
	}
}

func getBookingHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_id")
		if !ok {
			return
		}
		b, err := svc.GetBooking(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func listRequestsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "providerID", "invalid_provider_id")
		if !ok {
			return
		}
		list, err := svc.ListOpenRequests(r.Context(), providerID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, RequestsResponse{ProviderID: providerID, Requests: list})
	}
}

func acceptBookingHandler(svc BookingService) http.HandlerFunc {
	return bookingTransition(svc.Accept)
}

func rejectBookingHandler(svc BookingService) http.HandlerFunc {
	return bookingTransition(svc.Reject)
}

func bookingTransition(apply func(ctx context.Context, id uuid.UUID) (*appointment.Booking, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_id")
		if !ok {
			return
		}
		b, err := apply(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func proposeTimeHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_id")
		if !ok {
			return
		}

		var req ProposeTimeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		tm, err := appointment.ParseTimeOfDay(req.Time)
		if err != nil {
			writeFieldError(w, "time", "time must be HH:MM")
			return
		}
		var date *appointment.Date
		if req.Date != "" {
			d, err := appointment.ParseDate(req.Date)
			if err != nil {
				writeFieldError(w, "date", "date must be YYYY-MM-DD")
				return
			}
			date = &d
		}

		b, err := svc.ProposeNewTime(r.Context(), id, tm, date)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func paymentWebhookHandler(svc BookingService, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			writeError(w, http.StatusServiceUnavailable, "webhook_disabled", "WEBHOOK_SECRET is not configured")
			return
		}
		got := r.Header.Get(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
			return
		}

		var req PaymentWebhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		status := appointment.PaymentStatus(strings.ToLower(strings.TrimSpace(req.Status)))
		b, err := svc.HandlePaymentUpdate(r.Context(), req.ExternalRef, status)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps service errors onto HTTP statuses. Unexpected
// errors are logged and hidden from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *appointment.ValidationError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Details: verr.Error(), Field: verr.Field})
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrConflict):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, appointment.ErrPaymentProvider):
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("payment provider failure")
		writeError(w, http.StatusBadGateway, "payment_failed", "could not create payment, please try again")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeFieldError(w http.ResponseWriter, field, details string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Details: details, Field: field})
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
