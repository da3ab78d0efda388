package api

import (
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

type CreateBookingRequest struct {
	ProviderID  string                  `json:"provider_id"`
	Date        string                  `json:"date"`
	Time        string                  `json:"time"`
	Patient     appointment.PatientInfo `json:"patient"`
	AmountCents int64                   `json:"amount_cents"`
	Method      string                  `json:"method,omitempty"`
	Visitor     appointment.Visitor     `json:"visitor"`
}

type ProposeTimeRequest struct {
	Time string `json:"time"`
	Date string `json:"date,omitempty"`
}

type PaymentWebhookRequest struct {
	ExternalRef string `json:"external_ref"`
	Status      string `json:"status"`
}

type SlotsResponse struct {
	ProviderID uuid.UUID          `json:"provider_id"`
	Date       string             `json:"date"`
	Slots      []appointment.Slot `json:"slots"`
}

type SlotsRangeResponse struct {
	ProviderID uuid.UUID                     `json:"provider_id"`
	From       string                        `json:"from"`
	To         string                        `json:"to"`
	Days       map[string][]appointment.Slot `json:"days"`
}

type RequestsResponse struct {
	ProviderID uuid.UUID             `json:"provider_id"`
	Requests   []appointment.Booking `json:"requests"`
}

// StreamMessage is one websocket frame: a snapshot of open requests on
// connect, then one change per frame.
type StreamMessage struct {
	Type     string                   `json:"type"`
	Requests []appointment.Booking    `json:"requests,omitempty"`
	Change   *appointment.ChangeEvent `json:"change,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}
