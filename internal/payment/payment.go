// Package payment creates payable references for bookings. Provider
// specific request shapes stay behind the Provider interface.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Method string

const (
	MethodPix  Method = "pix"
	MethodCard Method = "card"
)

var ErrUnsupportedMethod = errors.New("unsupported payment method")

func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodPix, MethodCard:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
}

type Customer struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

type ChargeRequest struct {
	BookingID   uuid.UUID
	AmountCents int64
	Method      Method
	Description string
	Customer    Customer
	Metadata    map[string]string
}

// Charge is what the patient needs to pay: a checkout URL for cards or a
// copy-paste code plus QR image for PIX.
type Charge struct {
	ExternalRef string    `json:"external_ref"`
	Method      Method    `json:"method"`
	CheckoutURL string    `json:"checkout_url,omitempty"`
	PixCode     string    `json:"pix_code,omitempty"`
	QRCodePNG   string    `json:"qr_code_png,omitempty"` // base64
	ExpiresAt   time.Time `json:"expires_at"`
}

type Provider interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
}
