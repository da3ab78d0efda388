package payment

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Sandbox issues charges locally without talking to a payment company.
// PIX charges carry a real BR Code addressed to the configured key.
type Sandbox struct {
	PixKey       string
	MerchantName string
	MerchantCity string
	Expiry       time.Duration
	CheckoutBase string

	now func() time.Time
}

func NewSandbox(pixKey, merchantName, merchantCity, checkoutBase string, expiry time.Duration) *Sandbox {
	return &Sandbox{
		PixKey:       pixKey,
		MerchantName: merchantName,
		MerchantCity: merchantCity,
		Expiry:       expiry,
		CheckoutBase: strings.TrimRight(checkoutBase, "/"),
		now:          time.Now,
	}
}

func (s *Sandbox) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", req.AmountCents)
	}

	ref := "sbx_" + strings.ReplaceAll(req.BookingID.String(), "-", "")
	charge := &Charge{
		ExternalRef: ref,
		Method:      req.Method,
		ExpiresAt:   s.now().Add(s.Expiry),
	}

	switch req.Method {
	case MethodPix:
		code, err := PixPayload{
			Key:          s.PixKey,
			MerchantName: s.MerchantName,
			MerchantCity: s.MerchantCity,
			AmountCents:  req.AmountCents,
			TxID:         ref,
		}.Encode()
		if err != nil {
			return nil, err
		}
		charge.PixCode = code
		png, err := RenderQR(charge.PixCode)
		if err != nil {
			return nil, err
		}
		charge.QRCodePNG = png
	case MethodCard:
		charge.CheckoutURL = fmt.Sprintf("%s/checkout/%s", s.CheckoutBase, ref)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method)
	}

	return charge, nil
}
