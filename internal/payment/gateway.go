package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPGateway creates charges on a payment service speaking a small JSON
// contract: POST {base}/charges.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type gatewayChargeRequest struct {
	Reference   string            `json:"reference"`
	AmountCents int64             `json:"amount_cents"`
	Method      Method            `json:"method"`
	Description string            `json:"description,omitempty"`
	Customer    Customer          `json:"customer"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type gatewayChargeResponse struct {
	ID          string    `json:"id"`
	CheckoutURL string    `json:"checkout_url"`
	PixCode     string    `json:"pix_code"`
	QRCodePNG   string    `json:"qr_code_png"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (g *HTTPGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	body, err := json.Marshal(gatewayChargeRequest{
		Reference:   req.BookingID.String(),
		AmountCents: req.AmountCents,
		Method:      req.Method,
		Description: req.Description,
		Customer:    req.Customer,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode charge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payment gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("payment gateway: %s: %s", resp.Status, strings.TrimSpace(string(slurp)))
	}

	var out gatewayChargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode charge response: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("payment gateway: response without charge id")
	}

	charge := &Charge{
		ExternalRef: out.ID,
		Method:      req.Method,
		CheckoutURL: out.CheckoutURL,
		PixCode:     out.PixCode,
		QRCodePNG:   out.QRCodePNG,
		ExpiresAt:   out.ExpiresAt,
	}
	if charge.PixCode != "" && charge.QRCodePNG == "" {
		if charge.QRCodePNG, err = RenderQR(charge.PixCode); err != nil {
			return nil, err
		}
	}
	return charge, nil
}
