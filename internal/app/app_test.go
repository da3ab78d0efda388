package app

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/payment"
)

func TestNewPaymentProvider(t *testing.T) {
	cfg := config.Config{
		NotifyBaseURL: "https://clinica.example.com",
		Payment: config.PaymentConfig{
			Provider:     "sandbox",
			PixKey:       "clinica@example.com",
			MerchantName: "CLINICA",
			MerchantCity: "SAO PAULO",
			PixExpiry:    15 * time.Minute,
		},
	}

	p, err := NewPaymentProvider(cfg)
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	if _, ok := p.(*payment.Sandbox); !ok {
		t.Fatalf("expected *payment.Sandbox, got %T", p)
	}

	cfg.Payment.PixKey = strings.Repeat("k", 78)
	if _, err := NewPaymentProvider(cfg); !errors.Is(err, payment.ErrInvalidPixKey) {
		t.Fatalf("expected ErrInvalidPixKey for an oversized key, got %v", err)
	}

	cfg.Payment.Provider = "http"
	cfg.Payment.APIURL = "https://pay.example.com"
	p, err = NewPaymentProvider(cfg)
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	if _, ok := p.(*payment.HTTPGateway); !ok {
		t.Fatalf("expected *payment.HTTPGateway, got %T", p)
	}

	cfg.Payment.Provider = "boleto"
	if _, err := NewPaymentProvider(cfg); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
