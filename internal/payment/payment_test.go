package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCRC16CCITT_KnownVector(t *testing.T) {
	if got := crc16CCITT([]byte("123456789")); got != 0x29B1 {
		t.Errorf("crc16 = %04X, want 29B1", got)
	}
}

func TestPixPayload_String(t *testing.T) {
	code := PixPayload{
		Key:          "clinica@example.com",
		MerchantName: "Clínica São João",
		MerchantCity: "São Paulo",
		AmountCents:  15050,
		TxID:         "sbx_abc-123",
	}.String()

	if !strings.HasPrefix(code, "000201") {
		t.Errorf("payload must start with format indicator, got %q", code[:6])
	}
	for _, want := range []string{"br.gov.bcb.pix", "5303986", "5406150.50", "5802BR", "Clinica Sao Joao", "sbxabc123"} {
		if !strings.Contains(code, want) {
			t.Errorf("payload %q missing %q", code, want)
		}
	}

	body, crc := code[:len(code)-4], code[len(code)-4:]
	if !strings.HasSuffix(body, "6304") {
		t.Fatalf("crc field header missing: %q", body)
	}
	if want := crcHex(body); crc != want {
		t.Errorf("crc = %s, want %s", crc, want)
	}
}

func crcHex(s string) string {
	const digits = "0123456789ABCDEF"
	v := crc16CCITT([]byte(s))
	return string([]byte{digits[v>>12&0xF], digits[v>>8&0xF], digits[v>>4&0xF], digits[v&0xF]})
}

func TestParseMethod(t *testing.T) {
	if m, err := ParseMethod(" PIX "); err != nil || m != MethodPix {
		t.Errorf("ParseMethod(PIX) = %q, %v", m, err)
	}
	if _, err := ParseMethod("boleto"); !errors.Is(err, ErrUnsupportedMethod) {
		t.Errorf("expected ErrUnsupportedMethod, got %v", err)
	}
}

func TestPixPayload_KeyLength(t *testing.T) {
	longest := strings.Repeat("a", maxPixKeyLen)
	code, err := PixPayload{Key: longest, MerchantName: "CLINICA", MerchantCity: "SAO PAULO"}.Encode()
	if err != nil {
		t.Fatalf("Encode with a %d byte key: %v", len(longest), err)
	}
	if !strings.Contains(code, "2699"+"0014br.gov.bcb.pix"+"0177"+longest) {
		t.Errorf("field 26 not encoded at full length: %s", code)
	}

	for _, key := range []string{"", "   ", strings.Repeat("a", maxPixKeyLen+1)} {
		if _, err := (PixPayload{Key: key}).Encode(); !errors.Is(err, ErrInvalidPixKey) {
			t.Errorf("key of %d bytes: expected ErrInvalidPixKey, got %v", len(key), err)
		}
	}
}

func TestSandbox_RejectsOversizedPixKey(t *testing.T) {
	sb := NewSandbox(strings.Repeat("x", 100), "CLINICA", "SAO PAULO", "", time.Minute)
	_, err := sb.CreateCharge(context.Background(), ChargeRequest{BookingID: uuid.New(), AmountCents: 100, Method: MethodPix})
	if !errors.Is(err, ErrInvalidPixKey) {
		t.Fatalf("expected ErrInvalidPixKey, got %v", err)
	}
}

func TestSandbox_PixCharge(t *testing.T) {
	sb := NewSandbox("clinica@example.com", "CLINICA", "SAO PAULO", "http://localhost:3000", 15*time.Minute)
	fixed := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	sb.now = func() time.Time { return fixed }

	id := uuid.New()
	charge, err := sb.CreateCharge(context.Background(), ChargeRequest{BookingID: id, AmountCents: 20000, Method: MethodPix})
	if err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	if !strings.HasPrefix(charge.ExternalRef, "sbx_") {
		t.Errorf("ExternalRef = %q", charge.ExternalRef)
	}
	if charge.PixCode == "" || charge.QRCodePNG == "" {
		t.Fatal("pix charge must carry code and qr image")
	}
	png, err := base64.StdEncoding.DecodeString(charge.QRCodePNG)
	if err != nil || !strings.HasPrefix(string(png), "\x89PNG") {
		t.Errorf("qr image is not a base64 PNG (err=%v)", err)
	}
	if !charge.ExpiresAt.Equal(fixed.Add(15 * time.Minute)) {
		t.Errorf("ExpiresAt = %s", charge.ExpiresAt)
	}
}

func TestSandbox_CardCharge(t *testing.T) {
	sb := NewSandbox("k", "n", "c", "http://localhost:3000/", time.Minute)
	charge, err := sb.CreateCharge(context.Background(), ChargeRequest{BookingID: uuid.New(), AmountCents: 100, Method: MethodCard})
	if err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	if !strings.HasPrefix(charge.CheckoutURL, "http://localhost:3000/checkout/sbx_") {
		t.Errorf("CheckoutURL = %q", charge.CheckoutURL)
	}
}

func TestSandbox_RejectsZeroAmount(t *testing.T) {
	sb := NewSandbox("k", "n", "c", "", time.Minute)
	if _, err := sb.CreateCharge(context.Background(), ChargeRequest{BookingID: uuid.New(), Method: MethodPix}); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestHTTPGateway_CreateCharge(t *testing.T) {
	var got gatewayChargeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/charges" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ch_1","pix_code":"00020101","expires_at":"2026-10-17T12:15:00Z"}`))
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL+"/", "key", time.Second)
	id := uuid.New()
	charge, err := gw.CreateCharge(context.Background(), ChargeRequest{BookingID: id, AmountCents: 5000, Method: MethodPix})
	if err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	if got.Reference != id.String() || got.AmountCents != 5000 {
		t.Errorf("request body = %+v", got)
	}
	if charge.ExternalRef != "ch_1" {
		t.Errorf("ExternalRef = %q", charge.ExternalRef)
	}
	if charge.QRCodePNG == "" {
		t.Error("qr should be rendered locally when gateway omits it")
	}
}

func TestHTTPGateway_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient funds", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "", time.Second)
	_, err := gw.CreateCharge(context.Background(), ChargeRequest{BookingID: uuid.New(), AmountCents: 5000, Method: MethodCard})
	if err == nil || !strings.Contains(err.Error(), "insufficient funds") {
		t.Errorf("expected gateway error with body, got %v", err)
	}
}
