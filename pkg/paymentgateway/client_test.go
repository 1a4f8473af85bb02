package paymentgateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateInvoice_ReturnsInvoiceURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/invoice" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Fatalf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"inv_1","invoice_url":"https://pay.example/inv_1"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "")
	url, err := client.CreateInvoice(context.Background(), "order-1", 20.0, "usd", "btc")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if url != "https://pay.example/inv_1" {
		t.Fatalf("unexpected invoice url %q", url)
	}
}

func TestCreateInvoice_GatewayErrorSurfacesEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"INVALID_AMOUNT","message":"amount too small"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "")
	_, err := client.CreateInvoice(context.Background(), "order-1", 0.0001, "usd", "btc")
	var gatewayErr *ErrorResponse
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected *ErrorResponse, got %v", err)
	}
	if gatewayErr.Code != "INVALID_AMOUNT" || gatewayErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected error envelope %+v", gatewayErr)
	}
}

func TestGetPaymentStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment/pay_42" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"payment_id":"pay_42","payment_status":"waiting","order_id":"order-1"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "")
	status, err := client.GetPaymentStatus(context.Background(), "pay_42")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if status != "waiting" {
		t.Fatalf("expected waiting, got %q", status)
	}
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyCallbackSignature(t *testing.T) {
	client := NewClient("http://unused", "key", "ipn-secret")

	// The gateway signs the payload with its keys sorted, regardless of the
	// order it sends them in.
	received := []byte(`{"payment_status":"success","order_id":"order-1","actually_paid":20}`)
	canonical := []byte(`{"actually_paid":20,"order_id":"order-1","payment_status":"success"}`)
	signature := signPayload("ipn-secret", canonical)

	if err := client.VerifyCallbackSignature(received, signature); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	if err := client.VerifyCallbackSignature(received, "deadbeef"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for wrong signature, got %v", err)
	}
	if err := client.VerifyCallbackSignature(received, ""); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for missing signature, got %v", err)
	}

	tampered := []byte(`{"payment_status":"success","order_id":"order-1","actually_paid":9000}`)
	if err := client.VerifyCallbackSignature(tampered, signature); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for tampered payload, got %v", err)
	}
}

func TestVerifyCallbackSignature_DisabledWithoutSecret(t *testing.T) {
	client := NewClient("http://unused", "key", "")
	if err := client.VerifyCallbackSignature([]byte(`{"order_id":"x"}`), ""); err != nil {
		t.Fatalf("expected verification to be disabled, got %v", err)
	}
}
