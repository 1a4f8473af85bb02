/**
 * @description
 * This package provides a client for the crypto payment gateway's invoice API.
 * It encapsulates the logic for making authenticated HTTP requests to the
 * gateway's endpoints, handling request body construction, parsing responses,
 * and verifying the authenticity of inbound IPN callbacks.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, crypto/sha512, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package paymentgateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"
)

// ErrBadSignature is returned when an inbound callback's HMAC signature does
// not match the payload.
var ErrBadSignature = errors.New("callback signature mismatch")

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	IPNSecret  string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiKey, ipnSecret string) *Client {
	return &Client{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		IPNSecret: ipnSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// InvoiceRequest is the payload for creating a gateway invoice.
type InvoiceRequest struct {
	PriceAmount      float64 `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	PayCurrency      string  `json:"pay_currency"`
	OrderID          string  `json:"order_id"`
	OrderDescription string  `json:"order_description"`
}

// InvoiceResponse is the expected response from the invoice endpoint.
type InvoiceResponse struct {
	ID         string `json:"id"`
	InvoiceURL string `json:"invoice_url"`
}

// PaymentStatusResponse is the expected response from the payment query endpoint.
type PaymentStatusResponse struct {
	PaymentID     string `json:"payment_id"`
	PaymentStatus string `json:"payment_status"`
	OrderID       string `json:"order_id"`
}

// ErrorResponse represents an error envelope from the gateway API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment gateway error: %s - %s", e.Code, e.Message)
	}
	return fmt.Sprintf("payment gateway error (status %d)", e.StatusCode)
}

// CreateInvoice asks the gateway to create a hosted invoice for the given
// order and returns the invoice URL the user should be redirected to.
func (c *Client) CreateInvoice(ctx context.Context, orderID string, amount float64, currency, cryptoAsset string) (string, error) {
	payload := InvoiceRequest{
		PriceAmount:      amount,
		PriceCurrency:    currency,
		PayCurrency:      cryptoAsset,
		OrderID:          orderID,
		OrderDescription: "Payment for order " + orderID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal invoice request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/invoice", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create invoice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

	var invoice InvoiceResponse
	if err := c.do(req, "create_invoice", &invoice); err != nil {
		return "", err
	}
	if invoice.InvoiceURL == "" {
		return "", fmt.Errorf("invoice response missing invoice_url for order %s", orderID)
	}
	return invoice.InvoiceURL, nil
}

// GetPaymentStatus queries the gateway for the current status string of a payment.
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/payment/"+paymentID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("x-api-key", c.APIKey)

	var status PaymentStatusResponse
	if err := c.do(req, "payment_status", &status); err != nil {
		return "", err
	}
	return status.PaymentStatus, nil
}

// do executes a request and decodes either the success shape or the gateway's
// error envelope. Transport failures and timeouts surface as wrapped errors so
// the caller treats them the same as gateway-reported failures.
func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=payment_gateway op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		errResp.StatusCode = resp.StatusCode
		log.Printf("level=warn component=payment_gateway op=%s status=%d code=%q message=%q", op, resp.StatusCode, errResp.Code, errResp.Message)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// VerifyCallbackSignature checks the HMAC-SHA512 signature the gateway sends
// with IPN callbacks. The signature is computed over the raw payload re-encoded
// with its top-level keys sorted, matching the gateway's IPN contract. An empty
// configured secret disables verification (the caller decides whether that is
// acceptable and should warn loudly).
func (c *Client) VerifyCallbackSignature(rawPayload []byte, signature string) error {
	if c.IPNSecret == "" {
		return nil
	}
	if signature == "" {
		return ErrBadSignature
	}

	canonical, err := canonicalizePayload(rawPayload)
	if err != nil {
		return fmt.Errorf("failed to canonicalize callback payload: %w", err)
	}

	mac := hmac.New(sha512.New, []byte(c.IPNSecret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// canonicalizePayload re-encodes a JSON object with its top-level keys in
// sorted order, which is the form the gateway signs.
func canonicalizePayload(raw []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
