/**
 * @description
 * This package provides a client for the number-rental provider's command-style
 * API. Every call is a GET request with `cmd`, `user` and `api_key` query
 * parameters plus command-specific arguments, answered by a
 * `{status: "ok"|..., message: ...}` envelope. The client normalizes transport
 * failures, non-2xx responses, and non-ok envelopes into a single error shape
 * so callers never have to distinguish a timeout from a provider-side refusal.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, net/url, time: Standard Go libraries.
 */
package numberprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProviderError is a normalized error from the provisioning provider: either a
// non-ok envelope, a transport failure, or a malformed response.
type ProviderError struct {
	Cmd     string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error for command %q: %s", e.Cmd, e.Message)
}

// Client is a client for the number-rental provider API.
type Client struct {
	APIURL     string
	User       string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new provider client.
func NewClient(apiURL, user, apiKey string) *Client {
	return &Client{
		APIURL: apiURL,
		User:   user,
		APIKey: apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// envelope is the provider's uniform response wrapper. Message is left raw
// because its shape depends on the command (object, list, or plain string).
type envelope struct {
	Status  string          `json:"status"`
	Message json.RawMessage `json:"message"`
}

// NumberDetails is a candidate number returned by the purchase commands.
// Short-term purchases carry TillExpiration (seconds of rental left);
// long-term ones carry Expires as an absolute "yyyy-MM-dd HH:mm:ss" timestamp.
type NumberDetails struct {
	MDN            string          `json:"mdn"`
	ID             json.RawMessage `json:"id"`
	TillExpiration int64           `json:"till_expiration,omitempty"`
	Expires        string          `json:"expires,omitempty"`
}

// ExternalID renders the provider-assigned handle as a string regardless of
// whether the provider sent it as a number or a string.
func (d NumberDetails) ExternalID() string {
	if len(d.ID) == 0 {
		return "N/A"
	}
	var s string
	if err := json.Unmarshal(d.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(d.ID, &n); err == nil {
		return n.String()
	}
	return string(d.ID)
}

// Message is one SMS received on a rented number.
type Message struct {
	DateTime string `json:"date_time"`
	From     string `json:"from"`
	Reply    string `json:"reply"`
}

// Purchase acquires a short-term number for the given service. The provider
// answers with a list of candidates; the first one is taken.
func (c *Client) Purchase(ctx context.Context, serviceName string) (*NumberDetails, error) {
	env, err := c.call(ctx, "purchase", url.Values{"service": {serviceName}})
	if err != nil {
		return nil, err
	}

	var candidates []NumberDetails
	if err := json.Unmarshal(env.Message, &candidates); err != nil {
		return nil, &ProviderError{Cmd: "purchase", Message: "malformed candidate list: " + err.Error()}
	}
	if len(candidates) == 0 {
		return nil, &ProviderError{Cmd: "purchase", Message: "no numbers available"}
	}
	return &candidates[0], nil
}

// PurchaseLongTerm acquires a long-term number for the given service and
// rental duration in days.
func (c *Client) PurchaseLongTerm(ctx context.Context, serviceName string, durationDays int) (*NumberDetails, error) {
	env, err := c.call(ctx, "purchase_long_term", url.Values{
		"service":  {serviceName},
		"duration": {strconv.Itoa(durationDays)},
	})
	if err != nil {
		return nil, err
	}

	var details NumberDetails
	if err := json.Unmarshal(env.Message, &details); err != nil {
		return nil, &ProviderError{Cmd: "purchase_long_term", Message: "malformed number details: " + err.Error()}
	}
	if details.MDN == "" {
		return nil, &ProviderError{Cmd: "purchase_long_term", Message: "no message in response"}
	}
	return &details, nil
}

// Reject cancels a short-term rental by provider id.
func (c *Client) Reject(ctx context.Context, externalID string) error {
	_, err := c.call(ctx, "reject", url.Values{"id": {externalID}})
	return err
}

// Release ends a long-term rental by number and service.
func (c *Client) Release(ctx context.Context, mdn, serviceName string) error {
	_, err := c.call(ctx, "ltr_release", url.Values{"mdn": {mdn}, "service": {serviceName}})
	return err
}

// FetchMessages returns the SMS messages received on a rented number. The
// provider signals an empty inbox with a non-ok "No messages" envelope, which
// is treated as an empty list rather than an error.
func (c *Client) FetchMessages(ctx context.Context, mdn string) ([]Message, error) {
	env, err := c.call(ctx, "read_sms", url.Values{"mdn": {mdn}})
	if err != nil {
		var provErr *ProviderError
		if errors.As(err, &provErr) && provErr.Message == "No messages" {
			return nil, nil
		}
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(env.Message, &messages); err != nil {
		return nil, &ProviderError{Cmd: "read_sms", Message: "malformed message list: " + err.Error()}
	}
	return messages, nil
}

// call performs one provider command and validates the envelope.
func (c *Client) call(ctx context.Context, cmd string, params url.Values) (*envelope, error) {
	query := url.Values{
		"cmd":     {cmd},
		"user":    {c.User},
		"api_key": {c.APIKey},
	}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}

	requestURL := c.APIURL + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &ProviderError{Cmd: cmd, Message: "failed to build request: " + err.Error()}
	}

	log.Printf("level=info component=number_provider cmd=%s msg=\"provider request\"", cmd)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Cmd: cmd, Message: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Cmd: cmd, Message: "failed to read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=number_provider cmd=%s status=%d msg=\"non-2xx response\"", cmd, resp.StatusCode)
		return nil, &ProviderError{Cmd: cmd, Message: fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		return nil, &ProviderError{Cmd: cmd, Message: "malformed response body: " + err.Error()}
	}

	if !strings.EqualFold(env.Status, "ok") {
		message := "unknown error"
		var text string
		if len(env.Message) > 0 && json.Unmarshal(env.Message, &text) == nil {
			message = text
		}
		log.Printf("level=warn component=number_provider cmd=%s status=%q message=%q", cmd, env.Status, message)
		return nil, &ProviderError{Cmd: cmd, Message: message}
	}

	return &env, nil
}
