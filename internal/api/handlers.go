/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/numera/ledger-service/internal/app"
	"github.com/numera/ledger-service/internal/domain"
	"github.com/numera/ledger-service/internal/store"
	"github.com/numera/ledger-service/pkg/paymentgateway"
)

// CallbackVerifier checks the authenticity of a raw gateway callback body.
type CallbackVerifier interface {
	VerifyCallbackSignature(rawPayload []byte, signature string) error
}

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service  *app.Service
	verifier CallbackVerifier
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service, verifier CallbackVerifier) *LedgerHandlers {
	return &LedgerHandlers{service: service, verifier: verifier}
}

// CreateDepositHandler requests a hosted invoice for a balance top-up.
func (h *LedgerHandlers) CreateDepositHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := GetAuthUsername(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req domain.CreateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	invoiceURL, err := h.service.CreateDeposit(r.Context(), username, req)
	if err != nil {
		h.writeServiceError(w, err, "deposit creation failed")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"invoice_url": invoiceURL})
}

// PaymentCallbackHandler ingests gateway payment notifications. The raw body
// is read once so the HMAC check and the JSON decode see identical bytes.
func (h *LedgerHandlers) PaymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	if h.verifier != nil {
		signature := r.Header.Get("x-nowpayments-sig")
		if err := h.verifier.VerifyCallbackSignature(rawBody, signature); err != nil {
			log.Printf("level=warn component=api msg=\"callback signature rejected\" err=%v", err)
			h.writeError(w, http.StatusForbidden, "Invalid callback signature")
			return
		}
	}

	var cb domain.PaymentCallback
	if err := json.Unmarshal(rawBody, &cb); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid callback payload")
		return
	}

	if err := h.service.ProcessPaymentCallback(r.Context(), cb); err != nil {
		switch {
		case errors.Is(err, app.ErrMalformedCallback):
			h.writeError(w, http.StatusBadRequest, "Callback is missing required fields")
		case errors.Is(err, app.ErrUnknownOrder):
			h.writeError(w, http.StatusNotFound, "Unknown order id")
		case errors.Is(err, app.ErrUnmappedStatus):
			h.writeError(w, http.StatusBadRequest, "Unrecognized payment status")
		case errors.Is(err, app.ErrIllegalTransition):
			// Acknowledged but refused: the gateway should not retry an
			// anomalous transition.
			h.writeError(w, http.StatusConflict, "Transition not allowed for current transaction state")
		default:
			log.Printf("level=error component=api msg=\"callback processing failed\" order_id=%s err=%v", cb.OrderID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PaymentStatusHandler proxies a status probe to the payment gateway.
func (h *LedgerHandlers) PaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	if strings.TrimSpace(paymentID) == "" {
		h.writeError(w, http.StatusBadRequest, "Payment id required")
		return
	}

	status, err := h.service.QueryPaymentStatus(r.Context(), paymentID)
	if err != nil {
		var gatewayErr *paymentgateway.ErrorResponse
		if errors.As(err, &gatewayErr) {
			h.writeError(w, http.StatusBadGateway, "Payment gateway rejected the request")
			return
		}
		log.Printf("level=error component=api msg=\"payment status probe failed\" payment_id=%s err=%v", paymentID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"payment_status": status})
}

// GetBalanceHandler returns the caller's ledger balance in cents.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := GetAuthUsername(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	balance, err := h.service.GetBalance(r.Context(), username)
	if err != nil {
		h.writeServiceError(w, err, "balance lookup failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"balance_cents": balance})
}

// ListTransactionsHandler returns the caller's payment transactions.
func (h *LedgerHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := GetAuthUsername(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	transactions, err := h.service.ListUserTransactions(r.Context(), username)
	if err != nil {
		h.writeServiceError(w, err, "transaction listing failed")
		return
	}

	h.writeJSON(w, http.StatusOK, transactions)
}

// ListAllTransactionsHandler returns every settled transaction (admin reporting).
func (h *LedgerHandlers) ListAllTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	transactions, err := h.service.ListAllTransactions(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"all-transactions listing failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, transactions)
}

// AdjustBalanceHandler is the administrative balance override endpoint.
func (h *LedgerHandlers) AdjustBalanceHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.AdjustBalance(r.Context(), req); err != nil {
		h.writeServiceError(w, err, "balance adjustment failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PurchaseNumberHandler acquires a number from the provider and charges the caller.
func (h *LedgerHandlers) PurchaseNumberHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := GetAuthUsername(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req domain.PurchaseNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	number, err := h.service.PurchaseNumber(r.Context(), username, req)
	if err != nil {
		var limitErr *app.RateLimitError
		if errors.As(err, &limitErr) {
			w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfterSeconds))
			h.writeError(w, http.StatusTooManyRequests, "Too many purchase attempts. Please wait and try again.")
			return
		}
		h.writeServiceError(w, err, "number purchase failed")
		return
	}

	h.writeJSON(w, http.StatusCreated, number)
}

// ReturnNumberHandler releases a rented number and refunds its price.
func (h *LedgerHandlers) ReturnNumberHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := GetAuthUsername(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req domain.ReturnNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	message, err := h.service.ReturnNumber(r.Context(), username, req.PhoneNumber)
	if err != nil {
		h.writeServiceError(w, err, "number return failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

// ListNumbersHandler returns the numbers the caller currently owns.
func (h *LedgerHandlers) ListNumbersHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := GetAuthUsername(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	numbers, err := h.service.ListUserNumbers(r.Context(), username)
	if err != nil {
		h.writeServiceError(w, err, "number listing failed")
		return
	}

	h.writeJSON(w, http.StatusOK, numbers)
}

// TransferNumberHandler moves a number from the caller to another user.
func (h *LedgerHandlers) TransferNumberHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := GetAuthUsername(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req domain.TransferNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.TransferNumber(r.Context(), username, req); err != nil {
		h.writeServiceError(w, err, "number transfer failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Phone number transferred successfully."})
}

// FetchMessagesHandler relays the SMS messages received on a number the caller owns.
func (h *LedgerHandlers) FetchMessagesHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := GetAuthUsername(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	phoneNumber := chi.URLParam(r, "number")
	messages, err := h.service.FetchSMSMessages(r.Context(), username, phoneNumber)
	if err != nil {
		h.writeServiceError(w, err, "message fetch failed")
		return
	}

	h.writeJSON(w, http.StatusOK, messages)
}

// GetMarkupHandler returns the global resale markup.
func (h *LedgerHandlers) GetMarkupHandler(w http.ResponseWriter, r *http.Request) {
	markup, err := h.service.GetMarkup(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"markup lookup failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, markup)
}

// UpdateMarkupHandler sets the global resale markup percentage.
func (h *LedgerHandlers) UpdateMarkupHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent float64 `json:"percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	markup, err := h.service.UpdateMarkup(r.Context(), req.Percent)
	if err != nil {
		h.writeServiceError(w, err, "markup update failed")
		return
	}

	h.writeJSON(w, http.StatusOK, markup)
}

// QuoteServicePriceHandler applies the resale markup to a provider base price.
func (h *LedgerHandlers) QuoteServicePriceHandler(w http.ResponseWriter, r *http.Request) {
	baseStr := r.URL.Query().Get("base_cents")
	baseCents, err := strconv.ParseInt(baseStr, 10, 64)
	if err != nil || baseCents < 0 {
		h.writeError(w, http.StatusBadRequest, "base_cents must be a non-negative integer")
		return
	}

	quote, err := h.service.QuoteServicePrice(r.Context(), baseCents)
	if err != nil {
		log.Printf("level=error component=api msg=\"price quote failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"price_cents": quote})
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, store.ErrPhoneNumberNotFound):
		h.writeError(w, http.StatusNotFound, "Phone number not found")
	case errors.Is(err, store.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient balance")
	case errors.Is(err, store.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "Amount must be greater than zero")
	case errors.Is(err, store.ErrDuplicateOrderID):
		h.writeError(w, http.StatusConflict, "Order id already exists")
	case errors.Is(err, app.ErrUnsupportedRentalType):
		h.writeError(w, http.StatusBadRequest, "Unsupported rental type")
	case errors.Is(err, app.ErrProvisioningFailed):
		h.writeError(w, http.StatusBadGateway, "Number provider is unavailable")
	case errors.Is(err, app.ErrMissingOrderID):
		h.writeError(w, http.StatusBadRequest, "Order id is required")
	case errors.Is(err, app.ErrMalformedCallback):
		h.writeError(w, http.StatusBadRequest, "Missing required fields")
	default:
		var gatewayErr *paymentgateway.ErrorResponse
		if errors.As(err, &gatewayErr) {
			h.writeError(w, http.StatusBadGateway, "Payment gateway rejected the request")
			return
		}
		log.Printf("level=error component=api msg=%q err=%v", logMsg, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
