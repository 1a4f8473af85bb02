/**
 * @description
 * This file defines the core domain models for the ledger-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout
 * the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are stored as `int64` to represent the value in cents (the smallest
 *   currency unit), which avoids floating-point inaccuracies with financial data.
 *   Gateway payloads that carry decimal amounts are converted at the boundary.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the lifecycle state of a payment transaction.
// PENDING is the initial state; FINISHED and FAILED are terminal.
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "PENDING"
	StatusFinished TransactionStatus = "FINISHED"
	StatusFailed   TransactionStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// PhoneNumberStatus is the assignment state of a rented phone number.
type PhoneNumberStatus string

const (
	NumberStatusActive    PhoneNumberStatus = "ACTIVE"
	NumberStatusAvailable PhoneNumberStatus = "AVAILABLE"
	NumberStatusAssigned  PhoneNumberStatus = "ASSIGNED"
)

// Rental types accepted by the purchase flow.
const (
	RentalShortTerm = "short_term"
	RentalLongTerm  = "long_term"
)

// User represents an account holder. The balance is the prepaid ledger balance
// in cents and is only ever mutated through the store's balance operations.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	BalanceCents int64     `json:"balance"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// PaymentTransaction is the ledger record correlating a local top-up order with
// the external payment gateway's invoice. OrderID is the caller-assigned
// idempotency key; ProviderTransactionID is set once the gateway confirms.
// Rows are never deleted so the ledger keeps a full audit trail.
type PaymentTransaction struct {
	ID                    uuid.UUID         `json:"id"`
	OrderID               string            `json:"order_id"`
	ProviderTransactionID *string           `json:"provider_transaction_id,omitempty"`
	AmountCents           int64             `json:"amount"`
	Currency              string            `json:"currency"`
	CryptoAsset           string            `json:"crypto_asset"`
	Status                TransactionStatus `json:"status"`
	Username              string            `json:"username"`
	CreatedAt             time.Time         `json:"created_at"`
}

// PhoneNumber is a rented virtual number owned by a user. A nil Username means
// the number sits in the unowned pool. ExpiresAt is computed from the
// provider's response at purchase time (relative TTL for short-term rentals,
// absolute timestamp for long-term ones).
type PhoneNumber struct {
	ID          uuid.UUID         `json:"id"`
	Number      string            `json:"phone_number"`
	ServiceName string            `json:"service_name"`
	ExternalID  string            `json:"external_id"`
	PriceCents  int64             `json:"price"`
	Status      PhoneNumberStatus `json:"status"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Username    *string           `json:"username,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Markup is the single global resale markup, in percent, applied on top of the
// provider's base price. Mutated administratively only.
type Markup struct {
	ID      int64   `json:"id"`
	Percent float64 `json:"percent"`
}

// SMSMessage is a message received on a rented number, as relayed by the
// provisioning provider. It is a transfer shape only; messages are not stored.
type SMSMessage struct {
	Date    string `json:"date"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// PaymentCallback is the inbound gateway notification shape. order_id and
// payment_status are required; payment_id and actually_paid are optional.
type PaymentCallback struct {
	OrderID       string  `json:"order_id"`
	PaymentID     string  `json:"payment_id,omitempty"`
	PaymentStatus string  `json:"payment_status"`
	ActuallyPaid  float64 `json:"actually_paid,omitempty"`
}

// CreateDepositRequest is the DTO for requesting a top-up invoice.
type CreateDepositRequest struct {
	OrderID     string  `json:"order_id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	CryptoAsset string  `json:"crypto"`
}

// PurchaseNumberRequest is the DTO for acquiring a number.
type PurchaseNumberRequest struct {
	ServiceName string  `json:"service_name"`
	Price       float64 `json:"price"`
	RentalType  string  `json:"rental_type"`
}

// ReturnNumberRequest is the DTO for releasing a rented number back to the provider.
type ReturnNumberRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// TransferNumberRequest is the DTO for moving a number between users. The donor
// is the authenticated caller; identity is always explicit, never ambient.
type TransferNumberRequest struct {
	PhoneNumber       string `json:"phone_number"`
	RecipientUsername string `json:"recipient_username"`
}

// AdjustBalanceRequest is the admin DTO for balance corrections.
// Op is one of "credit", "debit", "set".
type AdjustBalanceRequest struct {
	Username string  `json:"username"`
	Amount   float64 `json:"amount"`
	Op       string  `json:"op"`
}
