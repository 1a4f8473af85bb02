/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the ledger-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/numera/ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the ledger store.
//
// WithinTx runs fn against a repository view bound to a single database
// transaction. Every orchestrator operation that touches more than one record
// (transaction status, balance, phone-number row) composes its calls inside one
// WithinTx so that either all mutations commit or none do. Balance operations
// lock the user row, so concurrent operations on the same user serialize while
// different users proceed independently.
type Repository interface {
	WithinTx(ctx context.Context, fn func(Repository) error) error

	// Users and balances. All three mutators validate the amount and resolve
	// the username, returning ErrInvalidAmount, ErrInsufficientFunds or
	// ErrUserNotFound. The read-modify-write is atomic per user row.
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreditBalance(ctx context.Context, username string, amountCents int64) error
	DebitBalance(ctx context.Context, username string, amountCents int64) error
	SetBalance(ctx context.Context, username string, balanceCents int64) error

	// Payment transactions. Rows are append-only except for the outcome fields.
	CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) error
	// FindTransactionByOrderIDForUpdate locks the transaction row until the
	// enclosing WithinTx commits, serializing concurrent callback deliveries
	// for the same order.
	FindTransactionByOrderIDForUpdate(ctx context.Context, orderID string) (*domain.PaymentTransaction, error)
	UpdateTransactionOutcome(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, providerTransactionID *string) error
	ListTransactionsByUsername(ctx context.Context, username string) ([]domain.PaymentTransaction, error)
	ListTransactions(ctx context.Context, includePending bool) ([]domain.PaymentTransaction, error)

	// Phone numbers.
	CreatePhoneNumber(ctx context.Context, number *domain.PhoneNumber) error
	FindPhoneNumberByValue(ctx context.Context, value string) (*domain.PhoneNumber, error)
	FindPhoneNumbersByUsername(ctx context.Context, username string) ([]domain.PhoneNumber, error)
	DeletePhoneNumber(ctx context.Context, id uuid.UUID) error
	ReassignPhoneNumber(ctx context.Context, id uuid.UUID, recipientUsername string) error

	// Markup.
	GetMarkup(ctx context.Context) (*domain.Markup, error)
	UpdateMarkup(ctx context.Context, percent float64) (*domain.Markup, error)
}
