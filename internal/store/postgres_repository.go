/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to users, payment transactions, phone numbers, and the resale markup.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/numera/ledger-service/internal/domain"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrPhoneNumberNotFound = errors.New("phone number not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrDuplicateOrderID    = errors.New("order id already exists")
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// methods run standalone or inside a WithinTx boundary.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db   querier
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool, pool: pool}
}

// WithinTx executes fn against a repository bound to a single database
// transaction. A nested call reuses the already-open transaction rather than
// opening a second one.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(Repository) error) error {
	if r.pool == nil {
		// Already inside a transaction; compose into it.
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindUserByUsername retrieves a user from the database by their username.
func (r *PostgresRepository) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, btrim(username), balance, role, created_at FROM users WHERE lower(btrim(username)) = lower(btrim($1))`
	err := r.db.QueryRow(ctx, query, username).Scan(&user.ID, &user.Username, &user.BalanceCents, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CreditBalance performs an atomic credit operation on a user's ledger balance.
func (r *PostgresRepository) CreditBalance(ctx context.Context, username string, amountCents int64) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}
	tag, err := r.db.Exec(ctx, `UPDATE users SET balance = balance + $1 WHERE lower(btrim(username)) = lower(btrim($2))`, amountCents, username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DebitBalance performs an atomic debit operation on a user's ledger balance.
// The balance read and write happen under a row lock so concurrent purchases
// against the same user cannot overdraw.
func (r *PostgresRepository) DebitBalance(ctx context.Context, username string, amountCents int64) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}

	debit := func(q querier) error {
		var balance int64
		// FOR UPDATE locks the row, preventing lost updates under concurrency.
		err := q.QueryRow(ctx, `SELECT balance FROM users WHERE lower(btrim(username)) = lower(btrim($1)) FOR UPDATE`, username).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return err
		}
		if balance < amountCents {
			return ErrInsufficientFunds
		}
		_, err = q.Exec(ctx, `UPDATE users SET balance = balance - $1 WHERE lower(btrim(username)) = lower(btrim($2))`, amountCents, username)
		return err
	}

	if r.pool == nil {
		return debit(r.db)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := debit(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetBalance overwrites a user's balance. Administrative override only.
func (r *PostgresRepository) SetBalance(ctx context.Context, username string, balanceCents int64) error {
	if balanceCents < 0 {
		return ErrInvalidAmount
	}
	tag, err := r.db.Exec(ctx, `UPDATE users SET balance = $1 WHERE lower(btrim(username)) = lower(btrim($2))`, balanceCents, username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateTransaction inserts a new payment transaction row.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (id, order_id, provider_transaction_id, amount, currency, crypto_asset, status, username)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID,
		tx.OrderID,
		tx.ProviderTransactionID,
		tx.AmountCents,
		tx.Currency,
		tx.CryptoAsset,
		tx.Status,
		tx.Username,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateOrderID
		}
		return err
	}
	return nil
}

// FindTransactionByOrderIDForUpdate retrieves a payment transaction by its
// order identifier and locks its row for the duration of the enclosing
// transaction. Callback deliveries for the same order serialize on this lock,
// so a concurrent duplicate observes the first delivery's committed status
// instead of a stale PENDING snapshot. Meant to run inside WithinTx.
func (r *PostgresRepository) FindTransactionByOrderIDForUpdate(ctx context.Context, orderID string) (*domain.PaymentTransaction, error) {
	var tx domain.PaymentTransaction
	query := `
		SELECT id, order_id, provider_transaction_id, amount, currency, crypto_asset, status, username, created_at
		FROM payment_transactions
		WHERE order_id = $1
		FOR UPDATE
	`
	err := r.db.QueryRow(ctx, query, orderID).Scan(
		&tx.ID,
		&tx.OrderID,
		&tx.ProviderTransactionID,
		&tx.AmountCents,
		&tx.Currency,
		&tx.CryptoAsset,
		&tx.Status,
		&tx.Username,
		&tx.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// UpdateTransactionOutcome writes the new status and, when supplied, the
// provider transaction id. Only these two fields are mutable after creation.
func (r *PostgresRepository) UpdateTransactionOutcome(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, providerTransactionID *string) error {
	query := `
		UPDATE payment_transactions
		SET status = $1,
		    provider_transaction_id = COALESCE($2, provider_transaction_id)
		WHERE id = $3
	`
	tag, err := r.db.Exec(ctx, query, status, providerTransactionID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// ListTransactionsByUsername returns a user's transactions, newest first.
func (r *PostgresRepository) ListTransactionsByUsername(ctx context.Context, username string) ([]domain.PaymentTransaction, error) {
	query := `
		SELECT id, order_id, provider_transaction_id, amount, currency, crypto_asset, status, username, created_at
		FROM payment_transactions
		WHERE lower(btrim(username)) = lower(btrim($1))
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListTransactions returns all transactions, optionally filtering out PENDING ones.
func (r *PostgresRepository) ListTransactions(ctx context.Context, includePending bool) ([]domain.PaymentTransaction, error) {
	query := `
		SELECT id, order_id, provider_transaction_id, amount, currency, crypto_asset, status, username, created_at
		FROM payment_transactions
		WHERE $1 OR status <> 'PENDING'
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, includePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]domain.PaymentTransaction, error) {
	var transactions []domain.PaymentTransaction
	for rows.Next() {
		var tx domain.PaymentTransaction
		if err := rows.Scan(
			&tx.ID,
			&tx.OrderID,
			&tx.ProviderTransactionID,
			&tx.AmountCents,
			&tx.Currency,
			&tx.CryptoAsset,
			&tx.Status,
			&tx.Username,
			&tx.CreatedAt,
		); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// CreatePhoneNumber inserts a rented number row.
func (r *PostgresRepository) CreatePhoneNumber(ctx context.Context, number *domain.PhoneNumber) error {
	query := `
		INSERT INTO phone_numbers (id, phone_number, service_name, external_id, price, status, expires_at, username)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		number.ID,
		number.Number,
		number.ServiceName,
		number.ExternalID,
		number.PriceCents,
		number.Status,
		number.ExpiresAt,
		number.Username,
	)
	return err
}

// FindPhoneNumberByValue retrieves a phone number record by the number string.
func (r *PostgresRepository) FindPhoneNumberByValue(ctx context.Context, value string) (*domain.PhoneNumber, error) {
	var number domain.PhoneNumber
	query := `
		SELECT id, phone_number, service_name, external_id, price, status, expires_at, username, created_at
		FROM phone_numbers
		WHERE phone_number = $1
	`
	err := r.db.QueryRow(ctx, query, value).Scan(
		&number.ID,
		&number.Number,
		&number.ServiceName,
		&number.ExternalID,
		&number.PriceCents,
		&number.Status,
		&number.ExpiresAt,
		&number.Username,
		&number.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPhoneNumberNotFound
		}
		return nil, err
	}
	return &number, nil
}

// FindPhoneNumbersByUsername returns all numbers owned by a user.
func (r *PostgresRepository) FindPhoneNumbersByUsername(ctx context.Context, username string) ([]domain.PhoneNumber, error) {
	query := `
		SELECT id, phone_number, service_name, external_id, price, status, expires_at, username, created_at
		FROM phone_numbers
		WHERE lower(btrim(username)) = lower(btrim($1))
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var numbers []domain.PhoneNumber
	for rows.Next() {
		var number domain.PhoneNumber
		if err := rows.Scan(
			&number.ID,
			&number.Number,
			&number.ServiceName,
			&number.ExternalID,
			&number.PriceCents,
			&number.Status,
			&number.ExpiresAt,
			&number.Username,
			&number.CreatedAt,
		); err != nil {
			return nil, err
		}
		numbers = append(numbers, number)
	}
	return numbers, rows.Err()
}

// DeletePhoneNumber removes a number row after a confirmed provider release.
func (r *PostgresRepository) DeletePhoneNumber(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM phone_numbers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPhoneNumberNotFound
	}
	return nil
}

// ReassignPhoneNumber moves a number to another user and marks it ASSIGNED.
func (r *PostgresRepository) ReassignPhoneNumber(ctx context.Context, id uuid.UUID, recipientUsername string) error {
	query := `UPDATE phone_numbers SET username = btrim($1), status = $2 WHERE id = $3`
	tag, err := r.db.Exec(ctx, query, recipientUsername, domain.NumberStatusAssigned, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPhoneNumberNotFound
	}
	return nil
}

// GetMarkup returns the global resale markup, creating the default row on first use.
func (r *PostgresRepository) GetMarkup(ctx context.Context) (*domain.Markup, error) {
	var markup domain.Markup
	err := r.db.QueryRow(ctx, `SELECT id, percent FROM markup ORDER BY id LIMIT 1`).Scan(&markup.ID, &markup.Percent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			insertErr := r.db.QueryRow(ctx, `INSERT INTO markup (percent) VALUES (0) RETURNING id, percent`).Scan(&markup.ID, &markup.Percent)
			if insertErr != nil {
				return nil, insertErr
			}
			return &markup, nil
		}
		return nil, err
	}
	return &markup, nil
}

// UpdateMarkup sets the global resale markup percentage.
func (r *PostgresRepository) UpdateMarkup(ctx context.Context, percent float64) (*domain.Markup, error) {
	current, err := r.GetMarkup(ctx)
	if err != nil {
		return nil, err
	}
	var markup domain.Markup
	err = r.db.QueryRow(ctx, `UPDATE markup SET percent = $1 WHERE id = $2 RETURNING id, percent`, percent, current.ID).Scan(&markup.ID, &markup.Percent)
	if err != nil {
		return nil, err
	}
	return &markup, nil
}
