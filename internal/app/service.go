/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct orchestrates balance reconciliation, coordinating between the database
 * repository, the payment gateway client, the number-provisioning client, and
 * the message broker.
 *
 * Key features:
 * - Implements the main use cases: top-up deposits, gateway callback
 *   processing, number purchase, number return, and number transfer.
 * - Every operation that mutates more than one record runs inside a single
 *   repository transaction, so transaction status, balance, and phone-number
 *   rows commit together or not at all.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/numberprovider, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/numera/ledger-service/internal/domain"
	"github.com/numera/ledger-service/internal/store"
	"github.com/numera/ledger-service/pkg/numberprovider"
	"github.com/numera/ledger-service/pkg/rabbitmq"
)

const longTermExpiryLayout = "2006-01-02 15:04:05"

var (
	// ErrMalformedCallback means the inbound gateway callback is missing a
	// required field. Rejected before any lookup; no state change.
	ErrMalformedCallback = errors.New("malformed payment callback")

	// ErrUnknownOrder means no local transaction matches the callback's order
	// id. Callbacks never create transactions.
	ErrUnknownOrder = errors.New("unknown order id")

	// ErrMissingOrderID means a deposit request arrived without the
	// caller-assigned order id that correlates the gateway callback later.
	ErrMissingOrderID = errors.New("order id required")

	// ErrProvisioningFailed covers any failure of the number provider: non-ok
	// envelope, timeout, or malformed response.
	ErrProvisioningFailed = errors.New("number provisioning failed")

	// ErrUnsupportedRentalType is returned for a rental type outside
	// short_term/long_term.
	ErrUnsupportedRentalType = errors.New("unsupported rental type")
)

// RateLimitError is returned when a purchase attempt exceeds the configured
// per-user rate limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// RateLimiter is a distributed counter with a rolling window, keyed by scope
// and subject.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// InvoiceGateway is the outbound surface of the payment gateway the service needs.
type InvoiceGateway interface {
	CreateInvoice(ctx context.Context, orderID string, amount float64, currency, cryptoAsset string) (string, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (string, error)
}

// NumberProvisioner is the outbound surface of the number-rental provider.
type NumberProvisioner interface {
	Purchase(ctx context.Context, serviceName string) (*numberprovider.NumberDetails, error)
	PurchaseLongTerm(ctx context.Context, serviceName string, durationDays int) (*numberprovider.NumberDetails, error)
	Reject(ctx context.Context, externalID string) error
	Release(ctx context.Context, mdn, serviceName string) error
	FetchMessages(ctx context.Context, mdn string) ([]numberprovider.Message, error)
}

// Service provides the core business logic for the balance ledger.
type Service struct {
	repo                 store.Repository
	payments             InvoiceGateway
	numbers              NumberProvisioner
	events               rabbitmq.Publisher
	shortTermPriceCents  int64
	longTermDurationDays int

	purchaseRateLimiter        RateLimiter
	purchaseRateLimitPerMinute int
}

// SetPurchaseRateLimiter installs an optional distributed rate limiter for the
// purchase path. A nil limiter or non-positive limit disables throttling.
func (s *Service) SetPurchaseRateLimiter(limiter RateLimiter, perMinute int) {
	s.purchaseRateLimiter = limiter
	s.purchaseRateLimitPerMinute = perMinute
}

// NewService creates a new ledger service instance. shortTermPriceCents is the
// price tier threshold below which a returned number follows the short-term
// reject path instead of the long-term release path.
func NewService(
	repo store.Repository,
	payments InvoiceGateway,
	numbers NumberProvisioner,
	events rabbitmq.Publisher,
	shortTermPriceCents int64,
	longTermDurationDays int,
) *Service {
	return &Service{
		repo:                 repo,
		payments:             payments,
		numbers:              numbers,
		events:               events,
		shortTermPriceCents:  shortTermPriceCents,
		longTermDurationDays: longTermDurationDays,
	}
}

// Cents converts a decimal currency amount from a gateway payload into cents.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// CreateDeposit records a PENDING top-up transaction and requests a hosted
// invoice from the payment gateway. The PENDING row is kept even when the
// gateway call fails, so the order id stays correlated for support and audit.
func (s *Service) CreateDeposit(ctx context.Context, username string, req domain.CreateDepositRequest) (string, error) {
	amountCents := Cents(req.Amount)
	if amountCents <= 0 {
		return "", store.ErrInvalidAmount
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return "", ErrMissingOrderID
	}

	user, err := s.repo.FindUserByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("failed to find user: %w", err)
	}

	txRecord := &domain.PaymentTransaction{
		ID:          uuid.New(),
		OrderID:     strings.TrimSpace(req.OrderID),
		AmountCents: amountCents,
		Currency:    req.Currency,
		CryptoAsset: req.CryptoAsset,
		Status:      domain.StatusPending,
		Username:    user.Username,
	}
	if err := s.repo.CreateTransaction(ctx, txRecord); err != nil {
		return "", fmt.Errorf("failed to create transaction record: %w", err)
	}

	log.Printf("level=info component=ledger op=create_deposit order_id=%s username=%s amount=%d", txRecord.OrderID, user.Username, amountCents)

	invoiceURL, err := s.payments.CreateInvoice(ctx, txRecord.OrderID, req.Amount, req.Currency, req.CryptoAsset)
	if err != nil {
		log.Printf("level=warn component=ledger op=create_deposit order_id=%s msg=\"invoice creation failed; transaction stays PENDING\" err=%v", txRecord.OrderID, err)
		return "", fmt.Errorf("gateway invoice creation failed: %w", err)
	}

	return invoiceURL, nil
}

// ProcessPaymentCallback applies one gateway callback to the ledger.
//
// Delivery is at-least-once and unordered, so the whole path is idempotent:
// replays of "waiting", duplicate "success" deliveries, and late duplicates
// all converge on the same final state, and the balance is credited exactly
// once, on the PENDING -> FINISHED edge. The lookup, the transition decision,
// the status write and the credit all run inside one transaction, with the
// transaction row locked: a concurrent duplicate delivery blocks on the lock
// and then decides against the first delivery's committed status, never
// against a stale PENDING snapshot.
func (s *Service) ProcessPaymentCallback(ctx context.Context, cb domain.PaymentCallback) error {
	if strings.TrimSpace(cb.OrderID) == "" || strings.TrimSpace(cb.PaymentStatus) == "" {
		return ErrMalformedCallback
	}

	var (
		txRecord    *domain.PaymentTransaction
		step        transition
		creditCents int64
	)
	err := s.repo.WithinTx(ctx, func(r store.Repository) error {
		var err error
		txRecord, err = r.FindTransactionByOrderIDForUpdate(ctx, cb.OrderID)
		if err != nil {
			if errors.Is(err, store.ErrTransactionNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownOrder, cb.OrderID)
			}
			return fmt.Errorf("failed to look up transaction: %w", err)
		}

		mapped, err := mapProviderStatus(cb.PaymentStatus)
		if err != nil {
			log.Printf("level=warn component=ledger op=callback order_id=%s msg=\"unmapped gateway status\" status=%q", cb.OrderID, cb.PaymentStatus)
			return fmt.Errorf("%w: %q", ErrUnmappedStatus, cb.PaymentStatus)
		}

		step, err = nextTransition(txRecord.Status, mapped)
		if err != nil {
			log.Printf("level=warn component=ledger op=callback order_id=%s msg=\"gateway anomaly, transition refused\" current=%s incoming=%s", cb.OrderID, txRecord.Status, mapped)
			return err
		}

		if !step.Changed {
			return nil
		}

		// Prefer the amount the gateway reports as actually paid; fall back to
		// the invoiced amount when the callback omits it.
		creditCents = Cents(cb.ActuallyPaid)
		if creditCents <= 0 {
			creditCents = txRecord.AmountCents
		}

		if err := r.UpdateTransactionOutcome(ctx, txRecord.ID, step.NewStatus, optionalString(cb.PaymentID)); err != nil {
			return fmt.Errorf("failed to update transaction outcome: %w", err)
		}
		if step.CreditBalance {
			if err := r.CreditBalance(ctx, txRecord.Username, creditCents); err != nil {
				return fmt.Errorf("failed to credit balance: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !step.Changed {
		log.Printf("level=info component=ledger op=callback order_id=%s msg=\"no-op replay acknowledged\" status=%s", cb.OrderID, txRecord.Status)
		return nil
	}

	log.Printf("level=info component=ledger op=callback order_id=%s username=%s status=%s credited=%t", cb.OrderID, txRecord.Username, step.NewStatus, step.CreditBalance)

	if s.events != nil && step.CreditBalance {
		s.events.Publish(ctx, rabbitmq.LedgerExchange, "payment.finished", rabbitmq.PaymentFinishedEvent{
			OrderID:     txRecord.OrderID,
			Username:    txRecord.Username,
			AmountCents: creditCents,
			Timestamp:   time.Now().UTC(),
		})
	}

	return nil
}

// QueryPaymentStatus asks the gateway for the raw status string of a payment.
func (s *Service) QueryPaymentStatus(ctx context.Context, paymentID string) (string, error) {
	return s.payments.GetPaymentStatus(ctx, paymentID)
}

// PurchaseNumber acquires a number from the provider and charges the user.
//
// The funds pre-check happens before any provider call so the common
// insufficient-funds case never allocates provider-side state. The debit runs
// after provisioning succeeds, inside the same transaction that persists the
// number; if a concurrent operation drained the balance between pre-check and
// debit, the paid-for number is handed back to the provider with a
// compensating reject/release.
func (s *Service) PurchaseNumber(ctx context.Context, username string, req domain.PurchaseNumberRequest) (*domain.PhoneNumber, error) {
	priceCents := Cents(req.Price)
	if priceCents <= 0 {
		return nil, store.ErrInvalidAmount
	}

	if s.purchaseRateLimiter != nil && s.purchaseRateLimitPerMinute > 0 {
		count, retryAfter, limitErr := s.purchaseRateLimiter.ConsumeRateLimit(ctx, "purchase", username, s.purchaseRateLimitPerMinute, time.Minute)
		if limitErr != nil {
			// Fail open: a degraded Redis must not block purchases.
			log.Printf("level=warn component=ledger op=purchase username=%s msg=\"rate limiter unavailable\" err=%v", username, limitErr)
		} else if count > s.purchaseRateLimitPerMinute {
			return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	user, err := s.repo.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user.BalanceCents < priceCents {
		return nil, store.ErrInsufficientFunds
	}

	var details *numberprovider.NumberDetails
	switch strings.ToLower(req.RentalType) {
	case domain.RentalLongTerm:
		details, err = s.numbers.PurchaseLongTerm(ctx, req.ServiceName, s.longTermDurationDays)
	case domain.RentalShortTerm, "":
		details, err = s.numbers.Purchase(ctx, req.ServiceName)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRentalType, req.RentalType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	expiresAt, err := numberExpiry(details, req.RentalType)
	if err != nil {
		log.Printf("level=warn component=ledger op=purchase username=%s msg=\"unparsable expiry from provider\" err=%v", user.Username, err)
	}

	record := &domain.PhoneNumber{
		ID:          uuid.New(),
		Number:      details.MDN,
		ServiceName: req.ServiceName,
		ExternalID:  details.ExternalID(),
		PriceCents:  priceCents,
		Status:      domain.NumberStatusActive,
		ExpiresAt:   expiresAt,
		Username:    &user.Username,
	}

	err = s.repo.WithinTx(ctx, func(r store.Repository) error {
		if err := r.DebitBalance(ctx, user.Username, priceCents); err != nil {
			return err
		}
		return r.CreatePhoneNumber(ctx, record)
	})
	if err != nil {
		// The provider already allocated the number; hand it back so a losing
		// race does not strand a paid-for number with no payment.
		s.compensateProvisioning(ctx, record, req.RentalType)
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, store.ErrInsufficientFunds
		}
		return nil, fmt.Errorf("failed to persist purchase: %w", err)
	}

	log.Printf("level=info component=ledger op=purchase username=%s mdn=%s price=%d rental=%s", user.Username, record.Number, priceCents, req.RentalType)

	if s.events != nil {
		s.events.Publish(ctx, rabbitmq.LedgerExchange, "number.purchased", rabbitmq.NumberEvent{
			Username:    user.Username,
			PhoneNumber: record.Number,
			ServiceName: record.ServiceName,
			PriceCents:  priceCents,
			Timestamp:   time.Now().UTC(),
		})
	}

	return record, nil
}

// compensateProvisioning returns an allocated number to the provider after a
// failed local commit. A failed compensation is escalated in the logs for the
// reconciliation job; nothing more can be done inline.
func (s *Service) compensateProvisioning(ctx context.Context, record *domain.PhoneNumber, rentalType string) {
	var err error
	if strings.EqualFold(rentalType, domain.RentalLongTerm) {
		err = s.numbers.Release(ctx, record.Number, record.ServiceName)
	} else {
		err = s.numbers.Reject(ctx, record.ExternalID)
	}
	if err != nil {
		log.Printf("level=error component=ledger op=purchase mdn=%s external_id=%s msg=\"CRITICAL: compensating release failed, number stranded at provider\" err=%v", record.Number, record.ExternalID, err)
		return
	}
	log.Printf("level=warn component=ledger op=purchase mdn=%s msg=\"provisioned number returned after failed debit\"", record.Number)
}

// numberExpiry computes the stored expiry from the provider response:
// short-term rentals carry a relative TTL in seconds, long-term ones an
// absolute timestamp.
func numberExpiry(details *numberprovider.NumberDetails, rentalType string) (*time.Time, error) {
	if strings.EqualFold(rentalType, domain.RentalLongTerm) {
		if details.Expires == "" {
			return nil, nil
		}
		expiry, err := time.Parse(longTermExpiryLayout, details.Expires)
		if err != nil {
			return nil, err
		}
		return &expiry, nil
	}
	if details.TillExpiration <= 0 {
		return nil, nil
	}
	expiry := time.Now().UTC().Add(time.Duration(details.TillExpiration) * time.Second)
	return &expiry, nil
}

// ReturnNumber releases a rented number back to the provider and refunds its
// stored price. Numbers under the short-term price threshold follow the
// provider's reject command, all others the long-term release command. The
// refund and the row deletion commit together, and only after the provider
// confirmed the release.
func (s *Service) ReturnNumber(ctx context.Context, username, phoneNumber string) (string, error) {
	record, err := s.repo.FindPhoneNumberByValue(ctx, phoneNumber)
	if err != nil {
		return "", err
	}
	if record.Username == nil || !strings.EqualFold(*record.Username, username) {
		return "", store.ErrPhoneNumberNotFound
	}

	shortTerm := record.PriceCents < s.shortTermPriceCents
	if shortTerm {
		err = s.numbers.Reject(ctx, record.ExternalID)
	} else {
		err = s.numbers.Release(ctx, record.Number, record.ServiceName)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	err = s.repo.WithinTx(ctx, func(r store.Repository) error {
		// Refund before delete: a partial commit can only leave a
		// refunded-but-listed number, which idempotent cleanup recovers.
		if err := r.CreditBalance(ctx, username, record.PriceCents); err != nil {
			return fmt.Errorf("failed to refund balance: %w", err)
		}
		return r.DeletePhoneNumber(ctx, record.ID)
	})
	if err != nil {
		return "", err
	}

	log.Printf("level=info component=ledger op=return username=%s mdn=%s refunded=%d short_term=%t", username, record.Number, record.PriceCents, shortTerm)

	if s.events != nil {
		s.events.Publish(ctx, rabbitmq.LedgerExchange, "number.returned", rabbitmq.NumberEvent{
			Username:    username,
			PhoneNumber: record.Number,
			ServiceName: record.ServiceName,
			PriceCents:  record.PriceCents,
			Timestamp:   time.Now().UTC(),
		})
	}

	if shortTerm {
		return "Temporary phone number rejected, funds refunded, and number removed.", nil
	}
	return "Long-term phone number released, funds refunded, and number removed.", nil
}

// TransferNumber moves a number from the authenticated donor to another user.
// Identity is explicit; there is no ambient security context.
func (s *Service) TransferNumber(ctx context.Context, donorUsername string, req domain.TransferNumberRequest) error {
	record, err := s.repo.FindPhoneNumberByValue(ctx, req.PhoneNumber)
	if err != nil {
		return err
	}
	if record.Username == nil || !strings.EqualFold(*record.Username, donorUsername) {
		return store.ErrPhoneNumberNotFound
	}

	recipient, err := s.repo.FindUserByUsername(ctx, req.RecipientUsername)
	if err != nil {
		return fmt.Errorf("failed to find recipient: %w", err)
	}

	return s.repo.ReassignPhoneNumber(ctx, record.ID, recipient.Username)
}

// GetBalance returns a user's current ledger balance in cents.
func (s *Service) GetBalance(ctx context.Context, username string) (int64, error) {
	user, err := s.repo.FindUserByUsername(ctx, username)
	if err != nil {
		return 0, err
	}
	return user.BalanceCents, nil
}

// AdjustBalance is the administrative balance override: credit, debit, or set.
func (s *Service) AdjustBalance(ctx context.Context, req domain.AdjustBalanceRequest) error {
	amountCents := Cents(req.Amount)
	switch req.Op {
	case "credit":
		return s.repo.CreditBalance(ctx, req.Username, amountCents)
	case "debit":
		return s.repo.DebitBalance(ctx, req.Username, amountCents)
	case "set":
		return s.repo.SetBalance(ctx, req.Username, amountCents)
	default:
		return fmt.Errorf("%w: unknown op %q", store.ErrInvalidAmount, req.Op)
	}
}

// ListUserTransactions returns a user's payment transactions.
func (s *Service) ListUserTransactions(ctx context.Context, username string) ([]domain.PaymentTransaction, error) {
	if _, err := s.repo.FindUserByUsername(ctx, username); err != nil {
		return nil, err
	}
	return s.repo.ListTransactionsByUsername(ctx, username)
}

// ListAllTransactions returns every non-PENDING transaction (admin reporting).
func (s *Service) ListAllTransactions(ctx context.Context) ([]domain.PaymentTransaction, error) {
	return s.repo.ListTransactions(ctx, false)
}

// ListUserNumbers returns the numbers a user currently owns.
func (s *Service) ListUserNumbers(ctx context.Context, username string) ([]domain.PhoneNumber, error) {
	if _, err := s.repo.FindUserByUsername(ctx, username); err != nil {
		return nil, err
	}
	return s.repo.FindPhoneNumbersByUsername(ctx, username)
}

// FetchSMSMessages relays the messages received on a number the user owns.
func (s *Service) FetchSMSMessages(ctx context.Context, username, phoneNumber string) ([]domain.SMSMessage, error) {
	record, err := s.repo.FindPhoneNumberByValue(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	if record.Username == nil || !strings.EqualFold(*record.Username, username) {
		return nil, store.ErrPhoneNumberNotFound
	}

	messages, err := s.numbers.FetchMessages(ctx, record.Number)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	result := make([]domain.SMSMessage, 0, len(messages))
	for _, m := range messages {
		result = append(result, domain.SMSMessage{
			Date:    m.DateTime,
			Sender:  m.From,
			Message: m.Reply,
		})
	}
	return result, nil
}

// GetMarkup returns the global resale markup.
func (s *Service) GetMarkup(ctx context.Context) (*domain.Markup, error) {
	return s.repo.GetMarkup(ctx)
}

// UpdateMarkup sets the global resale markup percentage.
func (s *Service) UpdateMarkup(ctx context.Context, percent float64) (*domain.Markup, error) {
	if percent < 0 {
		return nil, store.ErrInvalidAmount
	}
	return s.repo.UpdateMarkup(ctx, percent)
}

// QuoteServicePrice applies the resale markup to a provider base price.
func (s *Service) QuoteServicePrice(ctx context.Context, basePriceCents int64) (int64, error) {
	markup, err := s.repo.GetMarkup(ctx)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(float64(basePriceCents) * (1 + markup.Percent/100))), nil
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
