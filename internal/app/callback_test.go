package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/numera/ledger-service/internal/domain"
	"github.com/numera/ledger-service/internal/store"
)

type callbackRepoStub struct {
	store.Repository

	tx *domain.PaymentTransaction

	updateCalled    bool
	updatedStatus   domain.TransactionStatus
	updatedProvider *string

	creditCalled bool
	creditCents  int64
}

func (s *callbackRepoStub) WithinTx(ctx context.Context, fn func(store.Repository) error) error {
	return fn(s)
}

func (s *callbackRepoStub) FindTransactionByOrderIDForUpdate(ctx context.Context, orderID string) (*domain.PaymentTransaction, error) {
	if s.tx == nil {
		return nil, store.ErrTransactionNotFound
	}
	return s.tx, nil
}

func (s *callbackRepoStub) UpdateTransactionOutcome(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, providerTransactionID *string) error {
	s.updateCalled = true
	s.updatedStatus = status
	s.updatedProvider = providerTransactionID
	return nil
}

func (s *callbackRepoStub) CreditBalance(ctx context.Context, username string, amountCents int64) error {
	s.creditCalled = true
	s.creditCents = amountCents
	return nil
}

func pendingDeposit(amountCents int64) *domain.PaymentTransaction {
	return &domain.PaymentTransaction{
		ID:          uuid.New(),
		OrderID:     "order-1001",
		AmountCents: amountCents,
		Currency:    "usd",
		Status:      domain.StatusPending,
		Username:    "alice",
	}
}

func newCallbackService(repo store.Repository) *Service {
	return NewService(repo, nil, nil, nil, 500, 30)
}

func TestProcessPaymentCallback_SuccessCreditsPaidAmount(t *testing.T) {
	repo := &callbackRepoStub{tx: pendingDeposit(2000)}
	svc := newCallbackService(repo)

	err := svc.ProcessPaymentCallback(context.Background(), domain.PaymentCallback{
		OrderID:       "order-1001",
		PaymentID:     "pay_789",
		PaymentStatus: "success",
		ActuallyPaid:  20.0,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.updateCalled || repo.updatedStatus != domain.StatusFinished {
		t.Fatalf("expected transaction to finish, update=%t status=%s", repo.updateCalled, repo.updatedStatus)
	}
	if repo.updatedProvider == nil || *repo.updatedProvider != "pay_789" {
		t.Fatal("expected provider transaction id to be recorded")
	}
	if !repo.creditCalled || repo.creditCents != 2000 {
		t.Fatalf("expected credit of 2000 cents, called=%t cents=%d", repo.creditCalled, repo.creditCents)
	}
}

func TestProcessPaymentCallback_DuplicateSuccessCreditsOnce(t *testing.T) {
	tx := pendingDeposit(2000)
	tx.Status = domain.StatusFinished
	repo := &callbackRepoStub{tx: tx}
	svc := newCallbackService(repo)

	err := svc.ProcessPaymentCallback(context.Background(), domain.PaymentCallback{
		OrderID:       "order-1001",
		PaymentStatus: "success",
		ActuallyPaid:  20.0,
	})
	if err != nil {
		t.Fatalf("expected duplicate delivery to be acknowledged, got %v", err)
	}
	if repo.updateCalled || repo.creditCalled {
		t.Fatal("duplicate success must not persist or credit again")
	}
}

func TestProcessPaymentCallback_FailedDoesNotCredit(t *testing.T) {
	repo := &callbackRepoStub{tx: pendingDeposit(2000)}
	svc := newCallbackService(repo)

	err := svc.ProcessPaymentCallback(context.Background(), domain.PaymentCallback{
		OrderID:       "order-1001",
		PaymentStatus: "failed",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.updateCalled || repo.updatedStatus != domain.StatusFailed {
		t.Fatalf("expected transaction to fail, update=%t status=%s", repo.updateCalled, repo.updatedStatus)
	}
	if repo.creditCalled {
		t.Fatal("failed payment must not credit the balance")
	}
}

func TestProcessPaymentCallback_SuccessAfterFailedIsIllegal(t *testing.T) {
	tx := pendingDeposit(2000)
	tx.Status = domain.StatusFailed
	repo := &callbackRepoStub{tx: tx}
	svc := newCallbackService(repo)

	err := svc.ProcessPaymentCallback(context.Background(), domain.PaymentCallback{
		OrderID:       "order-1001",
		PaymentStatus: "success",
		ActuallyPaid:  20.0,
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if repo.updateCalled || repo.creditCalled {
		t.Fatal("illegal transition must leave the transaction untouched")
	}
}

func TestProcessPaymentCallback_WaitingReplayIsNoOp(t *testing.T) {
	for _, current := range []domain.TransactionStatus{domain.StatusPending, domain.StatusFinished, domain.StatusFailed} {
		tx := pendingDeposit(2000)
		tx.Status = current
		repo := &callbackRepoStub{tx: tx}
		svc := newCallbackService(repo)

		err := svc.ProcessPaymentCallback(context.Background(), domain.PaymentCallback{
			OrderID:       "order-1001",
			PaymentStatus: "waiting",
		})
		if err != nil {
			t.Fatalf("current=%s: expected nil error, got %v", current, err)
		}
		if repo.updateCalled || repo.creditCalled {
			t.Fatalf("current=%s: waiting replay must not mutate anything", current)
		}
	}
}

func TestProcessPaymentCallback_UnknownOrder(t *testing.T) {
	repo := &callbackRepoStub{}
	svc := newCallbackService(repo)

	err := svc.ProcessPaymentCallback(context.Background(), domain.PaymentCallback{
		OrderID:       "order-does-not-exist",
		PaymentStatus: "success",
	})
	if !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestProcessPaymentCallback_UnmappedStatus(t *testing.T) {
	repo := &callbackRepoStub{tx: pendingDeposit(2000)}
	svc := newCallbackService(repo)

	err := svc.ProcessPaymentCallback(context.Background(), domain.PaymentCallback{
		OrderID:       "order-1001",
		PaymentStatus: "partially_paid",
	})
	if !errors.Is(err, ErrUnmappedStatus) {
		t.Fatalf("expected ErrUnmappedStatus, got %v", err)
	}
	if repo.updateCalled || repo.creditCalled {
		t.Fatal("unmapped status must leave the transaction untouched")
	}
}

func TestProcessPaymentCallback_MissingFields(t *testing.T) {
	repo := &callbackRepoStub{tx: pendingDeposit(2000)}
	svc := newCallbackService(repo)

	cases := []domain.PaymentCallback{
		{OrderID: "", PaymentStatus: "success"},
		{OrderID: "order-1001", PaymentStatus: ""},
		{OrderID: "   ", PaymentStatus: "success"},
	}
	for _, cb := range cases {
		if err := svc.ProcessPaymentCallback(context.Background(), cb); !errors.Is(err, ErrMalformedCallback) {
			t.Fatalf("callback %+v: expected ErrMalformedCallback, got %v", cb, err)
		}
	}
	if repo.updateCalled || repo.creditCalled {
		t.Fatal("malformed callbacks must not mutate anything")
	}
}

// lockingCallbackRepoStub models the database row lock: the whole WithinTx
// body runs under a mutex, so the second of two in-flight deliveries observes
// the status the first one committed rather than a stale snapshot.
type lockingCallbackRepoStub struct {
	store.Repository

	mu sync.Mutex
	tx *domain.PaymentTransaction

	creditCalls int
	creditTotal int64
}

func (s *lockingCallbackRepoStub) WithinTx(ctx context.Context, fn func(store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

func (s *lockingCallbackRepoStub) FindTransactionByOrderIDForUpdate(ctx context.Context, orderID string) (*domain.PaymentTransaction, error) {
	if s.tx == nil {
		return nil, store.ErrTransactionNotFound
	}
	snapshot := *s.tx
	return &snapshot, nil
}

func (s *lockingCallbackRepoStub) UpdateTransactionOutcome(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, providerTransactionID *string) error {
	s.tx.Status = status
	return nil
}

func (s *lockingCallbackRepoStub) CreditBalance(ctx context.Context, username string, amountCents int64) error {
	s.creditCalls++
	s.creditTotal += amountCents
	return nil
}

func TestProcessPaymentCallback_ConcurrentDuplicateSuccessCreditsOnce(t *testing.T) {
	repo := &lockingCallbackRepoStub{tx: pendingDeposit(2000)}
	svc := newCallbackService(repo)

	start := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- svc.ProcessPaymentCallback(context.Background(), domain.PaymentCallback{
				OrderID:       "order-1001",
				PaymentStatus: "success",
				ActuallyPaid:  20.0,
			})
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("both deliveries must be acknowledged, got %v", err)
		}
	}
	if repo.creditCalls != 1 || repo.creditTotal != 2000 {
		t.Fatalf("expected exactly one credit of 2000 cents, got %d credits totalling %d", repo.creditCalls, repo.creditTotal)
	}
	if repo.tx.Status != domain.StatusFinished {
		t.Fatalf("expected transaction to end FINISHED, got %s", repo.tx.Status)
	}
}

func TestProcessPaymentCallback_MissingPaidAmountFallsBackToInvoiced(t *testing.T) {
	repo := &callbackRepoStub{tx: pendingDeposit(1500)}
	svc := newCallbackService(repo)

	err := svc.ProcessPaymentCallback(context.Background(), domain.PaymentCallback{
		OrderID:       "order-1001",
		PaymentStatus: "success",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.creditCalled || repo.creditCents != 1500 {
		t.Fatalf("expected fallback credit of invoiced 1500 cents, got %d", repo.creditCents)
	}
	if repo.updatedProvider != nil {
		t.Fatal("expected missing payment id to stay unset")
	}
}
