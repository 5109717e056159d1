package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/EscrowBox/server/internal/callbacks"
	"github.com/EscrowBox/server/internal/config"
	apierrors "github.com/EscrowBox/server/internal/errors"
	"github.com/EscrowBox/server/internal/metrics"
	"github.com/EscrowBox/server/internal/storage"
)

// stubPayments is a thread-safe in-memory stand-in for the Stripe client.
type stubPayments struct {
	mu           sync.Mutex
	intentStatus stripeapi.PaymentIntentStatus
	transferErr  error
	intents      int
	transfers    []string
	reversals    []string
	refunds      []string
}

func (p *stubPayments) CreatePaymentIntent(_ context.Context, transactionID string, amountCents int64, currency, description string) (*stripeapi.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents++
	return &stripeapi.PaymentIntent{
		ID:           fmt.Sprintf("pi_%d", p.intents),
		ClientSecret: "cs_test_secret",
		Status:       stripeapi.PaymentIntentStatusRequiresPaymentMethod,
	}, nil
}

func (p *stubPayments) GetPaymentIntent(_ context.Context, id string) (*stripeapi.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.intentStatus
	if status == "" {
		status = stripeapi.PaymentIntentStatusSucceeded
	}
	return &stripeapi.PaymentIntent{ID: id, Status: status}, nil
}

func (p *stubPayments) CreateTransfer(_ context.Context, transactionID, destination string, amountCents int64, currency string) (*stripeapi.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transferErr != nil {
		return nil, p.transferErr
	}
	id := fmt.Sprintf("tr_%d", len(p.transfers)+1)
	p.transfers = append(p.transfers, id)
	return &stripeapi.Transfer{ID: id}, nil
}

func (p *stubPayments) ReverseTransfer(_ context.Context, transferID string) (*stripeapi.Reversal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("trr_%d", len(p.reversals)+1)
	p.reversals = append(p.reversals, id)
	return &stripeapi.Reversal{ID: id}, nil
}

func (p *stubPayments) RefundPayment(_ context.Context, paymentIntentID string) (*stripeapi.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("re_%d", len(p.refunds)+1)
	p.refunds = append(p.refunds, id)
	return &stripeapi.Refund{ID: id}, nil
}

func (p *stubPayments) transferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transfers)
}

func (p *stubPayments) setTransferErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transferErr = err
}

// recordingNotifier captures dispatched events for assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	completed []callbacks.EscrowEvent
	cancelled []callbacks.EscrowEvent
	refunded  []callbacks.EscrowEvent
}

func (n *recordingNotifier) EscrowCompleted(_ context.Context, event callbacks.EscrowEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, event)
}

func (n *recordingNotifier) EscrowCancelled(_ context.Context, event callbacks.EscrowEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, event)
}

func (n *recordingNotifier) EscrowRefunded(_ context.Context, event callbacks.EscrowEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refunded = append(n.refunded, event)
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *stubPayments, *recordingNotifier, *metrics.Metrics) {
	t.Helper()
	store := storage.NewMemoryStore()
	payments := &stubPayments{}
	notifier := &recordingNotifier{}
	m := metrics.New(prometheus.NewRegistry())
	svc := NewService(&config.Config{}, store, payments, notifier, m)
	return svc, store, payments, notifier, m
}

var (
	buyer  = Actor{ID: "buyer-1"}
	seller = Actor{ID: "seller-1"}
	admin  = Actor{ID: "admin-1", Admin: true}
)

func mustCreate(t *testing.T, svc *Service) storage.Transaction {
	t.Helper()
	result, err := svc.Create(context.Background(), buyer, CreateInput{
		SellerID:    seller.ID,
		AmountCents: 10000,
		Description: "logo design",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return result.Transaction
}

func assertCode(t *testing.T, err error, code apierrors.ErrorCode) {
	t.Helper()
	var e Error
	if !errors.As(err, &e) {
		t.Fatalf("error = %v (%T), want escrow.Error", err, err)
	}
	if e.Code != code {
		t.Errorf("error code = %q, want %q", e.Code, code)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	tests := []struct {
		name  string
		actor Actor
		input CreateInput
		code  apierrors.ErrorCode
	}{
		{
			name:  "unverified actor",
			actor: Actor{},
			input: CreateInput{SellerID: "s", AmountCents: 100, Description: "x"},
			code:  apierrors.ErrCodeActorUnverified,
		},
		{
			name:  "missing seller",
			actor: buyer,
			input: CreateInput{AmountCents: 100, Description: "x"},
			code:  apierrors.ErrCodeMissingField,
		},
		{
			name:  "buyer equals seller",
			actor: buyer,
			input: CreateInput{SellerID: buyer.ID, AmountCents: 100, Description: "x"},
			code:  apierrors.ErrCodeInvalidField,
		},
		{
			name:  "zero amount",
			actor: buyer,
			input: CreateInput{SellerID: "s", AmountCents: 0, Description: "x"},
			code:  apierrors.ErrCodeInvalidAmount,
		},
		{
			name:  "negative amount",
			actor: buyer,
			input: CreateInput{SellerID: "s", AmountCents: -500, Description: "x"},
			code:  apierrors.ErrCodeInvalidAmount,
		},
		{
			name:  "empty description",
			actor: buyer,
			input: CreateInput{SellerID: "s", AmountCents: 100, Description: "   "},
			code:  apierrors.ErrCodeInvalidDescription,
		},
		{
			name:  "description too long",
			actor: buyer,
			input: CreateInput{SellerID: "s", AmountCents: 100, Description: strings.Repeat("a", 1001)},
			code:  apierrors.ErrCodeInvalidDescription,
		},
		{
			name:  "multibyte description over the character limit",
			actor: buyer,
			input: CreateInput{SellerID: "s", AmountCents: 100, Description: strings.Repeat("é", 1001)},
			code:  apierrors.ErrCodeInvalidDescription,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.actor, tt.input)
			if err == nil {
				t.Fatal("Create() error = nil, want validation error")
			}
			assertCode(t, err, tt.code)
		})
	}
}

func TestCreate_MultibyteDescriptionAtLimit(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	// 1000 characters but over 1000 bytes: the limit counts runes, so this
	// must be accepted.
	description := strings.Repeat("é", 1000)
	result, err := svc.Create(context.Background(), buyer, CreateInput{
		SellerID:    seller.ID,
		AmountCents: 100,
		Description: description,
	})
	if err != nil {
		t.Fatalf("Create() error = %v, want nil for a 1000-rune description", err)
	}
	if result.Transaction.Description != description {
		t.Error("Create() stored a different description than submitted")
	}
}

func TestCreate(t *testing.T) {
	svc, store, payments, _, _ := newTestService(t)

	result, err := svc.Create(context.Background(), buyer, CreateInput{
		SellerID:    seller.ID,
		AmountCents: 10000,
		Description: "logo design",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tx := result.Transaction
	if tx.Status != storage.StatusPending {
		t.Errorf("Status = %q, want pending", tx.Status)
	}
	if tx.PaymentReceived || tx.FileUploaded {
		t.Error("readiness flags must start false")
	}
	if tx.Currency != "usd" {
		t.Errorf("Currency = %q, want default usd", tx.Currency)
	}
	if tx.PaymentIntentRef == "" {
		t.Error("payment intent reference not recorded")
	}
	if result.ClientSecret != "cs_test_secret" {
		t.Errorf("ClientSecret = %q, want cs_test_secret", result.ClientSecret)
	}
	if got := tx.ExpiresAt.Sub(tx.CreatedAt); got != 24*time.Hour {
		t.Errorf("expiry window = %v, want 24h", got)
	}
	if payments.intents != 1 {
		t.Errorf("payment intents created = %d, want 1", payments.intents)
	}

	stored, err := store.GetTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if stored.BuyerID != buyer.ID || stored.SellerID != seller.ID {
		t.Errorf("stored parties = (%q, %q)", stored.BuyerID, stored.SellerID)
	}
}

func TestLifecycle_PaymentThenUpload(t *testing.T) {
	svc, _, payments, notifier, _ := newTestService(t)
	tx := mustCreate(t, svc)
	ctx := context.Background()

	afterPayment, err := svc.MarkPaymentReceived(ctx, tx.ID, "pi_settled")
	if err != nil {
		t.Fatalf("MarkPaymentReceived() error = %v", err)
	}
	if afterPayment.Status != storage.StatusPending {
		t.Errorf("Status after payment = %q, want pending", afterPayment.Status)
	}
	if !afterPayment.PaymentReceived || afterPayment.FileUploaded {
		t.Errorf("flags after payment = (%v, %v), want (true, false)", afterPayment.PaymentReceived, afterPayment.FileUploaded)
	}

	completed, err := svc.MarkFileUploaded(ctx, tx.ID)
	if err != nil {
		t.Fatalf("MarkFileUploaded() error = %v", err)
	}
	if completed.Status != storage.StatusCompleted {
		t.Errorf("Status = %q, want completed", completed.Status)
	}
	if completed.TransferRef == "" {
		t.Error("transfer reference not set on completion")
	}
	if completed.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if payments.transferCount() != 1 {
		t.Errorf("transfers = %d, want exactly 1", payments.transferCount())
	}
	if len(notifier.completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(notifier.completed))
	}
	if notifier.completed[0].TransferRef != completed.TransferRef {
		t.Errorf("event TransferRef = %q, want %q", notifier.completed[0].TransferRef, completed.TransferRef)
	}
}

func TestLifecycle_UploadThenPayment(t *testing.T) {
	svc, _, payments, _, _ := newTestService(t)
	tx := mustCreate(t, svc)
	ctx := context.Background()

	afterUpload, err := svc.MarkFileUploaded(ctx, tx.ID)
	if err != nil {
		t.Fatalf("MarkFileUploaded() error = %v", err)
	}
	if afterUpload.Status != storage.StatusPending {
		t.Errorf("Status after upload = %q, want pending", afterUpload.Status)
	}
	if afterUpload.PaymentReceived || !afterUpload.FileUploaded {
		t.Errorf("flags after upload = (%v, %v), want (false, true)", afterUpload.PaymentReceived, afterUpload.FileUploaded)
	}

	completed, err := svc.MarkPaymentReceived(ctx, tx.ID, "pi_settled")
	if err != nil {
		t.Fatalf("MarkPaymentReceived() error = %v", err)
	}
	if completed.Status != storage.StatusCompleted {
		t.Errorf("Status = %q, want completed (order independence)", completed.Status)
	}
	if payments.transferCount() != 1 {
		t.Errorf("transfers = %d, want exactly 1", payments.transferCount())
	}
}

func TestCheckAndComplete_NoopWhenNotReady(t *testing.T) {
	svc, _, payments, _, _ := newTestService(t)
	tx := mustCreate(t, svc)
	ctx := context.Background()

	got, err := svc.CheckAndComplete(ctx, tx.ID)
	if err != nil {
		t.Fatalf("CheckAndComplete() error = %v", err)
	}
	if got.Status != storage.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if payments.transferCount() != 0 {
		t.Errorf("transfers = %d, want 0 without both flags", payments.transferCount())
	}

	if _, err := svc.CheckAndComplete(ctx, "no-such-id"); err == nil {
		t.Error("CheckAndComplete(unknown id) error = nil, want not found")
	}
}

func TestCheckAndComplete_PayoutFailureIsRetryable(t *testing.T) {
	svc, store, payments, _, _ := newTestService(t)
	tx := mustCreate(t, svc)
	ctx := context.Background()

	if _, err := svc.MarkFileUploaded(ctx, tx.ID); err != nil {
		t.Fatalf("MarkFileUploaded() error = %v", err)
	}
	payments.setTransferErr(errors.New("stripe unavailable"))

	_, err := svc.MarkPaymentReceived(ctx, tx.ID, "pi_settled")
	if err == nil {
		t.Fatal("MarkPaymentReceived() error = nil, want payout failure")
	}
	assertCode(t, err, apierrors.ErrCodeStripeError)

	var e Error
	errors.As(err, &e)
	if !e.Code.IsRetryable() {
		t.Error("payout failure must be retryable")
	}

	// The transaction is untouched: still pending, flags still true.
	current, err := store.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if current.Status != storage.StatusPending {
		t.Errorf("Status = %q, want pending after failed payout", current.Status)
	}
	if !current.PaymentReceived || !current.FileUploaded {
		t.Error("readiness flags reverted by a failed payout")
	}

	// Re-invoking the trigger after the provider recovers completes normally.
	payments.setTransferErr(nil)
	completed, err := svc.CheckAndComplete(ctx, tx.ID)
	if err != nil {
		t.Fatalf("CheckAndComplete() retry error = %v", err)
	}
	if completed.Status != storage.StatusCompleted {
		t.Errorf("Status = %q, want completed after retry", completed.Status)
	}
}

func TestCheckAndComplete_ConcurrentExactlyOnce(t *testing.T) {
	svc, store, payments, notifier, m := newTestService(t)
	tx := mustCreate(t, svc)
	ctx := context.Background()

	if err := store.SetPaymentReceived(ctx, tx.ID, "pi_settled"); err != nil {
		t.Fatalf("SetPaymentReceived() error = %v", err)
	}
	if err := store.SetFileUploaded(ctx, tx.ID); err != nil {
		t.Fatalf("SetFileUploaded() error = %v", err)
	}

	const callers = 25
	results := make(chan error, callers)
	var wg sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start.Wait()
			_, err := svc.CheckAndComplete(ctx, tx.ID)
			results <- err
		}()
	}
	start.Done()
	wg.Wait()
	close(results)

	var conflicts int
	for err := range results {
		if err == nil {
			continue
		}
		assertCode(t, err, apierrors.ErrCodeAlreadyCompleted)
		conflicts++
	}

	final, err := store.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if final.Status != storage.StatusCompleted {
		t.Fatalf("Status = %q, want completed", final.Status)
	}
	if len(notifier.completed) != 1 {
		t.Errorf("completed events = %d, want exactly 1", len(notifier.completed))
	}

	// Exactly one transfer is applied to the row; any surplus transfers from
	// race losers are counted for reconciliation, never silently dropped.
	surplus := payments.transferCount() - 1
	if surplus < 0 {
		t.Fatalf("transfers = %d, want at least 1", payments.transferCount())
	}
	if conflicts < surplus {
		t.Errorf("conflicts reported = %d, want >= %d surplus transfers", conflicts, surplus)
	}
	if got := promtest.ToFloat64(m.DuplicatePayoutsTotal); got != float64(surplus) {
		t.Errorf("duplicate payouts metric = %v, want %d", got, surplus)
	}
}

func TestConfirmPayment(t *testing.T) {
	t.Run("intent not yet succeeded", func(t *testing.T) {
		svc, _, payments, _, _ := newTestService(t)
		tx := mustCreate(t, svc)
		payments.intentStatus = stripeapi.PaymentIntentStatusProcessing

		_, err := svc.ConfirmPayment(context.Background(), buyer, tx.ID)
		if err == nil {
			t.Fatal("ConfirmPayment() error = nil, want payment_not_confirmed")
		}
		assertCode(t, err, apierrors.ErrCodePaymentNotConfirmed)
	})

	t.Run("succeeded intent sets the flag", func(t *testing.T) {
		svc, _, _, _, _ := newTestService(t)
		tx := mustCreate(t, svc)

		got, err := svc.ConfirmPayment(context.Background(), buyer, tx.ID)
		if err != nil {
			t.Fatalf("ConfirmPayment() error = %v", err)
		}
		if !got.PaymentReceived {
			t.Error("PaymentReceived = false after succeeded intent")
		}
	})

	t.Run("non-party rejected", func(t *testing.T) {
		svc, _, _, _, _ := newTestService(t)
		tx := mustCreate(t, svc)

		_, err := svc.ConfirmPayment(context.Background(), Actor{ID: "stranger"}, tx.ID)
		if err == nil {
			t.Fatal("ConfirmPayment() error = nil, want actor_not_party")
		}
		assertCode(t, err, apierrors.ErrCodeActorNotParty)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("party cancels unpaid transaction", func(t *testing.T) {
		svc, _, _, notifier, _ := newTestService(t)
		tx := mustCreate(t, svc)

		cancelled, err := svc.Cancel(ctx, buyer, tx.ID)
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if cancelled.Status != storage.StatusCancelled {
			t.Errorf("Status = %q, want cancelled", cancelled.Status)
		}
		if len(notifier.cancelled) != 1 {
			t.Errorf("cancelled events = %d, want 1", len(notifier.cancelled))
		}
	})

	t.Run("party cannot cancel after payment", func(t *testing.T) {
		svc, _, _, _, _ := newTestService(t)
		tx := mustCreate(t, svc)
		if _, err := svc.MarkPaymentReceived(ctx, tx.ID, "pi_settled"); err != nil {
			t.Fatalf("MarkPaymentReceived() error = %v", err)
		}

		_, err := svc.Cancel(ctx, seller, tx.ID)
		if err == nil {
			t.Fatal("Cancel() error = nil, want conflict")
		}
		assertCode(t, err, apierrors.ErrCodePaymentAlreadyMade)
	})

	t.Run("admin cancels paid transaction and refunds deposit", func(t *testing.T) {
		svc, _, payments, _, _ := newTestService(t)
		tx := mustCreate(t, svc)
		if _, err := svc.MarkPaymentReceived(ctx, tx.ID, "pi_settled"); err != nil {
			t.Fatalf("MarkPaymentReceived() error = %v", err)
		}

		cancelled, err := svc.Cancel(ctx, admin, tx.ID)
		if err != nil {
			t.Fatalf("Cancel() by admin error = %v", err)
		}
		if cancelled.Status != storage.StatusCancelled {
			t.Errorf("Status = %q, want cancelled", cancelled.Status)
		}
		if !cancelled.PaymentReceived {
			t.Error("payment flag reverted by cancellation")
		}
		if len(payments.refunds) != 1 {
			t.Errorf("refunds = %d, want 1 buyer deposit refund", len(payments.refunds))
		}
	})

	t.Run("cannot cancel completed transaction", func(t *testing.T) {
		svc, _, _, _, _ := newTestService(t)
		tx := mustCreate(t, svc)
		if _, err := svc.MarkPaymentReceived(ctx, tx.ID, "pi_settled"); err != nil {
			t.Fatalf("MarkPaymentReceived() error = %v", err)
		}
		if _, err := svc.MarkFileUploaded(ctx, tx.ID); err != nil {
			t.Fatalf("MarkFileUploaded() error = %v", err)
		}

		_, err := svc.Cancel(ctx, admin, tx.ID)
		if err == nil {
			t.Fatal("Cancel() on completed error = nil, want conflict")
		}
		assertCode(t, err, apierrors.ErrCodeTransactionNotPending)
	})

	t.Run("non-party rejected", func(t *testing.T) {
		svc, _, _, _, _ := newTestService(t)
		tx := mustCreate(t, svc)

		_, err := svc.Cancel(ctx, Actor{ID: "stranger"}, tx.ID)
		if err == nil {
			t.Fatal("Cancel() by stranger error = nil, want forbidden")
		}
		assertCode(t, err, apierrors.ErrCodeActorNotParty)
	})
}

func TestRefund(t *testing.T) {
	ctx := context.Background()

	complete := func(t *testing.T, svc *Service, id string) {
		t.Helper()
		if _, err := svc.MarkPaymentReceived(ctx, id, "pi_settled"); err != nil {
			t.Fatalf("MarkPaymentReceived() error = %v", err)
		}
		if _, err := svc.MarkFileUploaded(ctx, id); err != nil {
			t.Fatalf("MarkFileUploaded() error = %v", err)
		}
	}

	t.Run("requires admin", func(t *testing.T) {
		svc, _, _, _, _ := newTestService(t)
		tx := mustCreate(t, svc)
		complete(t, svc, tx.ID)

		_, err := svc.Refund(ctx, buyer, tx.ID)
		if err == nil {
			t.Fatal("Refund() by buyer error = nil, want admin_required")
		}
		assertCode(t, err, apierrors.ErrCodeAdminRequired)
	})

	t.Run("only completed is refundable", func(t *testing.T) {
		svc, _, _, _, _ := newTestService(t)
		tx := mustCreate(t, svc)

		_, err := svc.Refund(ctx, admin, tx.ID)
		if err == nil {
			t.Fatal("Refund() on pending error = nil, want not_refundable")
		}
		assertCode(t, err, apierrors.ErrCodeNotRefundable)
	})

	t.Run("reverses payout and records reference", func(t *testing.T) {
		svc, _, payments, notifier, _ := newTestService(t)
		tx := mustCreate(t, svc)
		complete(t, svc, tx.ID)

		refunded, err := svc.Refund(ctx, admin, tx.ID)
		if err != nil {
			t.Fatalf("Refund() error = %v", err)
		}
		if refunded.Status != storage.StatusRefunded {
			t.Errorf("Status = %q, want refunded", refunded.Status)
		}
		if refunded.ReversalRef == "" {
			t.Error("reversal reference not recorded")
		}
		if len(payments.reversals) != 1 {
			t.Errorf("reversals = %d, want 1", len(payments.reversals))
		}
		if len(notifier.refunded) != 1 {
			t.Errorf("refunded events = %d, want 1", len(notifier.refunded))
		}

		// Refunded is terminal.
		if _, err := svc.Refund(ctx, admin, tx.ID); err == nil {
			t.Error("second Refund() error = nil, want not_refundable")
		}
	})
}

func TestGetAndList(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	tx := mustCreate(t, svc)
	ctx := context.Background()

	if _, err := svc.Get(ctx, buyer, tx.ID); err != nil {
		t.Errorf("Get() by buyer error = %v", err)
	}
	if _, err := svc.Get(ctx, seller, tx.ID); err != nil {
		t.Errorf("Get() by seller error = %v", err)
	}
	if _, err := svc.Get(ctx, admin, tx.ID); err != nil {
		t.Errorf("Get() by admin error = %v", err)
	}
	if _, err := svc.Get(ctx, Actor{ID: "stranger"}, tx.ID); err == nil {
		t.Error("Get() by stranger error = nil, want forbidden")
	}

	_, err := svc.Get(ctx, admin, "txn_missing")
	if err == nil {
		t.Fatal("Get() for unknown id error = nil, want not found")
	}
	assertCode(t, err, apierrors.ErrCodeTransactionNotFound)

	listed, err := svc.List(ctx, buyer)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 1 || listed[0].ID != tx.ID {
		t.Errorf("List() = %d transactions, want the created one", len(listed))
	}

	empty, err := svc.List(ctx, Actor{ID: "stranger"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("List() for stranger = %d transactions, want 0", len(empty))
	}
}
