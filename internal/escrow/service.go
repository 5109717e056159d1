package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/EscrowBox/server/internal/callbacks"
	"github.com/EscrowBox/server/internal/config"
	apierrors "github.com/EscrowBox/server/internal/errors"
	"github.com/EscrowBox/server/internal/logger"
	"github.com/EscrowBox/server/internal/metrics"
	"github.com/EscrowBox/server/internal/storage"
)

// Payments is the external payment capability consumed by the state machine:
// opening a payment intent for the buyer's deposit, paying out the seller,
// and the two unwind paths.
type Payments interface {
	CreatePaymentIntent(ctx context.Context, transactionID string, amountCents int64, currency, description string) (*stripeapi.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripeapi.PaymentIntent, error)
	CreateTransfer(ctx context.Context, transactionID, destination string, amountCents int64, currency string) (*stripeapi.Transfer, error)
	ReverseTransfer(ctx context.Context, transferID string) (*stripeapi.Reversal, error)
	RefundPayment(ctx context.Context, paymentIntentID string) (*stripeapi.Refund, error)
}

// Service owns the escrow transaction state machine: the lifecycle status,
// the two monotonic readiness flags, and the completion trigger that pays
// out the seller exactly once.
type Service struct {
	cfg      *config.Config
	store    storage.Store
	payments Payments
	notifier callbacks.Notifier
	metrics  *metrics.Metrics // Prometheus metrics collector
}

// NewService constructs an escrow service.
func NewService(cfg *config.Config, store storage.Store, payments Payments, notifier callbacks.Notifier, metricsCollector *metrics.Metrics) *Service {
	if notifier == nil {
		notifier = callbacks.NoopNotifier{}
	}

	return &Service{
		cfg:      cfg,
		store:    store,
		payments: payments,
		notifier: notifier,
		metrics:  metricsCollector,
	}
}

// CreateInput carries the buyer's terms for a new escrow transaction.
type CreateInput struct {
	SellerID    string
	AmountCents int64
	Currency    string
	Description string
}

// CreateResult is a freshly created transaction plus the payment-intent
// client secret the buyer needs to complete checkout.
type CreateResult struct {
	Transaction  storage.Transaction
	ClientSecret string
}

// Create validates the buyer's terms, opens a payment intent for the deposit,
// and inserts the pending transaction. All validation happens before any
// mutation; a failed intent leaves nothing behind in storage.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (CreateResult, error) {
	if !actor.Verified() {
		return CreateResult{}, NewError(apierrors.ErrCodeActorUnverified, nil)
	}
	if in.SellerID == "" {
		return CreateResult{}, NewError(apierrors.ErrCodeMissingField, errors.New("seller id required"))
	}
	if in.SellerID == actor.ID {
		return CreateResult{}, NewError(apierrors.ErrCodeInvalidField, errors.New("buyer and seller must differ"))
	}
	if in.AmountCents <= 0 {
		return CreateResult{}, NewError(apierrors.ErrCodeInvalidAmount, fmt.Errorf("amount %d not positive", in.AmountCents))
	}
	description := strings.TrimSpace(in.Description)
	// The limit is in characters, not bytes: multibyte descriptions count runes.
	if n := utf8.RuneCountInString(description); n == 0 || n > s.descriptionMaxLen() {
		return CreateResult{}, NewError(apierrors.ErrCodeInvalidDescription, fmt.Errorf("description length %d", n))
	}

	currency := in.Currency
	if currency == "" {
		currency = s.currency()
	}

	now := time.Now().UTC()
	tx := storage.Transaction{
		ID:          storage.GenerateTransactionID(),
		BuyerID:     actor.ID,
		SellerID:    in.SellerID,
		AmountCents: in.AmountCents,
		Currency:    currency,
		Description: description,
		Status:      storage.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.expiryWindow()),
	}

	var clientSecret string
	if s.payments != nil {
		intent, err := s.payments.CreatePaymentIntent(ctx, tx.ID, tx.AmountCents, tx.Currency, tx.Description)
		if err != nil {
			return CreateResult{}, NewError(apierrors.ErrCodeStripeError, err)
		}
		tx.PaymentIntentRef = intent.ID
		clientSecret = intent.ClientSecret
	}

	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return CreateResult{}, NewError(apierrors.ErrCodeDatabaseError, err)
	}

	if s.metrics != nil {
		s.metrics.TransactionsCreatedTotal.Inc()
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("transaction_id", tx.ID).
		Int64("amount_cents", tx.AmountCents).
		Str("currency", tx.Currency).
		Msg("escrow: transaction created")

	return CreateResult{Transaction: tx, ClientSecret: clientSecret}, nil
}

// Get returns one transaction; only the buyer, the seller, or an admin may see it.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (storage.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return storage.Transaction{}, s.readError(err)
	}
	if !actor.Admin && !tx.IsParty(actor.ID) {
		return storage.Transaction{}, NewError(apierrors.ErrCodeActorNotParty, nil)
	}
	return tx, nil
}

// List returns the transactions the actor participates in, newest first.
func (s *Service) List(ctx context.Context, actor Actor) ([]storage.Transaction, error) {
	if !actor.Verified() {
		return nil, NewError(apierrors.ErrCodeActorUnverified, nil)
	}
	txs, err := s.store.ListTransactionsByParty(ctx, actor.ID)
	if err != nil {
		return nil, NewError(apierrors.ErrCodeDatabaseError, err)
	}
	return txs, nil
}

// MarkPaymentReceived records the buyer's deposit and re-evaluates completion.
// Safe to call repeatedly: the flag is monotonic, duplicate webhook deliveries
// and racing confirmations are no-ops.
func (s *Service) MarkPaymentReceived(ctx context.Context, id, paymentIntentRef string) (storage.Transaction, error) {
	if err := s.store.SetPaymentReceived(ctx, id, paymentIntentRef); err != nil {
		return storage.Transaction{}, s.storeError(err, apierrors.ErrCodeTransactionNotPending)
	}
	return s.CheckAndComplete(ctx, id)
}

// ConfirmPayment is the interactive counterpart to the payment webhook: the
// buyer asks the server to verify the intent status directly. It races safely
// with webhook delivery on the same transaction.
func (s *Service) ConfirmPayment(ctx context.Context, actor Actor, id string) (storage.Transaction, error) {
	tx, err := s.Get(ctx, actor, id)
	if err != nil {
		return storage.Transaction{}, err
	}
	if tx.PaymentReceived {
		return s.CheckAndComplete(ctx, id)
	}
	if s.payments == nil || tx.PaymentIntentRef == "" {
		return storage.Transaction{}, NewError(apierrors.ErrCodePaymentNotConfirmed, errors.New("no payment intent on record"))
	}

	intent, err := s.payments.GetPaymentIntent(ctx, tx.PaymentIntentRef)
	if err != nil {
		return storage.Transaction{}, NewError(apierrors.ErrCodeStripeError, err)
	}
	if intent.Status != stripeapi.PaymentIntentStatusSucceeded {
		return storage.Transaction{}, NewError(apierrors.ErrCodePaymentNotConfirmed, fmt.Errorf("intent status %s", intent.Status))
	}
	return s.MarkPaymentReceived(ctx, id, intent.ID)
}

// MarkFileUploaded records that the deliverable has been stored and
// re-evaluates completion. Monotonic like MarkPaymentReceived.
func (s *Service) MarkFileUploaded(ctx context.Context, id string) (storage.Transaction, error) {
	if err := s.store.SetFileUploaded(ctx, id); err != nil {
		return storage.Transaction{}, s.storeError(err, apierrors.ErrCodeTransactionNotPending)
	}
	return s.CheckAndComplete(ctx, id)
}

// CheckAndComplete is the completion trigger. When both readiness flags are
// set on a still-pending transaction it pays out the seller and performs the
// guarded completion write; in every other state it is a no-op that returns
// the current transaction.
//
// The payout happens before the conditional write, so a lost race means money
// moved twice. That case is never silent: the surplus transfer is logged at
// error level and counted for reconciliation, and the caller sees a conflict.
func (s *Service) CheckAndComplete(ctx context.Context, id string) (storage.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return storage.Transaction{}, s.readError(err)
	}
	if !tx.ReadyToComplete() {
		return tx, nil
	}
	if s.payments == nil {
		return storage.Transaction{}, NewError(apierrors.ErrCodeStripeError, errors.New("payout capability not configured"))
	}

	log := logger.FromContext(ctx)

	payoutStart := time.Now()
	transfer, err := s.payments.CreateTransfer(ctx, tx.ID, tx.SellerID, tx.AmountCents, tx.Currency)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObservePayout(false, time.Since(payoutStart))
		}
		// Nothing changed: flags stay set, status stays pending, and the
		// trigger can be re-invoked once the provider recovers.
		return storage.Transaction{}, NewError(apierrors.ErrCodeStripeError, fmt.Errorf("payout transfer: %w", err))
	}
	if s.metrics != nil {
		s.metrics.ObservePayout(true, time.Since(payoutStart))
	}

	completed, err := s.store.CompleteTransaction(ctx, id, transfer.ID)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent trigger won the race after our payout was issued.
			// The surplus transfer must be reconciled by an operator; it is
			// never applied to the row and never silently discarded.
			if s.metrics != nil {
				s.metrics.ObserveDuplicatePayout()
			}
			log.Error().
				Str("transaction_id", id).
				Str("transfer_ref", transfer.ID).
				Msg("escrow: duplicate payout issued by completion race loser, manual reconciliation required")
			return storage.Transaction{}, NewError(apierrors.ErrCodeAlreadyCompleted, fmt.Errorf("duplicate payout %s", transfer.ID))
		}
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Transaction{}, NewError(apierrors.ErrCodeTransactionNotFound, err)
		}
		// Payout went out but the completion write failed. Surface the
		// transfer reference so the row can be reconciled by hand.
		log.Error().
			Err(err).
			Str("transaction_id", id).
			Str("transfer_ref", transfer.ID).
			Msg("escrow: completion write failed after payout")
		return storage.Transaction{}, NewError(apierrors.ErrCodeDatabaseError, err)
	}

	if s.metrics != nil {
		s.metrics.ObserveCompletion(completed.Currency, completed.AmountCents, time.Since(completed.CreatedAt))
	}
	log.Info().
		Str("transaction_id", completed.ID).
		Str("transfer_ref", completed.TransferRef).
		Msg("escrow: transaction completed")

	s.notifier.EscrowCompleted(ctx, s.eventFor(completed))
	return completed, nil
}

// Cancel transitions a pending transaction to cancelled. Ordinary parties may
// only cancel before payment; an admin may additionally cancel a paid but not
// yet completed transaction, in which case the buyer's deposit is refunded.
func (s *Service) Cancel(ctx context.Context, actor Actor, id string) (storage.Transaction, error) {
	tx, err := s.Get(ctx, actor, id)
	if err != nil {
		return storage.Transaction{}, err
	}

	cancelled, err := s.store.CancelTransaction(ctx, id, actor.Admin)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Distinguish "payment blocks a party cancel" from "already
			// terminal" using the state we just read; the guard itself is
			// evaluated atomically by the store.
			if !actor.Admin && tx.Status == storage.StatusPending && tx.PaymentReceived {
				return storage.Transaction{}, NewError(apierrors.ErrCodePaymentAlreadyMade, err)
			}
			return storage.Transaction{}, NewError(apierrors.ErrCodeTransactionNotPending, err)
		}
		return storage.Transaction{}, s.storeError(err, apierrors.ErrCodeTransactionNotPending)
	}

	if s.metrics != nil {
		s.metrics.ObserveCancellation(actor.Admin)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("transaction_id", cancelled.ID).
		Bool("by_admin", actor.Admin).
		Msg("escrow: transaction cancelled")

	// Admin cancel after payment returns the buyer's deposit. Best effort:
	// the cancellation itself already landed, a failed refund is an operator
	// followup, not a rollback.
	if cancelled.PaymentReceived && cancelled.PaymentIntentRef != "" && s.payments != nil {
		if _, err := s.payments.RefundPayment(ctx, cancelled.PaymentIntentRef); err != nil {
			log.Error().
				Err(err).
				Str("transaction_id", cancelled.ID).
				Str("payment_intent_ref", cancelled.PaymentIntentRef).
				Msg("escrow: deposit refund failed after admin cancellation")
		}
	}

	s.notifier.EscrowCancelled(ctx, s.eventFor(cancelled))
	return cancelled, nil
}

// Refund is the administrative completed -> refunded path: reverse the
// seller payout, then perform the guarded status write.
func (s *Service) Refund(ctx context.Context, actor Actor, id string) (storage.Transaction, error) {
	if !actor.Admin {
		return storage.Transaction{}, NewError(apierrors.ErrCodeAdminRequired, nil)
	}

	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return storage.Transaction{}, s.readError(err)
	}
	if tx.Status != storage.StatusCompleted {
		return storage.Transaction{}, NewError(apierrors.ErrCodeNotRefundable, fmt.Errorf("status %s", tx.Status))
	}
	if s.payments == nil {
		return storage.Transaction{}, NewError(apierrors.ErrCodeStripeError, errors.New("payout capability not configured"))
	}

	log := logger.FromContext(ctx)

	reversal, err := s.payments.ReverseTransfer(ctx, tx.TransferRef)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveReversal(false)
		}
		return storage.Transaction{}, NewError(apierrors.ErrCodeStripeError, fmt.Errorf("reverse transfer: %w", err))
	}
	if s.metrics != nil {
		s.metrics.ObserveReversal(true)
	}

	refunded, err := s.store.RefundTransaction(ctx, id, reversal.ID)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent refund won after our reversal was issued.
			log.Error().
				Str("transaction_id", id).
				Str("reversal_ref", reversal.ID).
				Msg("escrow: duplicate reversal issued by refund race loser, manual reconciliation required")
			return storage.Transaction{}, NewError(apierrors.ErrCodeNotRefundable, fmt.Errorf("duplicate reversal %s", reversal.ID))
		}
		return storage.Transaction{}, s.storeError(err, apierrors.ErrCodeNotRefundable)
	}

	if s.metrics != nil {
		s.metrics.TransactionsRefundedTotal.Inc()
	}
	log.Info().
		Str("transaction_id", refunded.ID).
		Str("reversal_ref", refunded.ReversalRef).
		Msg("escrow: transaction refunded")

	s.notifier.EscrowRefunded(ctx, s.eventFor(refunded))
	return refunded, nil
}

// eventFor builds the outbound callback payload for a transaction snapshot.
func (s *Service) eventFor(tx storage.Transaction) callbacks.EscrowEvent {
	return callbacks.EscrowEvent{
		TransactionID: tx.ID,
		BuyerID:       tx.BuyerID,
		SellerID:      tx.SellerID,
		AmountCents:   tx.AmountCents,
		Currency:      tx.Currency,
		Status:        string(tx.Status),
		TransferRef:   tx.TransferRef,
		ReversalRef:   tx.ReversalRef,
		OccurredAt:    tx.UpdatedAt,
	}
}

// readError maps storage sentinels for plain reads, which never conflict.
func (s *Service) readError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return NewError(apierrors.ErrCodeTransactionNotFound, err)
	}
	return NewError(apierrors.ErrCodeDatabaseError, err)
}

// storeError maps storage sentinels onto the escrow error taxonomy for
// conditional writes, where ErrConflict carries the caller's conflict code.
func (s *Service) storeError(err error, conflictCode apierrors.ErrorCode) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NewError(apierrors.ErrCodeTransactionNotFound, err)
	case errors.Is(err, storage.ErrConflict):
		return NewError(conflictCode, err)
	default:
		return NewError(apierrors.ErrCodeDatabaseError, err)
	}
}

func (s *Service) currency() string {
	if s.cfg != nil && s.cfg.Escrow.Currency != "" {
		return s.cfg.Escrow.Currency
	}
	return "usd"
}

func (s *Service) expiryWindow() time.Duration {
	if s.cfg != nil && s.cfg.Escrow.ExpiryWindow.Duration > 0 {
		return s.cfg.Escrow.ExpiryWindow.Duration
	}
	return 24 * time.Hour
}

func (s *Service) descriptionMaxLen() int {
	if s.cfg != nil && s.cfg.Escrow.DescriptionMaxLen > 0 {
		return s.cfg.Escrow.DescriptionMaxLen
	}
	return 1000
}
