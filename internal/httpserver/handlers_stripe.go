package httpserver

import (
	"errors"
	"io"
	"net/http"

	apierrors "github.com/EscrowBox/server/internal/errors"
	"github.com/EscrowBox/server/internal/escrow"
	"github.com/EscrowBox/server/internal/logger"
	"github.com/EscrowBox/server/pkg/responders"
)

// Stripe webhook payloads are small JSON documents; 64KB is generous.
const maxWebhookBodyBytes = 64 << 10

// handleStripeWebhook processes signed Stripe events. A payment_intent.succeeded
// event marks the payment flag and re-evaluates completion. Stripe retries on
// non-2xx, so anything already handled is acknowledged rather than re-failed.
func (h *handlers) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "failed to read webhook body")
		return
	}

	event, err := h.stripe.ParseWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.Warn().Err(err).Msg("stripe.webhook.invalid")
		if h.metrics != nil {
			h.metrics.ObserveWebhookReceived("unknown", "invalid")
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid webhook signature or payload")
		return
	}

	if event.Type != "payment_intent.succeeded" {
		// Acknowledge unhandled event types so Stripe stops redelivering them.
		if h.metrics != nil {
			h.metrics.ObserveWebhookReceived(event.Type, "ignored")
		}
		responders.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	tx, err := h.escrow.MarkPaymentReceived(r.Context(), event.TransactionID, event.PaymentIntentID)
	if err != nil {
		var domainErr escrow.Error
		if errors.As(err, &domainErr) {
			switch domainErr.Code {
			case apierrors.ErrCodeTransactionNotFound:
				// Likely a payment from another environment sharing the
				// webhook endpoint. Acknowledge so Stripe does not retry.
				log.Warn().
					Str("transaction_id", event.TransactionID).
					Str("payment_intent", event.PaymentIntentID).
					Msg("stripe.webhook.unknown_transaction")
				if h.metrics != nil {
					h.metrics.ObserveWebhookReceived(event.Type, "unknown_transaction")
				}
				responders.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
				return
			case apierrors.ErrCodeAlreadyCompleted, apierrors.ErrCodeTransactionNotPending:
				// Duplicate delivery after the transaction reached a terminal
				// state. The payment was already accounted for.
				if h.metrics != nil {
					h.metrics.ObserveWebhookReceived(event.Type, "duplicate")
				}
				responders.JSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
				return
			}
		}
		log.Error().Err(err).
			Str("transaction_id", event.TransactionID).
			Msg("stripe.webhook.processing_failed")
		if h.metrics != nil {
			h.metrics.ObserveWebhookReceived(event.Type, "error")
		}
		writeDomainError(w, err, event.TransactionID)
		return
	}

	if h.metrics != nil {
		h.metrics.ObserveWebhookReceived(event.Type, "processed")
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"status": "processed",
		"transaction": map[string]any{
			"id":     tx.ID,
			"status": string(tx.Status),
		},
	})
}
