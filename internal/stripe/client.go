package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/paymentintent"
	"github.com/stripe/stripe-go/v72/refund"
	"github.com/stripe/stripe-go/v72/reversal"
	"github.com/stripe/stripe-go/v72/transfer"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/EscrowBox/server/internal/circuitbreaker"
	"github.com/EscrowBox/server/internal/config"
	"github.com/EscrowBox/server/internal/metrics"
)

// metadataTransactionKey links Stripe objects back to escrow transactions.
const metadataTransactionKey = "transaction_id"

// Client wraps the stripe-go operations used by the escrow service: charging
// the buyer (payment intents), paying out the seller (transfers), and the two
// unwind paths (transfer reversals and payment refunds).
type Client struct {
	cfg      config.StripeConfig
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

// NewClient sets up stripe-go with the provided credentials.
func NewClient(cfg config.StripeConfig, breakers *circuitbreaker.Manager, metricsCollector *metrics.Metrics) *Client {
	stripeapi.Key = cfg.SecretKey
	return &Client{
		cfg:      cfg,
		breakers: breakers,
		metrics:  metricsCollector,
	}
}

// execute runs a Stripe call through the circuit breaker with timing.
func (c *Client) execute(operation string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	var result interface{}
	var err error
	if c.breakers != nil {
		result, err = c.breakers.Execute(circuitbreaker.ServiceStripe, fn)
	} else {
		result, err = fn()
	}
	if c.metrics != nil {
		c.metrics.ObserveStripeCall(operation, time.Since(start), err)
	}
	return result, err
}

// CreatePaymentIntent opens a payment intent for the buyer's escrow deposit.
// The transaction id travels in metadata so the success webhook can be
// matched back to the escrow row.
func (c *Client) CreatePaymentIntent(ctx context.Context, transactionID string, amountCents int64, currency, description string) (*stripeapi.PaymentIntent, error) {
	if amountCents <= 0 {
		return nil, errors.New("stripe: amount must be positive")
	}

	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(amountCents),
		Currency: stripeapi.String(currency),
	}
	if description != "" {
		params.Description = stripeapi.String(description)
	}
	params.AddMetadata(metadataTransactionKey, transactionID)

	result, err := c.execute("create_payment_intent", func() (interface{}, error) {
		return paymentintent.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	return result.(*stripeapi.PaymentIntent), nil
}

// GetPaymentIntent fetches an intent for confirmation polling.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*stripeapi.PaymentIntent, error) {
	result, err := c.execute("get_payment_intent", func() (interface{}, error) {
		return paymentintent.Get(id, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: get payment intent: %w", err)
	}
	return result.(*stripeapi.PaymentIntent), nil
}

// CreateTransfer pays the escrowed amount out to the seller.
// The transaction id doubles as the transfer group so payout and deposit
// stay linked in Stripe's dashboard.
func (c *Client) CreateTransfer(ctx context.Context, transactionID, destination string, amountCents int64, currency string) (*stripeapi.Transfer, error) {
	if amountCents <= 0 {
		return nil, errors.New("stripe: amount must be positive")
	}
	if destination == "" {
		return nil, errors.New("stripe: transfer destination required")
	}

	params := &stripeapi.TransferParams{
		Amount:        stripeapi.Int64(amountCents),
		Currency:      stripeapi.String(currency),
		Destination:   stripeapi.String(destination),
		TransferGroup: stripeapi.String(transactionID),
	}
	params.AddMetadata(metadataTransactionKey, transactionID)

	result, err := c.execute("create_transfer", func() (interface{}, error) {
		return transfer.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: create transfer: %w", err)
	}
	return result.(*stripeapi.Transfer), nil
}

// ReverseTransfer pulls a completed payout back from the seller.
func (c *Client) ReverseTransfer(ctx context.Context, transferID string) (*stripeapi.Reversal, error) {
	if transferID == "" {
		return nil, errors.New("stripe: transfer id required")
	}

	params := &stripeapi.ReversalParams{
		Transfer: stripeapi.String(transferID),
	}

	result, err := c.execute("reverse_transfer", func() (interface{}, error) {
		return reversal.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: reverse transfer: %w", err)
	}
	return result.(*stripeapi.Reversal), nil
}

// RefundPayment returns the buyer's deposit on a cancelled-after-payment
// transaction.
func (c *Client) RefundPayment(ctx context.Context, paymentIntentID string) (*stripeapi.Refund, error) {
	if paymentIntentID == "" {
		return nil, errors.New("stripe: payment intent id required")
	}

	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(paymentIntentID),
	}

	result, err := c.execute("refund_payment", func() (interface{}, error) {
		return refund.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: refund payment: %w", err)
	}
	return result.(*stripeapi.Refund), nil
}

// WebhookEvent wraps the subset of event types we care about.
type WebhookEvent struct {
	Type            string
	PaymentIntentID string
	TransactionID   string
	Metadata        map[string]string
	AmountReceived  int64
	Currency        string
}

// ParseWebhook validates event signatures and normalises the payload.
func (c *Client) ParseWebhook(ctx context.Context, payload []byte, signature string) (WebhookEvent, error) {
	if c.cfg.WebhookSecret == "" {
		return WebhookEvent{}, errors.New("stripe: webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: construct event: %w", err)
	}
	switch event.Type {
	case "payment_intent.succeeded":
		var intent stripeapi.PaymentIntent
		if err := jsonExtract(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, err
		}

		// Extract transaction ID with nil-safe metadata access
		transactionID := extractTransactionID(intent.Metadata)
		if transactionID == "" {
			return WebhookEvent{}, errors.New("stripe: webhook missing transaction_id in metadata")
		}

		return WebhookEvent{
			Type:            event.Type,
			PaymentIntentID: intent.ID,
			TransactionID:   transactionID,
			Metadata:        intent.Metadata,
			AmountReceived:  intent.AmountReceived,
			Currency:        string(intent.Currency),
		}, nil
	default:
		return WebhookEvent{
			Type: event.Type,
		}, nil
	}
}

// extractTransactionID reads the escrow linkage out of Stripe metadata,
// accepting both snake_case and camelCase keys.
func extractTransactionID(metadata map[string]string) string {
	if metadata == nil {
		return ""
	}
	if id := metadata[metadataTransactionKey]; id != "" {
		return id
	}
	return metadata["transactionId"]
}

func jsonExtract(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("stripe: webhook payload empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("stripe: decode webhook payload: %w", err)
	}
	return nil
}
