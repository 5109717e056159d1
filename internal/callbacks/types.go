package callbacks

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/EscrowBox/server/internal/config"
	"github.com/EscrowBox/server/internal/httputil"
)

// Notifier delivers escrow lifecycle events to a user-defined callback URL.
type Notifier interface {
	EscrowCompleted(ctx context.Context, event EscrowEvent)
	EscrowCancelled(ctx context.Context, event EscrowEvent)
	EscrowRefunded(ctx context.Context, event EscrowEvent)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) EscrowCompleted(context.Context, EscrowEvent) {}
func (NoopNotifier) EscrowCancelled(context.Context, EscrowEvent) {}
func (NoopNotifier) EscrowRefunded(context.Context, EscrowEvent)  {}

// EscrowEvent encapsulates the essential information about an escrow state change.
// IMPORTANT: EventID is the idempotency key - callback consumers MUST use this to prevent duplicate processing.
type EscrowEvent struct {
	// Idempotency and event metadata (ALWAYS present)
	EventID        string    `json:"eventId"`        // Unique event identifier for idempotency (e.g., "evt_abc123")
	EventType      string    `json:"eventType"`      // "escrow.completed", "escrow.cancelled", or "escrow.refunded"
	EventTimestamp time.Time `json:"eventTimestamp"` // ISO8601 timestamp when event was created (UTC)

	// Transaction details
	TransactionID string            `json:"transactionId"`
	BuyerID       string            `json:"buyerId"`
	SellerID      string            `json:"sellerId"`
	AmountCents   int64             `json:"amountCents"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	TransferRef   string            `json:"transferRef,omitempty"`
	ReversalRef   string            `json:"reversalRef,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
}

// ErrCallbackDisabled is returned when callbacks are not configured.
var ErrCallbackDisabled = errors.New("callbacks: disabled")

// Event type constants for escrow lifecycle callbacks.
const (
	EventEscrowCompleted = "escrow.completed"
	EventEscrowCancelled = "escrow.cancelled"
	EventEscrowRefunded  = "escrow.refunded"
)

// generateEventID creates a unique event identifier for idempotency.
// Format: "evt_" + 24 hex characters (12 random bytes)
// Example: "evt_a1b2c3d4e5f67890abcdef12"
func generateEventID() string {
	randomBytes := make([]byte, 12)
	if _, err := rand.Read(randomBytes); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails (extremely rare)
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return "evt_" + hex.EncodeToString(randomBytes)
}

// PrepareEscrowEvent ensures EscrowEvent has required idempotency fields set.
// If EventID is already set, it's preserved (for retries). If not, a new one is generated.
func PrepareEscrowEvent(event *EscrowEvent, defaultEventType string) {
	if event.EventID == "" {
		event.EventID = generateEventID()
	}
	if event.EventType == "" {
		event.EventType = defaultEventType
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = time.Now().UTC()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
}

// SendOnce sends an escrow event callback without retry logic (for testing/CLI tools).
func SendOnce(ctx context.Context, cfg config.CallbacksConfig, event EscrowEvent) error {
	if cfg.EscrowEventURL == "" {
		return ErrCallbackDisabled
	}

	// Ensure idempotency fields are set
	PrepareEscrowEvent(&event, event.EventType)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := httputil.NewClient(timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.EscrowEventURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	contentType := cfg.Headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)

	for k, v := range cfg.Headers {
		if k == "" || k == "Content-Type" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, cfg.EscrowEventURL)
	}

	return nil
}
