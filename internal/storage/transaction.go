package storage

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an escrow transaction.
// Transitions only move forward: pending -> {cancelled, completed},
// completed -> refunded. Terminal states never transition again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
	StatusCompleted Status = "completed"
)

// Transaction is one escrow agreement between a buyer and a seller.
// The two readiness flags are monotonic: once true they never revert,
// regardless of later failures. Rows are never physically deleted.
type Transaction struct {
	ID          string
	BuyerID     string
	SellerID    string
	AmountCents int64
	Currency    string
	Description string

	Status          Status
	PaymentReceived bool
	FileUploaded    bool

	// External payment references, for audit linkage only.
	PaymentIntentRef string // set at creation
	TransferRef      string // set exactly once, on completion
	ReversalRef      string // set on refund

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	ExpiresAt   time.Time // advisory; enforcement is an external collaborator's job
}

// IsTerminal reports whether no further status transition is permitted,
// other than the administrative completed -> refunded path.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusCancelled, StatusRefunded, StatusCompleted:
		return true
	}
	return false
}

// ReadyToComplete reports whether the completion trigger should fire:
// both readiness flags set while the transaction is still pending.
func (t *Transaction) ReadyToComplete() bool {
	return t.Status == StatusPending && t.PaymentReceived && t.FileUploaded
}

// IsExpiredAt reports whether the advisory expiry window has passed.
func (t *Transaction) IsExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsParty reports whether the given actor is the buyer or seller.
func (t *Transaction) IsParty(actorID string) bool {
	return actorID != "" && (actorID == t.BuyerID || actorID == t.SellerID)
}

// GenerateTransactionID creates a new opaque transaction identifier.
func GenerateTransactionID() string {
	return uuid.NewString()
}
