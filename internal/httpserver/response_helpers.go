package httpserver

import (
	"errors"
	"net/http"
	"time"

	apierrors "github.com/EscrowBox/server/internal/errors"
	"github.com/EscrowBox/server/internal/escrow"
	"github.com/EscrowBox/server/internal/storage"
)

// transactionResponse is the client-facing view of a transaction.
type transactionResponse struct {
	ID              string     `json:"id"`
	BuyerID         string     `json:"buyerId"`
	SellerID        string     `json:"sellerId"`
	AmountCents     int64      `json:"amountCents"`
	Currency        string     `json:"currency"`
	Description     string     `json:"description"`
	Status          string     `json:"status"`
	PaymentReceived bool       `json:"paymentReceived"`
	FileUploaded    bool       `json:"fileUploaded"`
	TransferRef     string     `json:"transferRef,omitempty"`
	ReversalRef     string     `json:"reversalRef,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ExpiresAt       time.Time  `json:"expiresAt"`
}

func toTransactionResponse(tx storage.Transaction) transactionResponse {
	return transactionResponse{
		ID:              tx.ID,
		BuyerID:         tx.BuyerID,
		SellerID:        tx.SellerID,
		AmountCents:     tx.AmountCents,
		Currency:        tx.Currency,
		Description:     tx.Description,
		Status:          string(tx.Status),
		PaymentReceived: tx.PaymentReceived,
		FileUploaded:    tx.FileUploaded,
		TransferRef:     tx.TransferRef,
		ReversalRef:     tx.ReversalRef,
		CreatedAt:       tx.CreatedAt,
		UpdatedAt:       tx.UpdatedAt,
		CompletedAt:     tx.CompletedAt,
		ExpiresAt:       tx.ExpiresAt,
	}
}

// fileMetadataResponse is the ciphertext-free file view.
type fileMetadataResponse struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	MIME      string    `json:"mime"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

func toFileMetadataResponse(meta storage.FileMetadata) fileMetadataResponse {
	return fileMetadataResponse{
		ID:        meta.ID,
		Filename:  meta.Filename,
		MIME:      meta.MIME,
		SizeBytes: meta.SizeBytes,
		CreatedAt: meta.CreatedAt,
	}
}

// writeDomainError maps an escrow.Error onto the standard error body; any
// other error becomes an opaque 500.
func writeDomainError(w http.ResponseWriter, err error, transactionID string) {
	var details map[string]interface{}
	if transactionID != "" {
		details = map[string]interface{}{"transactionId": transactionID}
	}

	var domainErr escrow.Error
	if errors.As(err, &domainErr) {
		apierrors.WriteError(w, domainErr.Code, domainErr.Message, details)
		return
	}
	apierrors.WriteError(w, apierrors.ErrCodeInternalError, "An unexpected error occurred.", details)
}
