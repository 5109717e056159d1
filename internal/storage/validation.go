package storage

import (
	"fmt"
	"time"
)

// validateAndPrepareTransaction validates required fields and sets default
// status and timestamps.
func validateAndPrepareTransaction(tx *Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("transaction requires id")
	}
	if tx.BuyerID == "" || tx.SellerID == "" {
		return fmt.Errorf("transaction requires buyer and seller")
	}
	if tx.AmountCents <= 0 {
		return fmt.Errorf("transaction requires positive amount")
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}
	if tx.ExpiresAt.IsZero() {
		tx.ExpiresAt = tx.CreatedAt.Add(24 * time.Hour)
	}
	return nil
}

// validateAndPrepareFile validates required fields and sets default timestamps.
func validateAndPrepareFile(f *EncryptedFile) error {
	if f.ID == "" {
		return fmt.Errorf("file requires id")
	}
	if f.TransactionID == "" {
		return fmt.Errorf("file requires transaction id")
	}
	if len(f.WrappedKey) == 0 || len(f.IV) == 0 || len(f.Tag) == 0 {
		return fmt.Errorf("file requires envelope material")
	}
	if f.SizeBytes != int64(len(f.Ciphertext)) {
		return fmt.Errorf("file size %d does not match ciphertext length %d", f.SizeBytes, len(f.Ciphertext))
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	return nil
}
