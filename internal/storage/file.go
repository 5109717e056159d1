package storage

import (
	"time"

	"github.com/google/uuid"
)

// EncryptedFile is one sealed deliverable belonging to a transaction.
// Uploads append; rows are never mutated after creation. The most recent
// row is the current deliverable ("latest wins"), and earlier rows remain
// as an audit trail of re-uploads.
type EncryptedFile struct {
	ID            string
	TransactionID string

	Filename  string
	MIME      string
	SizeBytes int64 // plaintext size; always equals len(Ciphertext)

	// Envelope material. No plaintext or unwrapped key is ever stored.
	WrappedKey []byte
	IV         []byte
	Tag        []byte
	Ciphertext []byte

	CreatedAt time.Time
	Seq       int64 // insertion-order tiebreak for identical timestamps; assigned by the store
}

// FileMetadata is the ciphertext-free view of an EncryptedFile.
type FileMetadata struct {
	ID            string
	TransactionID string
	Filename      string
	MIME          string
	SizeBytes     int64
	CreatedAt     time.Time
}

// Metadata strips the envelope material from a file row.
func (f *EncryptedFile) Metadata() FileMetadata {
	return FileMetadata{
		ID:            f.ID,
		TransactionID: f.TransactionID,
		Filename:      f.Filename,
		MIME:          f.MIME,
		SizeBytes:     f.SizeBytes,
		CreatedAt:     f.CreatedAt,
	}
}

// GenerateFileID creates a new opaque file identifier.
func GenerateFileID() string {
	return uuid.NewString()
}
