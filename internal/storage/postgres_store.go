package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/EscrowBox/server/internal/config"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
//
// All guarded transitions are single UPDATE statements whose WHERE clause
// carries the guard, so two racing completers resolve at the row lock:
// one sees 1 row affected, the other sees 0 and gets ErrConflict.
type PostgresStore struct {
	db                    *sql.DB
	ownsDB                bool   // Track if we created the DB connection (for Close())
	transactionsTableName string // Configurable table name (default: "escrow_transactions")
	filesTableName        string // Configurable table name (default: "encrypted_files")
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// NOTE: db.Close() error is intentionally ignored during initialization cleanup.
		// If connection fails, the Close() error is not actionable and would only obscure
		// the original connection failure. The primary error is returned to the caller.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// Apply connection pool settings from config
	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{
		db:                    db,
		ownsDB:                true,
		transactionsTableName: "escrow_transactions",
		filesTableName:        "encrypted_files",
	}

	if err := store.createPostgresTables(); err != nil {
		// Same rationale: Close() error during initialization cleanup is not actionable
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
// This allows sharing a single connection pool across multiple stores/repositories.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{
		db:                    db,
		ownsDB:                false,
		transactionsTableName: "escrow_transactions",
		filesTableName:        "encrypted_files",
	}

	if err := store.createPostgresTables(); err != nil {
		return nil, err
	}

	return store, nil
}

// WithTableNames sets custom table names (for schema_mapping support).
// After setting table names, it recreates tables with the new names.
func (s *PostgresStore) WithTableNames(transactions, files string) *PostgresStore {
	if transactions != "" {
		s.transactionsTableName = transactions
	}
	if files != "" {
		s.filesTableName = files
	}

	// Recreate tables with new names (CREATE TABLE IF NOT EXISTS will only create missing tables)
	_ = s.createPostgresTables()

	return s
}

// createPostgresTables creates the necessary tables if they don't exist.
// The files table carries a BIGSERIAL seq so "latest upload" has a total
// order even when two rows share a created_at timestamp.
func (s *PostgresStore) createPostgresTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			buyer_id TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			payment_received BOOLEAN NOT NULL DEFAULT FALSE,
			file_uploaded BOOLEAN NOT NULL DEFAULT FALSE,
			payment_intent_ref TEXT,
			transfer_ref TEXT,
			reversal_ref TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			expires_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			transaction_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			mime TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			wrapped_key BYTEA NOT NULL,
			iv BYTEA NOT NULL,
			tag BYTEA NOT NULL,
			ciphertext BYTEA NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_transactions_buyer ON %s(buyer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_escrow_transactions_seller ON %s(seller_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_escrow_transactions_status ON %s(status);
		CREATE INDEX IF NOT EXISTS idx_encrypted_files_transaction ON %s(transaction_id, created_at DESC, seq DESC);
	`,
		// Table names
		s.transactionsTableName,
		s.filesTableName,
		// Index table references
		s.transactionsTableName, s.transactionsTableName, s.transactionsTableName,
		s.filesTableName,
	)

	_, err := s.db.Exec(schema)
	return err
}

// Close implements the Store interface.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

const transactionColumns = `id, buyer_id, seller_id, amount_cents, currency, description,
	status, payment_received, file_uploaded,
	payment_intent_ref, transfer_ref, reversal_ref,
	created_at, updated_at, completed_at, expires_at`

func scanTransaction(row interface{ Scan(...any) error }) (Transaction, error) {
	var tx Transaction
	var description, intentRef, transferRef, reversalRef sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&tx.ID, &tx.BuyerID, &tx.SellerID, &tx.AmountCents, &tx.Currency, &description,
		&tx.Status, &tx.PaymentReceived, &tx.FileUploaded,
		&intentRef, &transferRef, &reversalRef,
		&tx.CreatedAt, &tx.UpdatedAt, &completedAt, &tx.ExpiresAt,
	)
	if err != nil {
		return Transaction{}, err
	}

	tx.Description = description.String
	tx.PaymentIntentRef = intentRef.String
	tx.TransferRef = transferRef.String
	tx.ReversalRef = reversalRef.String
	if completedAt.Valid {
		t := completedAt.Time
		tx.CompletedAt = &t
	}
	return tx, nil
}

// CreateTransaction persists a new escrow transaction.
func (s *PostgresStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	if err := validateAndPrepareTransaction(&tx); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, buyer_id, seller_id, amount_cents, currency, description,
			status, payment_received, file_uploaded, payment_intent_ref,
			created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.transactionsTableName)

	// Convert timestamps to UTC for consistent timezone handling
	_, err := s.db.ExecContext(ctx, query,
		tx.ID, tx.BuyerID, tx.SellerID, tx.AmountCents, tx.Currency, tx.Description,
		tx.Status, tx.PaymentReceived, tx.FileUploaded, tx.PaymentIntentRef,
		tx.CreatedAt.UTC(), tx.UpdatedAt.UTC(), tx.ExpiresAt.UTC())

	return err
}

// GetTransaction retrieves a transaction by ID.
func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, transactionColumns, s.transactionsTableName)

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

// ListTransactionsByParty retrieves transactions where the actor is buyer or seller.
func (s *PostgresStore) ListTransactionsByParty(ctx context.Context, actorID string) ([]Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
	`, transactionColumns, s.transactionsTableName)

	rows, err := s.db.QueryContext(ctx, query, actorID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// SetPaymentReceived marks the payment flag. The WHERE clause skips rows
// that already have the flag, making duplicate webhooks a clean no-op.
func (s *PostgresStore) SetPaymentReceived(ctx context.Context, id, paymentIntentRef string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET payment_received = TRUE,
			payment_intent_ref = COALESCE(NULLIF($2, ''), payment_intent_ref),
			updated_at = $3
		WHERE id = $1 AND payment_received = FALSE
	`, s.transactionsTableName)

	result, err := s.db.ExecContext(ctx, query, id, paymentIntentRef, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set payment received: %w", err)
	}
	return s.noopIfExists(ctx, result, id)
}

// SetFileUploaded marks the file flag. Idempotent like SetPaymentReceived.
func (s *PostgresStore) SetFileUploaded(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET file_uploaded = TRUE, updated_at = $2
		WHERE id = $1 AND file_uploaded = FALSE
	`, s.transactionsTableName)

	result, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set file uploaded: %w", err)
	}
	return s.noopIfExists(ctx, result, id)
}

// noopIfExists distinguishes "flag already set" (fine) from "no such row".
func (s *PostgresStore) noopIfExists(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetTransaction(ctx, id); err != nil {
		return err
	}
	return nil
}

// CompleteTransaction performs the guarded completion write.
// The guard lives in the WHERE clause: only a still-pending row with both
// flags set can transition. Exactly one concurrent caller wins.
func (s *PostgresStore) CompleteTransaction(ctx context.Context, id, transferRef string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, transfer_ref = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5 AND payment_received = TRUE AND file_uploaded = TRUE
		RETURNING %s
	`, s.transactionsTableName, transactionColumns)

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id, StatusCompleted, transferRef, now, StatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, s.classifyGuardFailure(ctx, id)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("complete transaction: %w", err)
	}
	return tx, nil
}

// CancelTransaction performs the guarded cancellation write.
func (s *PostgresStore) CancelTransaction(ctx context.Context, id string, allowPaid bool) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4 AND ($5 OR payment_received = FALSE)
		RETURNING %s
	`, s.transactionsTableName, transactionColumns)

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id, StatusCancelled, time.Now().UTC(), StatusPending, allowPaid))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, s.classifyGuardFailure(ctx, id)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("cancel transaction: %w", err)
	}
	return tx, nil
}

// RefundTransaction performs the guarded completed -> refunded write.
func (s *PostgresStore) RefundTransaction(ctx context.Context, id, reversalRef string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, reversal_ref = COALESCE(NULLIF($3, ''), reversal_ref), updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING %s
	`, s.transactionsTableName, transactionColumns)

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id, StatusRefunded, reversalRef, time.Now().UTC(), StatusCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, s.classifyGuardFailure(ctx, id)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("refund transaction: %w", err)
	}
	return tx, nil
}

// classifyGuardFailure turns a zero-row conditional update into ErrNotFound
// or ErrConflict depending on whether the row exists at all.
func (s *PostgresStore) classifyGuardFailure(ctx context.Context, id string) error {
	if _, err := s.GetTransaction(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// SaveFile appends an encrypted file row.
func (s *PostgresStore) SaveFile(ctx context.Context, f EncryptedFile) error {
	if err := validateAndPrepareFile(&f); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, transaction_id, filename, mime, size_bytes,
			wrapped_key, iv, tag, ciphertext, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.filesTableName)

	_, err := s.db.ExecContext(ctx, query,
		f.ID, f.TransactionID, f.Filename, f.MIME, f.SizeBytes,
		f.WrappedKey, f.IV, f.Tag, f.Ciphertext, f.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	return nil
}

// LatestFileMetadata retrieves metadata of the newest file for a transaction.
func (s *PostgresStore) LatestFileMetadata(ctx context.Context, transactionID string) (FileMetadata, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, transaction_id, filename, mime, size_bytes, created_at
		FROM %s
		WHERE transaction_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, s.filesTableName)

	var meta FileMetadata
	err := s.db.QueryRowContext(ctx, query, transactionID).Scan(
		&meta.ID, &meta.TransactionID, &meta.Filename, &meta.MIME, &meta.SizeBytes, &meta.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileMetadata{}, ErrNotFound
	}
	if err != nil {
		return FileMetadata{}, fmt.Errorf("latest file metadata: %w", err)
	}
	return meta, nil
}

// GetFileEnvelope retrieves the full envelope for one file by ID.
func (s *PostgresStore) GetFileEnvelope(ctx context.Context, fileID string) (EncryptedFile, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, seq, transaction_id, filename, mime, size_bytes,
			wrapped_key, iv, tag, ciphertext, created_at
		FROM %s
		WHERE id = $1
	`, s.filesTableName)

	var f EncryptedFile
	err := s.db.QueryRowContext(ctx, query, fileID).Scan(
		&f.ID, &f.Seq, &f.TransactionID, &f.Filename, &f.MIME, &f.SizeBytes,
		&f.WrappedKey, &f.IV, &f.Tag, &f.Ciphertext, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return EncryptedFile{}, ErrNotFound
	}
	if err != nil {
		return EncryptedFile{}, fmt.Errorf("get file envelope: %w", err)
	}
	return f, nil
}
