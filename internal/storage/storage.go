package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EscrowBox/server/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a guarded conditional update loses its guard:
// the row exists but its status no longer satisfies the transition's
// precondition (e.g. completing a transaction that is no longer pending).
var ErrConflict = errors.New("storage: conflicting state")

// Store captures the persistence requirements for escrow state.
//
// Status transitions are single conditional writes: the backend must apply
// the guard ("still pending", "still completed") and the update atomically,
// never as a separate read followed by a write. Exactly one concurrent
// CompleteTransaction call can succeed per transaction; the losers receive
// ErrConflict. The readiness flags are monotonic - Set* operations are
// idempotent and never revert a true flag.
type Store interface {
	// Transaction lifecycle
	CreateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	// ListTransactionsByParty returns transactions where the actor is buyer
	// or seller, newest first.
	ListTransactionsByParty(ctx context.Context, actorID string) ([]Transaction, error)

	// Monotonic readiness flags. Repeat calls are no-ops, not errors.
	SetPaymentReceived(ctx context.Context, id, paymentIntentRef string) error
	SetFileUploaded(ctx context.Context, id string) error

	// Guarded status transitions (single conditional write each).
	// CompleteTransaction: pending + both flags -> completed, recording the
	// transfer reference and completion time.
	CompleteTransaction(ctx context.Context, id, transferRef string) (Transaction, error)
	// CancelTransaction: pending -> cancelled. Unless allowPaid (admin), the
	// guard additionally requires payment_received = false.
	CancelTransaction(ctx context.Context, id string, allowPaid bool) (Transaction, error)
	// RefundTransaction: completed -> refunded, recording the reversal reference.
	RefundTransaction(ctx context.Context, id, reversalRef string) (Transaction, error)

	// Encrypted file rows. SaveFile appends; prior uploads are never
	// overwritten. LatestFileMetadata orders by creation time descending,
	// tie-broken by insertion order.
	SaveFile(ctx context.Context, f EncryptedFile) error
	LatestFileMetadata(ctx context.Context, transactionID string) (FileMetadata, error)
	GetFileEnvelope(ctx context.Context, fileID string) (EncryptedFile, error)

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig

	// Schema mapping (table names for Postgres, collection names for MongoDB)
	TransactionsTableName string // Default: "escrow_transactions"
	FilesTableName        string // Default: "encrypted_files"
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database pool.
// If sharedDB is provided (non-nil) for the postgres backend, it is used instead
// of opening a new connection pool.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// Memory backend loses all escrow state on restart.
		// Only use for development/testing - NEVER in production.
		return NewMemoryStore(), nil
	case "", "postgres":
		if cfg.PostgresURL == "" {
			if cfg.Backend == "postgres" {
				return nil, fmt.Errorf("postgres backend requires postgres_url")
			}
			if cfg.MongoDBURL != "" {
				return newMongoFromConfig(cfg)
			}
			// No backend configured - fall back to memory for local development.
			return NewMemoryStore(), nil
		}
		var store *PostgresStore
		var err error
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(sharedDB)
		} else {
			store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
		}
		if err != nil {
			return nil, err
		}
		return store.WithTableNames(cfg.TransactionsTableName, cfg.FilesTableName), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		return newMongoFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func newMongoFromConfig(cfg StoreConfig) (Store, error) {
	db := cfg.MongoDBDatabase
	if db == "" {
		db = "escrowbox"
	}
	return NewMongoStore(cfg.MongoDBURL, db, cfg.TransactionsTableName, cfg.FilesTableName)
}

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development. All guarded transitions happen under one
// mutex, which gives the same linearizability as the SQL conditional writes.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]Transaction
	filesByTx    map[string][]EncryptedFile // append order preserved
	filesByID    map[string]EncryptedFile
	fileSeq      int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]Transaction),
		filesByTx:    make(map[string][]EncryptedFile),
		filesByID:    make(map[string]EncryptedFile),
	}
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}

// CreateTransaction inserts a new transaction row.
func (m *MemoryStore) CreateTransaction(_ context.Context, tx Transaction) error {
	if err := validateAndPrepareTransaction(&tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transactions[tx.ID]; exists {
		return fmt.Errorf("transaction already exists: %s", tx.ID)
	}
	m.transactions[tx.ID] = tx
	return nil
}

// GetTransaction retrieves a transaction by id.
func (m *MemoryStore) GetTransaction(_ context.Context, id string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

// ListTransactionsByParty returns transactions involving the actor, newest first.
func (m *MemoryStore) ListTransactionsByParty(_ context.Context, actorID string) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Transaction
	for _, tx := range m.transactions {
		if tx.IsParty(actorID) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SetPaymentReceived marks the payment flag true. Idempotent: a repeat call
// (duplicate webhook, racing confirmation) is a silent no-op.
func (m *MemoryStore) SetPaymentReceived(_ context.Context, id, paymentIntentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	if tx.PaymentReceived {
		return nil
	}
	tx.PaymentReceived = true
	if paymentIntentRef != "" {
		tx.PaymentIntentRef = paymentIntentRef
	}
	tx.UpdatedAt = time.Now()
	m.transactions[id] = tx
	return nil
}

// SetFileUploaded marks the file flag true. Idempotent.
func (m *MemoryStore) SetFileUploaded(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	if tx.FileUploaded {
		return nil
	}
	tx.FileUploaded = true
	tx.UpdatedAt = time.Now()
	m.transactions[id] = tx
	return nil
}

// CompleteTransaction performs the guarded completion write.
// Exactly one caller can succeed; later callers get ErrConflict.
func (m *MemoryStore) CompleteTransaction(_ context.Context, id, transferRef string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !tx.ReadyToComplete() {
		return Transaction{}, ErrConflict
	}

	now := time.Now()
	tx.Status = StatusCompleted
	tx.TransferRef = transferRef
	tx.CompletedAt = &now
	tx.UpdatedAt = now
	m.transactions[id] = tx
	return tx, nil
}

// CancelTransaction performs the guarded cancellation write.
func (m *MemoryStore) CancelTransaction(_ context.Context, id string, allowPaid bool) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if tx.Status != StatusPending {
		return Transaction{}, ErrConflict
	}
	if tx.PaymentReceived && !allowPaid {
		return Transaction{}, ErrConflict
	}

	tx.Status = StatusCancelled
	tx.UpdatedAt = time.Now()
	m.transactions[id] = tx
	return tx, nil
}

// RefundTransaction performs the guarded completed -> refunded write.
func (m *MemoryStore) RefundTransaction(_ context.Context, id, reversalRef string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if tx.Status != StatusCompleted {
		return Transaction{}, ErrConflict
	}

	tx.Status = StatusRefunded
	if reversalRef != "" {
		tx.ReversalRef = reversalRef
	}
	tx.UpdatedAt = time.Now()
	m.transactions[id] = tx
	return tx, nil
}

// SaveFile appends an encrypted file row for a transaction.
func (m *MemoryStore) SaveFile(_ context.Context, f EncryptedFile) error {
	if err := validateAndPrepareFile(&f); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[f.TransactionID]; !ok {
		return ErrNotFound
	}
	if _, exists := m.filesByID[f.ID]; exists {
		return fmt.Errorf("file already exists: %s", f.ID)
	}

	m.fileSeq++
	f.Seq = m.fileSeq
	m.filesByID[f.ID] = f
	m.filesByTx[f.TransactionID] = append(m.filesByTx[f.TransactionID], f)
	return nil
}

// LatestFileMetadata returns the newest file's metadata for a transaction.
func (m *MemoryStore) LatestFileMetadata(_ context.Context, transactionID string) (FileMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := m.filesByTx[transactionID]
	if len(files) == 0 {
		return FileMetadata{}, ErrNotFound
	}

	latest := files[0]
	for _, f := range files[1:] {
		if f.CreatedAt.After(latest.CreatedAt) ||
			(f.CreatedAt.Equal(latest.CreatedAt) && f.Seq > latest.Seq) {
			latest = f
		}
	}
	return latest.Metadata(), nil
}

// GetFileEnvelope returns the full envelope for one file by id.
func (m *MemoryStore) GetFileEnvelope(_ context.Context, fileID string) (EncryptedFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.filesByID[fileID]
	if !ok {
		return EncryptedFile{}, ErrNotFound
	}
	return f, nil
}
