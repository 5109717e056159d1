package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestTransaction() Transaction {
	return Transaction{
		ID:          GenerateTransactionID(),
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		AmountCents: 5000,
		Currency:    "usd",
		Description: "design mockups",
	}
}

func mustCreate(t *testing.T, store Store, tx Transaction) Transaction {
	t.Helper()
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	got, err := store.GetTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	return got
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	tx := newTestTransaction()

	got := mustCreate(t, store, tx)

	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.PaymentReceived || got.FileUploaded {
		t.Error("new transaction must start with both flags false")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() || got.ExpiresAt.IsZero() {
		t.Error("timestamps not defaulted")
	}

	if _, err := store.GetTransaction(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTransaction(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_CreateValidation(t *testing.T) {
	store := NewMemoryStore()

	tests := []struct {
		name   string
		mutate func(tx *Transaction)
	}{
		{name: "missing id", mutate: func(tx *Transaction) { tx.ID = "" }},
		{name: "missing buyer", mutate: func(tx *Transaction) { tx.BuyerID = "" }},
		{name: "missing seller", mutate: func(tx *Transaction) { tx.SellerID = "" }},
		{name: "zero amount", mutate: func(tx *Transaction) { tx.AmountCents = 0 }},
		{name: "negative amount", mutate: func(tx *Transaction) { tx.AmountCents = -100 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := newTestTransaction()
			tt.mutate(&tx)
			if err := store.CreateTransaction(context.Background(), tx); err == nil {
				t.Error("CreateTransaction() error = nil, want validation error")
			}
		})
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	tx := newTestTransaction()
	mustCreate(t, store, tx)

	if err := store.CreateTransaction(context.Background(), tx); err == nil {
		t.Error("duplicate CreateTransaction() error = nil, want error")
	}
}

func TestMemoryStore_ListTransactionsByParty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i, parties := range []struct{ buyer, seller string }{
		{"alice", "bob"},
		{"carol", "alice"},
		{"carol", "dave"},
	} {
		tx := newTestTransaction()
		tx.BuyerID = parties.buyer
		tx.SellerID = parties.seller
		tx.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("CreateTransaction() error = %v", err)
		}
	}

	got, err := store.ListTransactionsByParty(ctx, "alice")
	if err != nil {
		t.Fatalf("ListTransactionsByParty() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Newest first
	if !got[0].CreatedAt.After(got[1].CreatedAt) {
		t.Error("results not ordered newest first")
	}

	got, err = store.ListTransactionsByParty(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListTransactionsByParty() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestMemoryStore_FlagsAreMonotonicAndIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := mustCreate(t, store, newTestTransaction())

	if err := store.SetPaymentReceived(ctx, tx.ID, "pi_123"); err != nil {
		t.Fatalf("SetPaymentReceived() error = %v", err)
	}
	// Repeat with a different ref: no-op, first ref wins
	if err := store.SetPaymentReceived(ctx, tx.ID, "pi_456"); err != nil {
		t.Fatalf("repeat SetPaymentReceived() error = %v", err)
	}
	if err := store.SetFileUploaded(ctx, tx.ID); err != nil {
		t.Fatalf("SetFileUploaded() error = %v", err)
	}
	if err := store.SetFileUploaded(ctx, tx.ID); err != nil {
		t.Fatalf("repeat SetFileUploaded() error = %v", err)
	}

	got, err := store.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if !got.PaymentReceived || !got.FileUploaded {
		t.Error("flags not set")
	}
	if got.PaymentIntentRef != "pi_123" {
		t.Errorf("PaymentIntentRef = %q, want %q", got.PaymentIntentRef, "pi_123")
	}

	if err := store.SetPaymentReceived(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPaymentReceived(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.SetFileUploaded(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetFileUploaded(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_CompleteTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("requires both flags", func(t *testing.T) {
		store := NewMemoryStore()
		tx := mustCreate(t, store, newTestTransaction())

		if _, err := store.CompleteTransaction(ctx, tx.ID, "tr_1"); !errors.Is(err, ErrConflict) {
			t.Errorf("CompleteTransaction() with no flags: error = %v, want ErrConflict", err)
		}

		_ = store.SetPaymentReceived(ctx, tx.ID, "pi_1")
		if _, err := store.CompleteTransaction(ctx, tx.ID, "tr_1"); !errors.Is(err, ErrConflict) {
			t.Errorf("CompleteTransaction() with payment only: error = %v, want ErrConflict", err)
		}

		_ = store.SetFileUploaded(ctx, tx.ID)
		got, err := store.CompleteTransaction(ctx, tx.ID, "tr_1")
		if err != nil {
			t.Fatalf("CompleteTransaction() error = %v", err)
		}
		if got.Status != StatusCompleted {
			t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
		}
		if got.TransferRef != "tr_1" {
			t.Errorf("TransferRef = %q, want %q", got.TransferRef, "tr_1")
		}
		if got.CompletedAt == nil {
			t.Error("CompletedAt not set")
		}
	})

	t.Run("second completion conflicts", func(t *testing.T) {
		store := NewMemoryStore()
		tx := mustCreate(t, store, newTestTransaction())
		_ = store.SetPaymentReceived(ctx, tx.ID, "pi_1")
		_ = store.SetFileUploaded(ctx, tx.ID)

		if _, err := store.CompleteTransaction(ctx, tx.ID, "tr_1"); err != nil {
			t.Fatalf("first CompleteTransaction() error = %v", err)
		}
		if _, err := store.CompleteTransaction(ctx, tx.ID, "tr_2"); !errors.Is(err, ErrConflict) {
			t.Errorf("second CompleteTransaction() error = %v, want ErrConflict", err)
		}

		got, _ := store.GetTransaction(ctx, tx.ID)
		if got.TransferRef != "tr_1" {
			t.Errorf("TransferRef = %q, want first winner's %q", got.TransferRef, "tr_1")
		}
	})

	t.Run("missing transaction", func(t *testing.T) {
		store := NewMemoryStore()
		if _, err := store.CompleteTransaction(ctx, "missing", "tr_1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("CompleteTransaction(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestMemoryStore_CompleteTransaction_ExactlyOnceUnderRace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := mustCreate(t, store, newTestTransaction())
	_ = store.SetPaymentReceived(ctx, tx.ID, "pi_1")
	_ = store.SetFileUploaded(ctx, tx.ID)

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CompleteTransaction(ctx, tx.ID, "tr_race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if conflicts != goroutines-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, goroutines-1)
	}
}

func TestMemoryStore_CancelTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("unpaid pending cancels", func(t *testing.T) {
		store := NewMemoryStore()
		tx := mustCreate(t, store, newTestTransaction())

		got, err := store.CancelTransaction(ctx, tx.ID, false)
		if err != nil {
			t.Fatalf("CancelTransaction() error = %v", err)
		}
		if got.Status != StatusCancelled {
			t.Errorf("Status = %q, want %q", got.Status, StatusCancelled)
		}
	})

	t.Run("paid pending requires allowPaid", func(t *testing.T) {
		store := NewMemoryStore()
		tx := mustCreate(t, store, newTestTransaction())
		_ = store.SetPaymentReceived(ctx, tx.ID, "pi_1")

		if _, err := store.CancelTransaction(ctx, tx.ID, false); !errors.Is(err, ErrConflict) {
			t.Errorf("CancelTransaction(paid, allowPaid=false) error = %v, want ErrConflict", err)
		}
		got, err := store.CancelTransaction(ctx, tx.ID, true)
		if err != nil {
			t.Fatalf("CancelTransaction(paid, allowPaid=true) error = %v", err)
		}
		if got.Status != StatusCancelled {
			t.Errorf("Status = %q, want %q", got.Status, StatusCancelled)
		}
		if !got.PaymentReceived {
			t.Error("payment flag must survive cancellation")
		}
	})

	t.Run("completed cannot cancel", func(t *testing.T) {
		store := NewMemoryStore()
		tx := mustCreate(t, store, newTestTransaction())
		_ = store.SetPaymentReceived(ctx, tx.ID, "pi_1")
		_ = store.SetFileUploaded(ctx, tx.ID)
		if _, err := store.CompleteTransaction(ctx, tx.ID, "tr_1"); err != nil {
			t.Fatalf("CompleteTransaction() error = %v", err)
		}

		if _, err := store.CancelTransaction(ctx, tx.ID, true); !errors.Is(err, ErrConflict) {
			t.Errorf("CancelTransaction(completed) error = %v, want ErrConflict", err)
		}
	})
}

func TestMemoryStore_RefundTransaction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := mustCreate(t, store, newTestTransaction())

	// Pending transactions cannot be refunded
	if _, err := store.RefundTransaction(ctx, tx.ID, "trr_1"); !errors.Is(err, ErrConflict) {
		t.Errorf("RefundTransaction(pending) error = %v, want ErrConflict", err)
	}

	_ = store.SetPaymentReceived(ctx, tx.ID, "pi_1")
	_ = store.SetFileUploaded(ctx, tx.ID)
	if _, err := store.CompleteTransaction(ctx, tx.ID, "tr_1"); err != nil {
		t.Fatalf("CompleteTransaction() error = %v", err)
	}

	got, err := store.RefundTransaction(ctx, tx.ID, "trr_1")
	if err != nil {
		t.Fatalf("RefundTransaction() error = %v", err)
	}
	if got.Status != StatusRefunded {
		t.Errorf("Status = %q, want %q", got.Status, StatusRefunded)
	}
	if got.ReversalRef != "trr_1" {
		t.Errorf("ReversalRef = %q, want %q", got.ReversalRef, "trr_1")
	}

	// Refunded is terminal
	if _, err := store.RefundTransaction(ctx, tx.ID, "trr_2"); !errors.Is(err, ErrConflict) {
		t.Errorf("second RefundTransaction() error = %v, want ErrConflict", err)
	}
}

func newTestFile(txID string) EncryptedFile {
	return EncryptedFile{
		ID:            GenerateFileID(),
		TransactionID: txID,
		Filename:      "deliverable.zip",
		MIME:          "application/zip",
		SizeBytes:     3,
		WrappedKey:    make([]byte, 48),
		IV:            make([]byte, 12),
		Tag:           make([]byte, 16),
		Ciphertext:    []byte{1, 2, 3},
	}
}

func TestMemoryStore_SaveFileAndLatest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := mustCreate(t, store, newTestTransaction())

	if _, err := store.LatestFileMetadata(ctx, tx.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestFileMetadata() with no files: error = %v, want ErrNotFound", err)
	}

	// Uploads append; same timestamp resolves by insertion order.
	now := time.Now()
	first := newTestFile(tx.ID)
	first.CreatedAt = now
	second := newTestFile(tx.ID)
	second.Filename = "deliverable-v2.zip"
	second.CreatedAt = now

	if err := store.SaveFile(ctx, first); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}
	if err := store.SaveFile(ctx, second); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}

	meta, err := store.LatestFileMetadata(ctx, tx.ID)
	if err != nil {
		t.Fatalf("LatestFileMetadata() error = %v", err)
	}
	if meta.ID != second.ID {
		t.Errorf("latest = %q, want most recent upload %q", meta.ID, second.ID)
	}
	if meta.Filename != "deliverable-v2.zip" {
		t.Errorf("Filename = %q, want %q", meta.Filename, "deliverable-v2.zip")
	}

	// Earlier upload remains retrievable
	f, err := store.GetFileEnvelope(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetFileEnvelope() error = %v", err)
	}
	if f.Filename != "deliverable.zip" {
		t.Errorf("Filename = %q, want %q", f.Filename, "deliverable.zip")
	}
}

func TestMemoryStore_SaveFileValidation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := mustCreate(t, store, newTestTransaction())

	t.Run("unknown transaction", func(t *testing.T) {
		f := newTestFile("missing")
		if err := store.SaveFile(ctx, f); !errors.Is(err, ErrNotFound) {
			t.Errorf("SaveFile() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		f := newTestFile(tx.ID)
		f.SizeBytes = 999
		if err := store.SaveFile(ctx, f); err == nil {
			t.Error("SaveFile() error = nil, want size mismatch error")
		}
	})

	t.Run("missing envelope material", func(t *testing.T) {
		f := newTestFile(tx.ID)
		f.WrappedKey = nil
		if err := store.SaveFile(ctx, f); err == nil {
			t.Error("SaveFile() error = nil, want validation error")
		}
	})
}

func TestNewStore_BackendSelection(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		store, err := NewStore(StoreConfig{Backend: "memory"})
		if err != nil {
			t.Fatalf("NewStore() error = %v", err)
		}
		defer store.Close()
		if _, ok := store.(*MemoryStore); !ok {
			t.Errorf("store type = %T, want *MemoryStore", store)
		}
	})

	t.Run("default falls back to memory", func(t *testing.T) {
		store, err := NewStore(StoreConfig{})
		if err != nil {
			t.Fatalf("NewStore() error = %v", err)
		}
		defer store.Close()
		if _, ok := store.(*MemoryStore); !ok {
			t.Errorf("store type = %T, want *MemoryStore", store)
		}
	})

	t.Run("postgres requires url", func(t *testing.T) {
		if _, err := NewStore(StoreConfig{Backend: "postgres"}); err == nil {
			t.Error("NewStore(postgres, no url) error = nil, want error")
		}
	})

	t.Run("mongodb requires url", func(t *testing.T) {
		if _, err := NewStore(StoreConfig{Backend: "mongodb"}); err == nil {
			t.Error("NewStore(mongodb, no url) error = nil, want error")
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		if _, err := NewStore(StoreConfig{Backend: "cassandra"}); err == nil {
			t.Error("NewStore(unknown) error = nil, want error")
		}
	})
}
