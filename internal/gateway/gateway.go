package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EscrowBox/server/internal/config"
	"github.com/EscrowBox/server/internal/envelope"
	apierrors "github.com/EscrowBox/server/internal/errors"
	"github.com/EscrowBox/server/internal/escrow"
	"github.com/EscrowBox/server/internal/logger"
	"github.com/EscrowBox/server/internal/metrics"
	"github.com/EscrowBox/server/internal/storage"
)

// Gateway orchestrates deliverable transfer: authorize the actor, seal or
// open the envelope, persist or fetch it, then hand control back to the
// state machine's completion trigger. It never stores plaintext and never
// decrypts outside a single download request.
type Gateway struct {
	cfg     *config.Config
	store   storage.Store
	engine  *envelope.Engine
	escrow  *escrow.Service
	metrics *metrics.Metrics
}

// New constructs an upload/download gateway.
func New(cfg *config.Config, store storage.Store, engine *envelope.Engine, escrowSvc *escrow.Service, metricsCollector *metrics.Metrics) *Gateway {
	return &Gateway{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		escrow:  escrowSvc,
		metrics: metricsCollector,
	}
}

// UploadInput carries one deliverable submitted by the seller.
type UploadInput struct {
	Filename  string
	MIME      string
	Plaintext []byte
}

// UploadResult is the stored file's metadata plus the transaction after the
// completion trigger ran.
type UploadResult struct {
	Transaction storage.Transaction
	File        storage.FileMetadata
}

// Upload seals the deliverable, appends it to the file store, marks the
// readiness flag and re-evaluates completion. Only the seller may upload;
// re-uploads append a new version, they never overwrite.
func (g *Gateway) Upload(ctx context.Context, actor escrow.Actor, transactionID string, in UploadInput) (UploadResult, error) {
	tx, err := g.escrow.Get(ctx, actor, transactionID)
	if err != nil {
		return UploadResult{}, err
	}
	if actor.ID != tx.SellerID {
		return UploadResult{}, escrow.NewError(apierrors.ErrCodeActorNotSeller, nil)
	}
	if tx.Status != storage.StatusPending {
		return UploadResult{}, escrow.NewError(apierrors.ErrCodeTransactionNotPending, fmt.Errorf("status %s", tx.Status))
	}
	if len(in.Plaintext) == 0 {
		return UploadResult{}, escrow.NewError(apierrors.ErrCodeMissingFile, nil)
	}
	if max := g.maxFileBytes(); int64(len(in.Plaintext)) > max {
		return UploadResult{}, escrow.NewError(apierrors.ErrCodeFileTooLarge, fmt.Errorf("%d bytes exceeds limit %d", len(in.Plaintext), max))
	}

	mime := in.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}

	encryptStart := time.Now()
	env, err := g.engine.Encrypt(in.Plaintext)
	encryptTime := time.Since(encryptStart)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpload(false, int64(len(in.Plaintext)), encryptTime)
		}
		return UploadResult{}, escrow.NewError(apierrors.ErrCodeInternalError, err)
	}

	file := storage.EncryptedFile{
		ID:            storage.GenerateFileID(),
		TransactionID: tx.ID,
		Filename:      in.Filename,
		MIME:          mime,
		SizeBytes:     int64(len(in.Plaintext)),
		WrappedKey:    env.WrappedKey,
		IV:            env.IV,
		Tag:           env.Tag,
		Ciphertext:    env.Ciphertext,
		CreatedAt:     time.Now().UTC(),
	}
	if err := g.store.SaveFile(ctx, file); err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpload(false, file.SizeBytes, encryptTime)
		}
		return UploadResult{}, escrow.NewError(apierrors.ErrCodeDatabaseError, err)
	}
	if g.metrics != nil {
		g.metrics.ObserveUpload(true, file.SizeBytes, encryptTime)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("transaction_id", tx.ID).
		Str("file_id", file.ID).
		Int64("size_bytes", file.SizeBytes).
		Msg("gateway: deliverable stored")

	updated, err := g.escrow.MarkFileUploaded(ctx, tx.ID)
	if err != nil {
		// The file row landed and the flag may or may not have been set;
		// the trigger is safe to re-invoke, so surface the error as-is.
		return UploadResult{}, err
	}
	return UploadResult{Transaction: updated, File: file.Metadata()}, nil
}

// Download is one decrypted deliverable ready for streaming.
type Download struct {
	Plaintext []byte
	MIME      string
	Filename  string
	SizeBytes int64
}

// DownloadLatest opens the most recent envelope for the transaction's
// deliverable. Only the buyer or the seller may download, and only after an
// upload has been recorded. An integrity failure is fatal for the request
// and deliberately opaque about what failed verification.
func (g *Gateway) DownloadLatest(ctx context.Context, actor escrow.Actor, transactionID string) (Download, error) {
	tx, err := g.escrow.Get(ctx, actor, transactionID)
	if err != nil {
		return Download{}, err
	}
	if !tx.IsParty(actor.ID) {
		return Download{}, escrow.NewError(apierrors.ErrCodeActorNotParty, nil)
	}
	if !tx.FileUploaded {
		return Download{}, escrow.NewError(apierrors.ErrCodeFileNotReady, nil)
	}

	meta, err := g.store.LatestFileMetadata(ctx, tx.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Download{}, escrow.NewError(apierrors.ErrCodeFileNotFound, err)
		}
		return Download{}, escrow.NewError(apierrors.ErrCodeDatabaseError, err)
	}
	file, err := g.store.GetFileEnvelope(ctx, meta.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Download{}, escrow.NewError(apierrors.ErrCodeFileNotFound, err)
		}
		return Download{}, escrow.NewError(apierrors.ErrCodeDatabaseError, err)
	}

	decryptStart := time.Now()
	plaintext, err := g.engine.Decrypt(envelope.Envelope{
		WrappedKey: file.WrappedKey,
		IV:         file.IV,
		Tag:        file.Tag,
		Ciphertext: file.Ciphertext,
	})
	decryptTime := time.Since(decryptStart)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveDownload(false, decryptTime)
		}
		if errors.Is(err, envelope.ErrIntegrity) {
			if g.metrics != nil {
				g.metrics.ObserveIntegrityFailure()
			}
			log := logger.FromContext(ctx)
			log.Error().
				Str("transaction_id", tx.ID).
				Str("file_id", file.ID).
				Msg("gateway: stored envelope failed integrity check")
			return Download{}, escrow.NewError(apierrors.ErrCodeIntegrityFailure, err)
		}
		return Download{}, escrow.NewError(apierrors.ErrCodeInternalError, err)
	}
	if g.metrics != nil {
		g.metrics.ObserveDownload(true, decryptTime)
	}

	return Download{
		Plaintext: plaintext,
		MIME:      file.MIME,
		Filename:  file.Filename,
		SizeBytes: file.SizeBytes,
	}, nil
}

// LatestMetadata returns the current deliverable's metadata without touching
// the envelope; any party may poll it.
func (g *Gateway) LatestMetadata(ctx context.Context, actor escrow.Actor, transactionID string) (storage.FileMetadata, error) {
	tx, err := g.escrow.Get(ctx, actor, transactionID)
	if err != nil {
		return storage.FileMetadata{}, err
	}
	meta, err := g.store.LatestFileMetadata(ctx, tx.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.FileMetadata{}, escrow.NewError(apierrors.ErrCodeFileNotFound, err)
		}
		return storage.FileMetadata{}, escrow.NewError(apierrors.ErrCodeDatabaseError, err)
	}
	return meta, nil
}

func (g *Gateway) maxFileBytes() int64 {
	if g.cfg != nil && g.cfg.Escrow.MaxFileBytes > 0 {
		return g.cfg.Escrow.MaxFileBytes
	}
	return 25 << 20
}
