package httpserver

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/EscrowBox/server/internal/errors"
	"github.com/EscrowBox/server/internal/gateway"
	"github.com/EscrowBox/server/internal/logger"
	"github.com/EscrowBox/server/pkg/responders"
)

type uploadFileResponse struct {
	Transaction transactionResponse  `json:"transaction"`
	File        fileMetadataResponse `json:"file"`
}

// uploadFile accepts the seller's deliverable as multipart form data under
// the "file" field, seals it, and re-evaluates completion.
func (h *handlers) uploadFile(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "transactionID")

	maxBytes := h.cfg.Escrow.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	// Cap the request body; multipart overhead rides on top of the file limit.
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		log.Warn().Err(err).Str("transaction_id", id).Msg("gateway.upload.bad_multipart")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeFileTooLarge, "upload too large or malformed")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingFile, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	plaintext, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to read upload")
		return
	}
	if int64(len(plaintext)) > maxBytes {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeFileTooLarge, fmt.Sprintf("file exceeds %d byte limit", maxBytes))
		return
	}

	result, err := h.gateway.Upload(r.Context(), actorFromRequest(r), id, gateway.UploadInput{
		Filename:  header.Filename,
		MIME:      header.Header.Get("Content-Type"),
		Plaintext: plaintext,
	})
	if err != nil {
		writeDomainError(w, err, id)
		return
	}

	responders.JSON(w, http.StatusCreated, uploadFileResponse{
		Transaction: toTransactionResponse(result.Transaction),
		File:        toFileMetadataResponse(result.File),
	})
}

// downloadFile streams the decrypted deliverable back to a party.
// Plaintext exists only for the lifetime of this response.
func (h *handlers) downloadFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")

	download, err := h.gateway.DownloadLatest(r.Context(), actorFromRequest(r), id)
	if err != nil {
		writeDomainError(w, err, id)
		return
	}

	w.Header().Set("Content-Type", download.MIME)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", download.SizeBytes))
	if download.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download.Filename))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(download.Plaintext)
}

// fileMetadata returns the current deliverable's metadata without the envelope.
func (h *handlers) fileMetadata(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")

	meta, err := h.gateway.LatestMetadata(r.Context(), actorFromRequest(r), id)
	if err != nil {
		writeDomainError(w, err, id)
		return
	}
	responders.JSON(w, http.StatusOK, toFileMetadataResponse(meta))
}
