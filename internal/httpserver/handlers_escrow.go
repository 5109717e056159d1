package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/EscrowBox/server/internal/errors"
	"github.com/EscrowBox/server/internal/escrow"
	"github.com/EscrowBox/server/internal/logger"
	"github.com/EscrowBox/server/pkg/responders"
)

type createTransactionRequest struct {
	SellerID    string `json:"sellerId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

type createTransactionResponse struct {
	Transaction  transactionResponse `json:"transaction"`
	ClientSecret string              `json:"clientSecret,omitempty"`
}

// createTransaction opens a new escrow agreement on behalf of the buyer.
func (h *handlers) createTransaction(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req createTransactionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().Err(err).Msg("escrow.create.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	result, err := h.escrow.Create(r.Context(), actorFromRequest(r), escrow.CreateInput{
		SellerID:    req.SellerID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, err, "")
		return
	}

	responders.JSON(w, http.StatusCreated, createTransactionResponse{
		Transaction:  toTransactionResponse(result.Transaction),
		ClientSecret: result.ClientSecret,
	})
}

// listTransactions returns the transactions the actor participates in.
func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.escrow.List(r.Context(), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err, "")
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	responders.JSON(w, http.StatusOK, map[string]any{"transactions": out})
}

// getTransaction fetches one transaction for a party or an admin.
func (h *handlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")

	tx, err := h.escrow.Get(r.Context(), actorFromRequest(r), id)
	if err != nil {
		writeDomainError(w, err, id)
		return
	}
	responders.JSON(w, http.StatusOK, toTransactionResponse(tx))
}

// confirmPayment verifies the payment intent server-side and marks the
// payment flag. Races safely with the Stripe webhook.
func (h *handlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")

	tx, err := h.escrow.ConfirmPayment(r.Context(), actorFromRequest(r), id)
	if err != nil {
		writeDomainError(w, err, id)
		return
	}
	responders.JSON(w, http.StatusOK, toTransactionResponse(tx))
}

// cancelTransaction cancels a pending transaction. Parties may cancel before
// payment; admins may also cancel a paid but not yet completed transaction.
func (h *handlers) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")

	tx, err := h.escrow.Cancel(r.Context(), actorFromRequest(r), id)
	if err != nil {
		writeDomainError(w, err, id)
		return
	}
	responders.JSON(w, http.StatusOK, toTransactionResponse(tx))
}

// refundTransaction is the administrative completed -> refunded path.
func (h *handlers) refundTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")

	tx, err := h.escrow.Refund(r.Context(), actorFromRequest(r), id)
	if err != nil {
		writeDomainError(w, err, id)
		return
	}
	responders.JSON(w, http.StatusOK, toTransactionResponse(tx))
}

// health reports liveness and uptime.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "ok",
		"uptime":    time.Since(serverStartTime).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}
	responders.JSON(w, http.StatusOK, response)
}
