package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dentara/dentara-pms/internal/platform/httpx"
)

// Handler exposes the reconciliation engine to the surrounding API layer.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/payments/{id}/transactions", h.applyTransactions)
	r.Post("/payments/{id}/void", h.voidPayment)
	r.Get("/payments/{id}", h.getPayment)
	r.Get("/claims/{id}", h.getClaim)
}

type transactionRequest struct {
	Lines []TransactionLine `json:"lines"`
}

type reconciliationResponse struct {
	Payment      Payment                  `json:"payment"`
	UpdatedLines []ServiceLine            `json:"updatedServiceLines"`
	UpdatedClaim Claim                    `json:"updatedClaim"`
	Transactions []ServiceLineTransaction `json:"transactions"`
}

func (h *Handler) applyTransactions(w http.ResponseWriter, r *http.Request) {
	paymentID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || paymentID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payment ID", "payment id must be a positive integer")
		return
	}

	var req transactionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}

	result, err := h.service.ApplyTransactionPayload(r.Context(), TransactionPayload{
		PaymentID: paymentID,
		Lines:     req.Lines,
	})
	if err != nil {
		h.logger.Error("apply transaction payload",
			slog.Int64("payment_id", paymentID),
			slog.Any("error", err))
		respondError(w, err)
		return
	}

	httpx.JSON(w, http.StatusOK, reconciliationResponse{
		Payment:      result.Payment,
		UpdatedLines: result.UpdatedLines,
		UpdatedClaim: result.UpdatedClaim,
		Transactions: result.Transactions,
	})
}

func (h *Handler) voidPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || paymentID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payment ID", "payment id must be a positive integer")
		return
	}

	payment, err := h.service.VoidPayment(r.Context(), paymentID)
	if err != nil {
		h.logger.Error("void payment", slog.Int64("payment_id", paymentID), slog.Any("error", err))
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || paymentID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payment ID", "payment id must be a positive integer")
		return
	}

	payment, txs, err := h.service.GetPaymentWithTransactions(r.Context(), paymentID)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"payment":      payment,
		"transactions": txs,
	})
}

func (h *Handler) getClaim(w http.ResponseWriter, r *http.Request) {
	claimID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || claimID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Claim ID", "claim id must be a positive integer")
		return
	}

	claim, err := h.service.GetClaim(r.Context(), claimID)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, claim)
}
