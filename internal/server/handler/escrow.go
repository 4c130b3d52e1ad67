package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/ward/internal/domain"
)

// EscrowController drives the dispute-window escrow of an approved claim.
type EscrowController interface {
	CreateEscrow(ctx context.Context, claimID string, amount int64, destination string) (domain.Escrow, error)
	FinishEscrow(ctx context.Context, claimID string) (string, error)
	CancelEscrow(ctx context.Context, claimID, reason string) (string, error)
	EscrowStatus(ctx context.Context, claimID string) (domain.EscrowView, error)
	ListOpen(ctx context.Context, limit int) ([]domain.EscrowView, error)
}

// EscrowHandler serves escrow endpoints keyed by claim id.
type EscrowHandler struct {
	escrows EscrowController
	logger  *slog.Logger
}

// NewEscrowHandler creates an EscrowHandler.
func NewEscrowHandler(escrows EscrowController, logger *slog.Logger) *EscrowHandler {
	return &EscrowHandler{escrows: escrows, logger: logger}
}

type createEscrowRequest struct {
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

// CreateEscrow POST /api/claims/{id}/escrow
func (h *EscrowHandler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, "create escrow", err)
		return
	}
	var req createEscrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "create escrow", err)
		return
	}
	e, err := h.escrows.CreateEscrow(r.Context(), id, req.Amount, req.Destination)
	if err != nil {
		writeServiceError(w, r, h.logger, "create escrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// GetEscrow GET /api/claims/{id}/escrow
func (h *EscrowHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err == nil {
		var v domain.EscrowView
		if v, err = h.escrows.EscrowStatus(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	writeServiceError(w, r, h.logger, "escrow status", err)
}

// FinishEscrow POST /api/claims/{id}/escrow/finish
func (h *EscrowHandler) FinishEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err == nil {
		var hash string
		if hash, err = h.escrows.FinishEscrow(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"claim_id": id, "status": "finished", "tx_hash": hash})
			return
		}
	}
	writeServiceError(w, r, h.logger, "finish escrow", err)
}

// CancelEscrow POST /api/claims/{id}/escrow/cancel
func (h *EscrowHandler) CancelEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel escrow", err)
		return
	}
	var req reasonRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "cancel escrow", err)
		return
	}
	hash, err := h.escrows.CancelEscrow(r.Context(), id, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"claim_id": id, "status": "cancelled", "tx_hash": hash})
}

// ListOpen GET /api/escrows?limit=100
func (h *EscrowHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = min(n, 500)
	}
	views, err := h.escrows.ListOpen(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "list escrows", err)
		return
	}
	if views == nil {
		views = []domain.EscrowView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": views})
}
