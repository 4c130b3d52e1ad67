package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/service"
)

// PoolService is the pool ledger surface the handler drives.
type PoolService interface {
	CreatePool(ctx context.Context, np service.NewPool) (domain.Pool, error)
	Deposit(ctx context.Context, poolID string, amount int64) (domain.PoolMetrics, error)
	Withdraw(ctx context.Context, poolID string, amount int64) (domain.PoolMetrics, error)
	AddExposure(ctx context.Context, poolID string, amount int64) (domain.PoolMetrics, error)
	RemoveExposure(ctx context.Context, poolID string, amount int64) (domain.PoolMetrics, error)
	PayClaim(ctx context.Context, poolID string, amount int64) (domain.PoolMetrics, error)
	Metrics(ctx context.Context, poolID string) (domain.PoolMetrics, error)
	List(ctx context.Context) ([]domain.PoolMetrics, error)
}

// PoolHandler serves pool capital endpoints.
type PoolHandler struct {
	pools  PoolService
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pools PoolService, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{pools: pools, logger: logger}
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

// ListPools GET /api/pools
func (h *PoolHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.pools.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list pools", err)
		return
	}
	if pools == nil {
		pools = []domain.PoolMetrics{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": pools})
}

// CreatePool POST /api/pools
func (h *PoolHandler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var np service.NewPool
	if err := decodeJSON(r, &np); err != nil {
		writeServiceError(w, r, h.logger, "create pool", err)
		return
	}
	p, err := h.pools.CreatePool(r.Context(), np)
	if err != nil {
		writeServiceError(w, r, h.logger, "create pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPool GET /api/pools/{id}
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err == nil {
		var pm domain.PoolMetrics
		if pm, err = h.pools.Metrics(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, pm)
			return
		}
	}
	writeServiceError(w, r, h.logger, "get pool", err)
}

// Deposit POST /api/pools/{id}/deposit
func (h *PoolHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "deposit", h.pools.Deposit)
}

// Withdraw POST /api/pools/{id}/withdraw
func (h *PoolHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "withdraw", h.pools.Withdraw)
}

// AddExposure POST /api/pools/{id}/exposure
func (h *PoolHandler) AddExposure(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "add exposure", h.pools.AddExposure)
}

// RemoveExposure DELETE /api/pools/{id}/exposure
func (h *PoolHandler) RemoveExposure(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "remove exposure", h.pools.RemoveExposure)
}

// PayClaim POST /api/pools/{id}/payouts
func (h *PoolHandler) PayClaim(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "pay claim", h.pools.PayClaim)
}

func (h *PoolHandler) mutate(w http.ResponseWriter, r *http.Request, action string,
	fn func(context.Context, string, int64) (domain.PoolMetrics, error),
) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, action, err)
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, action, err)
		return
	}
	pm, err := fn(r.Context(), id, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, action, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}
