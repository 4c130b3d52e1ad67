package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/premium"
	"github.com/alanyoungcy/ward/internal/service"
)

// Quoter prices coverage against live ledger snapshots.
type Quoter interface {
	Quote(ctx context.Context, req service.QuoteRequest) (premium.Result, error)
	EstimateAnnualCost(ctx context.Context, vaultID, brokerID string, coverage int64) (premium.AnnualEstimate, error)
}

// PremiumHandler serves quotes.
type PremiumHandler struct {
	quoter Quoter
	logger *slog.Logger
}

// NewPremiumHandler creates a PremiumHandler.
func NewPremiumHandler(quoter Quoter, logger *slog.Logger) *PremiumHandler {
	return &PremiumHandler{quoter: quoter, logger: logger}
}

// Quote prices a request for a vault/broker pair read from the ledger.
// POST /api/premium/quote
func (h *PremiumHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req service.QuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	q, err := h.quoter.Quote(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// priceRequest carries caller-supplied snapshots for offline pricing.
type priceRequest struct {
	CoverageAmount        int64             `json:"coverage_amount"`
	TermDays              int               `json:"term_days"`
	Vault                 domain.Vault      `json:"vault"`
	Broker                domain.LoanBroker `json:"loan_broker"`
	HistoricalDefaultRate *float64          `json:"historical_default_rate,omitempty"`
}

// Price runs the pricing engine on snapshots in the request body without
// touching the ledger.
// POST /api/premium/price
func (h *PremiumHandler) Price(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "price", err)
		return
	}
	q, err := premium.Price(premium.Request{
		CoverageAmount:        req.CoverageAmount,
		TermDays:              req.TermDays,
		Vault:                 req.Vault,
		Broker:                req.Broker,
		HistoricalDefaultRate: req.HistoricalDefaultRate,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "price", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Estimate GET /api/premium/estimate?vault_id=&loan_broker_id=&coverage=
func (h *PremiumHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	coverage, err := queryInt64(r, "coverage")
	if err != nil {
		writeServiceError(w, r, h.logger, "estimate", err)
		return
	}
	q := r.URL.Query()
	est, err := h.quoter.EstimateAnnualCost(r.Context(), q.Get("vault_id"), q.Get("loan_broker_id"), coverage)
	if err != nil {
		writeServiceError(w, r, h.logger, "estimate", err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}
