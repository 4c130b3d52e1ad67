package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/service"
)

// ClaimValidator runs claim validation.
type ClaimValidator interface {
	ValidateClaim(ctx context.Context, req service.ClaimRequest) (service.ValidationResult, error)
}

// SnapshotHydrator reads a loan with its broker and vault from the ledger.
type SnapshotHydrator interface {
	Hydrate(ctx context.Context, loanID string) (service.Snapshot, error)
}

// DefaultProcessor handles a default as if it arrived on the event feed.
type DefaultProcessor interface {
	Process(ctx context.Context, ev domain.DefaultEvent) (service.IntakeResult, error)
}

// ClaimReader reads persisted claims.
type ClaimReader interface {
	GetByID(ctx context.Context, id string) (domain.Claim, error)
	ListByStatus(ctx context.Context, status domain.ClaimStatus, opts domain.ListOpts) ([]domain.Claim, error)
}

// ClaimHandler serves claim validation and lookup. Every default a caller
// reports is confirmed against the ledger, and the loan, broker and vault
// used for validation are always read from it; callers never supply
// snapshots. snapshots, verifier and defaults may be nil when the ledger
// is not configured, which disables the routes that need them.
type ClaimHandler struct {
	validator ClaimValidator
	snapshots SnapshotHydrator
	verifier  domain.DefaultVerifier
	defaults  DefaultProcessor
	claims    ClaimReader
	logger    *slog.Logger
}

// NewClaimHandler creates a ClaimHandler.
func NewClaimHandler(
	validator ClaimValidator,
	snapshots SnapshotHydrator,
	verifier domain.DefaultVerifier,
	defaults DefaultProcessor,
	claims ClaimReader,
	logger *slog.Logger,
) *ClaimHandler {
	return &ClaimHandler{
		validator: validator,
		snapshots: snapshots,
		verifier:  verifier,
		defaults:  defaults,
		claims:    claims,
		logger:    logger,
	}
}

// claimBody is the request for a claim validation. Unknown fields,
// including snapshots, are rejected by decodeJSON.
type claimBody struct {
	LoanID   string `json:"loan_id"`
	PolicyID string `json:"policy_id"`
	TxHash   string `json:"tx_hash"`
}

// confirmDefault checks that txHash is a validated default of loanID on the
// ledger and returns the default as the ledger records it.
func (h *ClaimHandler) confirmDefault(ctx context.Context, loanID, txHash string) (domain.DefaultEvent, error) {
	if loanID == "" || txHash == "" {
		return domain.DefaultEvent{}, domain.Invalid("loan_id and tx_hash are required")
	}
	ev, err := h.verifier.DefaultTx(ctx, txHash)
	if err != nil {
		return domain.DefaultEvent{}, err
	}
	if ev.LoanID != loanID {
		return domain.DefaultEvent{}, domain.Invalid("transaction %s defaulted loan %s, not %s", txHash, ev.LoanID, loanID)
	}
	return ev, nil
}

// ValidateClaim validates one claim for a default confirmed on the ledger.
// POST /api/claims/validate
func (h *ClaimHandler) ValidateClaim(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil || h.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger access is not configured")
		return
	}
	var body claimBody
	if err := decodeJSON(r, &body); err != nil {
		writeServiceError(w, r, h.logger, "validate claim", err)
		return
	}
	if body.PolicyID == "" {
		writeError(w, http.StatusBadRequest, "policy_id is required")
		return
	}
	if _, err := h.confirmDefault(r.Context(), body.LoanID, body.TxHash); err != nil {
		writeServiceError(w, r, h.logger, "validate claim", err)
		return
	}
	snap, err := h.snapshots.Hydrate(r.Context(), body.LoanID)
	if err != nil {
		writeServiceError(w, r, h.logger, "validate claim", err)
		return
	}

	res, err := h.validator.ValidateClaim(r.Context(), service.ClaimRequest{
		LoanID:   body.LoanID,
		PolicyID: body.PolicyID,
		TxHash:   body.TxHash,
		Loan:     snap.Loan,
		Broker:   snap.Broker,
		Vault:    snap.Vault,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "validate claim", err)
		return
	}
	status := http.StatusOK
	if res.Approved && !res.Duplicate {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// GetClaim GET /api/claims/{id}
func (h *ClaimHandler) GetClaim(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err == nil {
		var c domain.Claim
		if c, err = h.claims.GetByID(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	writeServiceError(w, r, h.logger, "get claim", err)
}

// ListClaims GET /api/claims?status=validated&limit=50&offset=0
func (h *ClaimHandler) ListClaims(w http.ResponseWriter, r *http.Request) {
	status := domain.ClaimStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.ClaimStatusValidated
	}
	claims, err := h.claims.ListByStatus(r.Context(), status, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list claims", err)
		return
	}
	if claims == nil {
		claims = []domain.Claim{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": claims})
}

// SubmitDefault processes an operator-reported default synchronously once
// the ledger confirms it. The confirmed transaction, not the body, is what
// gets processed.
// POST /api/defaults
func (h *ClaimHandler) SubmitDefault(w http.ResponseWriter, r *http.Request) {
	if h.defaults == nil || h.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "default intake is not configured")
		return
	}
	var ev domain.DefaultEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeServiceError(w, r, h.logger, "submit default", err)
		return
	}
	confirmed, err := h.confirmDefault(r.Context(), ev.LoanID, ev.TxHash)
	if err != nil {
		writeServiceError(w, r, h.logger, "submit default", err)
		return
	}
	res, err := h.defaults.Process(r.Context(), confirmed)
	if err != nil {
		writeServiceError(w, r, h.logger, "submit default", err)
		return
	}
	status := http.StatusOK
	switch res.Result {
	case service.IntakeInvalid:
		status = http.StatusBadRequest
	case service.IntakeNotFound:
		status = http.StatusNotFound
	case service.IntakeRetry:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}
