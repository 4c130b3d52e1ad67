package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/premium"
	"github.com/alanyoungcy/ward/internal/service"
)

// PolicyService issues and releases policies.
type PolicyService interface {
	IssuePolicy(ctx context.Context, req service.IssueRequest) (domain.Policy, premium.Result, error)
	CancelPolicy(ctx context.Context, policyID, reason string) (domain.Policy, error)
	Get(ctx context.Context, id string) (domain.Policy, error)
	ListActiveByVault(ctx context.Context, vaultID string) ([]domain.Policy, error)
	ListActiveByInsured(ctx context.Context, insured string) ([]domain.Policy, error)
}

// PolicyHandler serves policy endpoints.
type PolicyHandler struct {
	policies PolicyService
	logger   *slog.Logger
}

// NewPolicyHandler creates a PolicyHandler.
func NewPolicyHandler(policies PolicyService, logger *slog.Logger) *PolicyHandler {
	return &PolicyHandler{policies: policies, logger: logger}
}

type issueResponse struct {
	Policy domain.Policy  `json:"policy"`
	Quote  premium.Result `json:"quote"`
}

// IssuePolicy POST /api/policies
func (h *PolicyHandler) IssuePolicy(w http.ResponseWriter, r *http.Request) {
	var req service.IssueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "issue policy", err)
		return
	}
	p, q, err := h.policies.IssuePolicy(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "issue policy", err)
		return
	}
	writeJSON(w, http.StatusCreated, issueResponse{Policy: p, Quote: q})
}

// GetPolicy GET /api/policies/{id}
func (h *PolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err == nil {
		var p domain.Policy
		if p, err = h.policies.Get(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeServiceError(w, r, h.logger, "get policy", err)
}

// ListPolicies returns active policies for a vault or an insured address.
// GET /api/policies?vault_id=...|insured=...
func (h *PolicyHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		policies []domain.Policy
		err      error
	)
	switch {
	case q.Get("vault_id") != "":
		policies, err = h.policies.ListActiveByVault(r.Context(), q.Get("vault_id"))
	case q.Get("insured") != "":
		policies, err = h.policies.ListActiveByInsured(r.Context(), q.Get("insured"))
	default:
		writeError(w, http.StatusBadRequest, "vault_id or insured query parameter required")
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "list policies", err)
		return
	}
	if policies == nil {
		policies = []domain.Policy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CancelPolicy POST /api/policies/{id}/cancel
func (h *PolicyHandler) CancelPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel policy", err)
		return
	}
	var req reasonRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "cancel policy", err)
		return
	}
	p, err := h.policies.CancelPolicy(r.Context(), id, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel policy", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
