package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/ward/internal/domain"
)

// AuditReader lists audit entries, newest first.
type AuditReader interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// ArchiveLister lists archived objects.
type ArchiveLister interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// AuditHandler serves the audit log and the archive index. archives may be
// nil when object storage is disabled.
type AuditHandler struct {
	audit    AuditReader
	archives ArchiveLister
	logger   *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit AuditReader, archives ArchiveLister, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, archives: archives, logger: logger}
}

// ListAudit GET /api/audit?limit=50&offset=0
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ListArchives GET /api/archives?kind=claims|defaults
func (h *AuditHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotFound, "archive storage is not configured")
		return
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	switch kind {
	case "claims", "defaults":
	default:
		writeError(w, http.StatusBadRequest, "kind must be claims or defaults")
		return
	}
	objs, err := h.archives.List(r.Context(), "archive/"+kind+"/")
	if err != nil {
		writeServiceError(w, r, h.logger, "list archives", err)
		return
	}
	if objs == nil {
		objs = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": objs})
}
