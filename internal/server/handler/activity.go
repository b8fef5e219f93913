package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// ActivityHandler serves the audit trail of a vault.
type ActivityHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewActivityHandler creates an ActivityHandler.
func NewActivityHandler(audit domain.AuditStore, logger *slog.Logger) *ActivityHandler {
	return &ActivityHandler{audit: audit, logger: logger}
}

// ListActivity returns audit entries of an asset, newest first. Optional
// filters: actor, record, event, since, until (RFC 3339).
// GET /api/vaults/{asset}/activity
func (h *ActivityHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondErr(w, r, h.logger, "list activity", err)
		return
	}
	f := domain.AuditFilter{Asset: asset, Event: r.URL.Query().Get("event")}
	if v := r.URL.Query().Get("actor"); v != "" {
		if f.Actor, err = parseAddress("actor", v); err != nil {
			respondErr(w, r, h.logger, "list activity", err)
			return
		}
	}
	if v := r.URL.Query().Get("record"); v != "" {
		if f.Record, err = parseAddress("record", v); err != nil {
			respondErr(w, r, h.logger, "list activity", err)
			return
		}
	}

	opts := parseListOpts(r)
	entries, err := h.audit.List(r.Context(), f, opts)
	if err != nil {
		respondErr(w, r, h.logger, "list activity", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}
