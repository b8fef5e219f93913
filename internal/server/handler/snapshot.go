package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// SnapshotHandler lists and fetches exported vault snapshots.
type SnapshotHandler struct {
	store  domain.SnapshotStore
	logger *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(store domain.SnapshotStore, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{store: store, logger: logger}
}

// ListSnapshots returns the snapshots of an asset, newest first.
// GET /api/vaults/{asset}/snapshots
func (h *SnapshotHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondErr(w, r, h.logger, "list snapshots", err)
		return
	}
	infos, err := h.store.List(r.Context(), asset)
	if err != nil {
		respondErr(w, r, h.logger, "list snapshots", err)
		return
	}
	opts := parseListOpts(r)
	start := min(opts.Offset, len(infos))
	end := min(start+opts.Limit, len(infos))
	page := infos[start:end]
	if page == nil {
		page = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": page})
}

// GetSnapshot returns one snapshot of an asset by its file name.
// GET /api/vaults/{asset}/snapshots/{name}
func (h *SnapshotHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondErr(w, r, h.logger, "get snapshot", err)
		return
	}
	name := r.PathValue("name")
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		respondErr(w, r, h.logger, "get snapshot", badRequest("invalid snapshot name"))
		return
	}

	infos, err := h.store.List(r.Context(), asset)
	if err != nil {
		respondErr(w, r, h.logger, "get snapshot", err)
		return
	}
	for _, info := range infos {
		if strings.HasSuffix(info.Path, "/"+name) {
			snap, err := h.store.Load(r.Context(), info.Path)
			if err != nil {
				respondErr(w, r, h.logger, "get snapshot", err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	respondErr(w, r, h.logger, "get snapshot", domain.ErrNotFound)
}
