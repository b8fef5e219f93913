package handler

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// PositionHandler serves position record reads.
type PositionHandler struct {
	vaults VaultService
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(vaults VaultService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{vaults: vaults, logger: logger}
}

type listPositionsResponse struct {
	Positions []recordResponse `json:"positions"`
	Limit     int              `json:"limit"`
	Offset    int              `json:"offset"`
}

// ListPositions returns the records of a vault, optionally narrowed by
// depositor, market and position.
// GET /api/vaults/{asset}/positions?depositor=&market_id=&position=&limit=&offset=
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondErr(w, r, h.logger, "list positions", err)
		return
	}
	q := r.URL.Query()
	opts := parseListOpts(r)
	f := domain.RecordFilter{
		Asset:    asset,
		MarketID: q.Get("market_id"),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	}
	if v := q.Get("depositor"); v != "" {
		var dep common.Address
		if dep, err = parseAddress("depositor", v); err != nil {
			respondErr(w, r, h.logger, "list positions", err)
			return
		}
		f.Depositor = &dep
	}
	if v := q.Get("position"); v != "" {
		var pos domain.Position
		if pos, err = domain.ParsePosition(v); err != nil {
			respondErr(w, r, h.logger, "list positions", err)
			return
		}
		f.Position = &pos
	}

	mint, err := h.vaults.Mint(r.Context(), asset)
	if err != nil {
		respondErr(w, r, h.logger, "list positions", err)
		return
	}
	records, err := h.vaults.ListRecords(r.Context(), f)
	if err != nil {
		respondErr(w, r, h.logger, "list positions", err)
		return
	}

	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, newRecordResponse(rec, mint.Decimals))
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: out, Limit: f.Limit, Offset: f.Offset})
}

// GetPosition returns one record by address.
// GET /api/positions/{record}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "record")
	if err != nil {
		respondErr(w, r, h.logger, "get position", err)
		return
	}
	rec, err := h.vaults.GetRecord(r.Context(), addr)
	if err != nil {
		respondErr(w, r, h.logger, "get position", err)
		return
	}
	mint, err := h.vaults.Mint(r.Context(), rec.Asset)
	if err != nil {
		respondErr(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(rec, mint.Decimals))
}
