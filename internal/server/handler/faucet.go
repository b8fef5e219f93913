package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// FaucetHandler mints test tokens to the caller and freezes or thaws the
// caller's token account. It is only routed when the faucet is enabled.
type FaucetHandler struct {
	vaults VaultService
	// limit caps a single faucet grant in base units. Zero means no cap.
	limit  uint64
	logger *slog.Logger
}

// NewFaucetHandler creates a FaucetHandler.
func NewFaucetHandler(vaults VaultService, limit uint64, logger *slog.Logger) *FaucetHandler {
	return &FaucetHandler{vaults: vaults, limit: limit, logger: logger}
}

type faucetRequest struct {
	amountInput
	Asset string `json:"asset"`
}

// Drip mints the requested amount into the caller's associated account.
// POST /api/dev/faucet
func (h *FaucetHandler) Drip(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		respondErr(w, r, h.logger, "faucet", err)
		return
	}
	var req faucetRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, r, h.logger, "faucet", err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		respondErr(w, r, h.logger, "faucet", err)
		return
	}
	mint, err := h.vaults.Mint(r.Context(), asset)
	if err != nil {
		respondErr(w, r, h.logger, "faucet", err)
		return
	}
	amount, err := req.resolve(mint.Decimals)
	if err != nil {
		respondErr(w, r, h.logger, "faucet", err)
		return
	}
	if h.limit > 0 && amount > h.limit {
		respondErr(w, r, h.logger, "faucet", badRequest("faucet grants at most %s %s", domain.FormatAmount(h.limit, mint.Decimals), mint.Symbol))
		return
	}

	acct, err := h.vaults.Faucet(r.Context(), caller, asset, amount)
	if err != nil {
		respondErr(w, r, h.logger, "faucet", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: faucet drip",
		slog.String("owner", caller.Hex()),
		slog.String("asset", asset.Hex()),
		slog.Uint64("amount", amount),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"account":   acct,
		"ui_amount": domain.FormatAmount(acct.Amount, mint.Decimals),
	})
}

type freezeRequest struct {
	Asset  string `json:"asset"`
	Frozen *bool  `json:"frozen"`
}

// Freeze sets the frozen flag of the caller's associated account.
// POST /api/dev/freeze
func (h *FaucetHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		respondErr(w, r, h.logger, "freeze", err)
		return
	}
	var req freezeRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, r, h.logger, "freeze", err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		respondErr(w, r, h.logger, "freeze", err)
		return
	}
	if req.Frozen == nil {
		respondErr(w, r, h.logger, "freeze", badRequest("frozen is required"))
		return
	}

	acct, err := h.vaults.Freeze(r.Context(), caller, asset, *req.Frozen)
	if err != nil {
		respondErr(w, r, h.logger, "freeze", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acct})
}
