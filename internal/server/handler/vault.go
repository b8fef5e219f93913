package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/vault"
)

// VaultService is the part of the vault engine the HTTP API drives.
type VaultService interface {
	Initialize(ctx context.Context, admin, asset common.Address) (domain.VaultLedger, error)
	GetLedger(ctx context.Context, asset common.Address) (domain.VaultLedger, error)
	ListLedgers(ctx context.Context) ([]domain.VaultLedger, error)
	Mint(ctx context.Context, asset common.Address) (domain.Mint, error)
	Deposit(ctx context.Context, req vault.DepositRequest) (vault.Receipt, error)
	Withdraw(ctx context.Context, req vault.WithdrawRequest) (vault.Receipt, error)
	RecordAddress(asset, depositor common.Address, marketID string, pos domain.Position) (common.Address, error)
	GetRecord(ctx context.Context, addr common.Address) (domain.PositionRecord, error)
	ListRecords(ctx context.Context, f domain.RecordFilter) ([]domain.PositionRecord, error)
	Balance(ctx context.Context, owner, asset common.Address) (domain.TokenAccount, error)
	Reconcile(ctx context.Context, asset common.Address) (domain.ReconcileReport, error)
	Faucet(ctx context.Context, owner, asset common.Address, amount uint64) (domain.TokenAccount, error)
	Freeze(ctx context.Context, owner, asset common.Address, frozen bool) (domain.TokenAccount, error)
}

var _ VaultService = (*vault.Engine)(nil)

// VaultHandler serves vault ledger, deposit and withdrawal endpoints.
type VaultHandler struct {
	vaults VaultService
	// admins restricts who may initialize vaults. Empty allows any signer.
	admins map[common.Address]bool
	logger *slog.Logger
}

// NewVaultHandler creates a VaultHandler.
func NewVaultHandler(vaults VaultService, admins []common.Address, logger *slog.Logger) *VaultHandler {
	set := make(map[common.Address]bool, len(admins))
	for _, a := range admins {
		set[a] = true
	}
	return &VaultHandler{vaults: vaults, admins: set, logger: logger}
}

type ledgerResponse struct {
	domain.VaultLedger
	Symbol          string `json:"symbol"`
	Decimals        uint8  `json:"decimals"`
	UITotalDeposits string `json:"ui_total_deposits"`
}

type recordResponse struct {
	domain.PositionRecord
	UIAmount string `json:"ui_amount"`
}

type receiptResponse struct {
	Ledger ledgerResponse `json:"ledger"`
	Record recordResponse `json:"record"`
}

func newLedgerResponse(l domain.VaultLedger, m domain.Mint) ledgerResponse {
	return ledgerResponse{
		VaultLedger:     l,
		Symbol:          m.Symbol,
		Decimals:        m.Decimals,
		UITotalDeposits: domain.FormatAmount(l.TotalDeposits, m.Decimals),
	}
}

func newRecordResponse(r domain.PositionRecord, decimals uint8) recordResponse {
	return recordResponse{PositionRecord: r, UIAmount: domain.FormatAmount(r.Amount, decimals)}
}

// ledgerView loads the ledger together with its mint metadata.
func (h *VaultHandler) ledgerView(ctx context.Context, asset common.Address) (ledgerResponse, error) {
	l, err := h.vaults.GetLedger(ctx, asset)
	if err != nil {
		return ledgerResponse{}, err
	}
	m, err := h.vaults.Mint(ctx, asset)
	if err != nil {
		return ledgerResponse{}, err
	}
	return newLedgerResponse(l, m), nil
}

// ListVaults returns every initialized vault.
// GET /api/vaults
func (h *VaultHandler) ListVaults(w http.ResponseWriter, r *http.Request) {
	ledgers, err := h.vaults.ListLedgers(r.Context())
	if err != nil {
		respondErr(w, r, h.logger, "list vaults", err)
		return
	}
	out := make([]ledgerResponse, 0, len(ledgers))
	for _, l := range ledgers {
		m, err := h.vaults.Mint(r.Context(), l.Asset)
		if err != nil {
			respondErr(w, r, h.logger, "list vaults", err)
			return
		}
		out = append(out, newLedgerResponse(l, m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"vaults": out})
}

// GetVault returns one ledger.
// GET /api/vaults/{asset}
func (h *VaultHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondErr(w, r, h.logger, "get vault", err)
		return
	}
	view, err := h.ledgerView(r.Context(), asset)
	if err != nil {
		respondErr(w, r, h.logger, "get vault", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type initializeRequest struct {
	Asset string `json:"asset"`
}

// InitializeVault creates the ledger and holding account of an asset with
// the caller as administrator.
// POST /api/vaults
func (h *VaultHandler) InitializeVault(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		respondErr(w, r, h.logger, "initialize vault", err)
		return
	}
	if len(h.admins) > 0 && !h.admins[caller] {
		respondErr(w, r, h.logger, "initialize vault", domain.ErrUnauthorized)
		return
	}

	var req initializeRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, r, h.logger, "initialize vault", err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		respondErr(w, r, h.logger, "initialize vault", err)
		return
	}

	l, err := h.vaults.Initialize(r.Context(), caller, asset)
	if err != nil {
		respondErr(w, r, h.logger, "initialize vault", err)
		return
	}
	m, err := h.vaults.Mint(r.Context(), asset)
	if err != nil {
		respondErr(w, r, h.logger, "initialize vault", err)
		return
	}
	writeJSON(w, http.StatusCreated, newLedgerResponse(l, m))
}

type depositRequest struct {
	amountInput
	MarketID string `json:"market_id"`
	Position string `json:"position"`
}

// Deposit moves the caller's tokens into the vault under a market position.
// POST /api/vaults/{asset}/deposits
func (h *VaultHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		respondErr(w, r, h.logger, "deposit", err)
		return
	}
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondErr(w, r, h.logger, "deposit", err)
		return
	}
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, r, h.logger, "deposit", err)
		return
	}
	pos, err := domain.ParsePosition(req.Position)
	if err != nil {
		respondErr(w, r, h.logger, "deposit", err)
		return
	}
	mint, err := h.vaults.Mint(r.Context(), asset)
	if err != nil {
		respondErr(w, r, h.logger, "deposit", err)
		return
	}
	amount, err := req.resolve(mint.Decimals)
	if err != nil {
		respondErr(w, r, h.logger, "deposit", err)
		return
	}

	rc, err := h.vaults.Deposit(r.Context(), vault.DepositRequest{
		Caller:   caller,
		Asset:    asset,
		Amount:   amount,
		MarketID: req.MarketID,
		Position: pos,
	})
	if err != nil {
		respondErr(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{
		Ledger: newLedgerResponse(rc.Ledger, mint),
		Record: newRecordResponse(rc.Record, mint.Decimals),
	})
}

type withdrawRequest struct {
	amountInput
	Record   string `json:"record,omitempty"`
	MarketID string `json:"market_id,omitempty"`
	Position string `json:"position,omitempty"`
}

// Withdraw returns funds from one of the caller's records. The record is
// named by address, or by market id and position.
// POST /api/vaults/{asset}/withdrawals
func (h *VaultHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		respondErr(w, r, h.logger, "withdraw", err)
		return
	}
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondErr(w, r, h.logger, "withdraw", err)
		return
	}
	var req withdrawRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, r, h.logger, "withdraw", err)
		return
	}

	var record common.Address
	if req.Record != "" {
		record, err = h.recordInVault(r.Context(), asset, req.Record)
	} else {
		var pos domain.Position
		pos, err = domain.ParsePosition(req.Position)
		if err == nil {
			record, err = h.vaults.RecordAddress(asset, caller, req.MarketID, pos)
		}
	}
	if err != nil {
		respondErr(w, r, h.logger, "withdraw", err)
		return
	}

	mint, err := h.vaults.Mint(r.Context(), asset)
	if err != nil {
		respondErr(w, r, h.logger, "withdraw", err)
		return
	}
	amount, err := req.resolve(mint.Decimals)
	if err != nil {
		respondErr(w, r, h.logger, "withdraw", err)
		return
	}

	rc, err := h.vaults.Withdraw(r.Context(), vault.WithdrawRequest{
		Caller: caller,
		Record: record,
		Amount: amount,
	})
	if err != nil {
		respondErr(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{
		Ledger: newLedgerResponse(rc.Ledger, mint),
		Record: newRecordResponse(rc.Record, mint.Decimals),
	})
}

// recordInVault parses a record address and checks it belongs to asset.
func (h *VaultHandler) recordInVault(ctx context.Context, asset common.Address, raw string) (common.Address, error) {
	addr, err := parseAddress("record", raw)
	if err != nil {
		return common.Address{}, err
	}
	rec, err := h.vaults.GetRecord(ctx, addr)
	if err != nil {
		return common.Address{}, err
	}
	if rec.Asset != asset {
		return common.Address{}, fmt.Errorf("%w: %s is not in vault %s", domain.ErrRecordNotFound, addr.Hex(), asset.Hex())
	}
	return addr, nil
}

// Reconcile compares the ledger with its records and holding account.
// GET /api/vaults/{asset}/reconcile
func (h *VaultHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondErr(w, r, h.logger, "reconcile", err)
		return
	}
	report, err := h.vaults.Reconcile(r.Context(), asset)
	if err != nil {
		respondErr(w, r, h.logger, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":                 report,
		"ledger_matches_records": report.LedgerMatchesRecords(),
		"vault_covered":          report.VaultCovered(),
		"consistent":             report.Consistent(),
	})
}

// Balance returns an owner's token balance of the vault asset.
// GET /api/vaults/{asset}/balances/{owner}
func (h *VaultHandler) Balance(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		respondErr(w, r, h.logger, "balance", err)
		return
	}
	owner, err := pathAddress(r, "owner")
	if err != nil {
		respondErr(w, r, h.logger, "balance", err)
		return
	}
	mint, err := h.vaults.Mint(r.Context(), asset)
	if err != nil {
		respondErr(w, r, h.logger, "balance", err)
		return
	}
	acct, err := h.vaults.Balance(r.Context(), owner, asset)
	if err != nil {
		respondErr(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":   acct,
		"ui_amount": domain.FormatAmount(acct.Amount, mint.Decimals),
	})
}
