package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/alanyoungcy/polyield/internal/derive"
	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/token"
)

// DepositRequest moves Amount of Asset from Caller's associated account into
// the vault, credited to the caller's (MarketID, Position) record.
type DepositRequest struct {
	Caller   common.Address
	Asset    common.Address
	Amount   uint64
	MarketID string
	Position domain.Position
}

// Deposit transfers the caller's tokens into the vault and credits the
// matching position record, creating it on first use.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (Receipt, error) {
	ctx, span := e.start(ctx, "vault.Deposit", req.Asset)
	defer span.End()
	span.SetAttributes(
		attribute.String("vault.market_id", req.MarketID),
		attribute.String("vault.position", req.Position.String()),
		attribute.Int64("vault.amount", int64(req.Amount)),
	)

	if req.Amount == 0 {
		return Receipt{}, e.fail(span, fmt.Errorf("vault: deposit: %w", domain.ErrInvalidAmount))
	}
	key := domain.PositionKey{
		Asset:     req.Asset,
		Depositor: req.Caller,
		MarketID:  req.MarketID,
		Position:  req.Position,
	}
	recordAddr, recordTag, err := e.deriver.RecordAddress(key)
	if err != nil {
		return Receipt{}, e.fail(span, fmt.Errorf("vault: deposit: %w", err))
	}
	vaultAddr, _, err := e.deriver.VaultAddress(req.Asset)
	if err != nil {
		return Receipt{}, e.fail(span, fmt.Errorf("vault: deposit: %w", err))
	}
	source, err := e.tokens.AssociatedAccount(req.Caller, req.Asset)
	if err != nil {
		return Receipt{}, e.fail(span, fmt.Errorf("vault: deposit: %w", err))
	}

	var (
		receipt Receipt
		now     time.Time
	)
	err = e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		ledger, err := tx.Ledgers().Get(ctx, req.Asset)
		if err != nil {
			return err
		}
		now = ledger.Touch(e.now())
		mint, err := tx.Tokens().GetMint(ctx, req.Asset)
		if err != nil {
			return err
		}

		err = e.tokens.TransferChecked(ctx, tx.Tokens(), token.TransferRequest{
			From:      source,
			To:        vaultAddr,
			Authority: derive.Verified(req.Caller),
			Mint:      mint.Address,
			Amount:    req.Amount,
			Decimals:  mint.Decimals,
		})
		if err != nil {
			return err
		}

		record, _, err := tx.Records().GetOrCreate(ctx, domain.PositionRecord{
			Address:   recordAddr,
			Asset:     key.Asset,
			Depositor: key.Depositor,
			MarketID:  key.MarketID,
			Position:  key.Position,
			Tag:       recordTag,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if record.Amount, err = domain.CheckedAdd(record.Amount, req.Amount); err != nil {
			return fmt.Errorf("record amount: %w", err)
		}
		record.Timestamp = now

		if ledger.TotalDeposits, err = domain.CheckedAdd(ledger.TotalDeposits, req.Amount); err != nil {
			return fmt.Errorf("total deposits: %w", err)
		}

		if err := tx.Records().Save(ctx, record); err != nil {
			return err
		}
		if err := tx.Ledgers().Save(ctx, ledger); err != nil {
			return err
		}
		receipt = Receipt{Ledger: ledger, Record: record}
		return nil
	})
	if err != nil {
		return Receipt{}, e.fail(span, fmt.Errorf("vault: deposit: %w", err))
	}

	e.logger.InfoContext(ctx, "vault: deposited",
		slog.String("asset", req.Asset.Hex()),
		slog.String("depositor", req.Caller.Hex()),
		slog.String("market_id", req.MarketID),
		slog.String("position", req.Position.String()),
		slog.Uint64("amount", req.Amount),
		slog.Uint64("record_amount", receipt.Record.Amount),
		slog.Uint64("total_deposits", receipt.Ledger.TotalDeposits),
	)
	pos := req.Position
	e.committed(ctx, receipt.Ledger, domain.LedgerEvent{
		Type:         domain.EventDeposited,
		Asset:        req.Asset,
		Actor:        req.Caller,
		Record:       receipt.Record.Address,
		MarketID:     req.MarketID,
		Position:     &pos,
		Amount:       req.Amount,
		RecordAmount: receipt.Record.Amount,
		At:           now,
	})
	return receipt, nil
}
