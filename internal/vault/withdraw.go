package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/token"
)

// WithdrawRequest returns Amount from the record at Record to Caller.
type WithdrawRequest struct {
	Caller common.Address
	Record common.Address
	Amount uint64
}

// Withdraw pays out part or all of a position record to its depositor. The
// vault's holding account signs the transfer with its derived authority.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (Receipt, error) {
	ctx, span := e.tracer.Start(ctx, "vault.Withdraw")
	defer span.End()
	span.SetAttributes(
		attribute.String("vault.record", req.Record.Hex()),
		attribute.Int64("vault.amount", int64(req.Amount)),
	)

	var (
		receipt Receipt
		now     time.Time
	)
	err := e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		// The record tells us which ledger to lock. Record writes serialize
		// on that lock, so the record is read again once it is held.
		peek, err := tx.Records().Get(ctx, req.Record)
		if err != nil {
			return err
		}
		ledger, err := tx.Ledgers().Get(ctx, peek.Asset)
		if err != nil {
			return err
		}
		now = ledger.Touch(e.now())
		record, err := tx.Records().Get(ctx, req.Record)
		if err != nil {
			return err
		}
		if err := e.deriver.VerifyRecord(record); err != nil {
			return err
		}
		if record.Depositor != req.Caller {
			return domain.ErrUnauthorized
		}
		if req.Amount == 0 {
			return domain.ErrInvalidAmount
		}
		if req.Amount > record.Amount {
			return fmt.Errorf("%w: record holds %d, requested %d",
				domain.ErrInsufficientFunds, record.Amount, req.Amount)
		}

		mint, err := tx.Tokens().GetMint(ctx, record.Asset)
		if err != nil {
			return err
		}
		signer, err := e.deriver.VaultSigner(record.Asset, ledger.VaultAuthorityTag)
		if err != nil {
			return err
		}
		dest, err := e.tokens.EnsureAssociatedAccount(ctx, tx.Tokens(), req.Caller, record.Asset)
		if err != nil {
			return err
		}
		err = e.tokens.TransferChecked(ctx, tx.Tokens(), token.TransferRequest{
			From:      signer.Address(),
			To:        dest.Address,
			Authority: signer,
			Mint:      mint.Address,
			Amount:    req.Amount,
			Decimals:  mint.Decimals,
		})
		if err != nil {
			return err
		}

		if record.Amount, err = domain.CheckedSub(record.Amount, req.Amount); err != nil {
			return fmt.Errorf("record amount: %w", err)
		}
		if ledger.TotalDeposits, err = domain.CheckedSub(ledger.TotalDeposits, req.Amount); err != nil {
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
		return Receipt{}, e.fail(span, fmt.Errorf("vault: withdraw: %w", err))
	}

	rec := receipt.Record
	span.SetAttributes(attribute.String("vault.asset", rec.Asset.Hex()))
	e.logger.InfoContext(ctx, "vault: withdrawn",
		slog.String("asset", rec.Asset.Hex()),
		slog.String("depositor", rec.Depositor.Hex()),
		slog.String("market_id", rec.MarketID),
		slog.String("position", rec.Position.String()),
		slog.Uint64("amount", req.Amount),
		slog.Uint64("record_amount", rec.Amount),
		slog.Uint64("total_deposits", receipt.Ledger.TotalDeposits),
	)
	pos := rec.Position
	e.committed(ctx, receipt.Ledger, domain.LedgerEvent{
		Type:         domain.EventWithdrawn,
		Asset:        rec.Asset,
		Actor:        req.Caller,
		Record:       rec.Address,
		MarketID:     rec.MarketID,
		Position:     &pos,
		Amount:       req.Amount,
		RecordAmount: rec.Amount,
		At:           now,
	})
	return receipt, nil
}
