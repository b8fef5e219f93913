package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// RecordAddress returns the address of the record a deposit with these
// parameters credits. The record need not exist yet.
func (e *Engine) RecordAddress(asset, depositor common.Address, marketID string, pos domain.Position) (common.Address, error) {
	addr, _, err := e.deriver.RecordAddress(domain.PositionKey{
		Asset:     asset,
		Depositor: depositor,
		MarketID:  marketID,
		Position:  pos,
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("vault: record address: %w", err)
	}
	return addr, nil
}

// GetRecord returns the record stored at addr.
func (e *Engine) GetRecord(ctx context.Context, addr common.Address) (domain.PositionRecord, error) {
	var rec domain.PositionRecord
	err := e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		rec, err = tx.Records().Get(ctx, addr)
		return err
	})
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("vault: get record %s: %w", addr.Hex(), err)
	}
	return rec, nil
}

// ListRecords returns the records matching f, oldest first.
func (e *Engine) ListRecords(ctx context.Context, f domain.RecordFilter) ([]domain.PositionRecord, error) {
	var out []domain.PositionRecord
	err := e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		out, err = tx.Records().List(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("vault: list records: %w", err)
	}
	return out, nil
}

// Balance returns owner's associated token account for asset.
func (e *Engine) Balance(ctx context.Context, owner, asset common.Address) (domain.TokenAccount, error) {
	addr, err := e.tokens.AssociatedAccount(owner, asset)
	if err != nil {
		return domain.TokenAccount{}, fmt.Errorf("vault: balance: %w", err)
	}
	var acct domain.TokenAccount
	err = e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		acct, err = tx.Tokens().GetAccount(ctx, addr)
		return err
	})
	if err != nil {
		return domain.TokenAccount{}, fmt.Errorf("vault: balance %s: %w", owner.Hex(), err)
	}
	return acct, nil
}

// Reconcile compares asset's ledger total with the sum of its records and
// with the holding account balance.
func (e *Engine) Reconcile(ctx context.Context, asset common.Address) (domain.ReconcileReport, error) {
	ctx, span := e.start(ctx, "vault.Reconcile", asset)
	defer span.End()

	var report domain.ReconcileReport
	err := e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		report, err = e.reconcile(ctx, tx, asset)
		return err
	})
	if err != nil {
		return domain.ReconcileReport{}, e.fail(span, fmt.Errorf("vault: reconcile %s: %w", asset.Hex(), err))
	}
	if !report.Consistent() {
		e.logger.ErrorContext(ctx, "vault: ledger inconsistent",
			slog.String("asset", asset.Hex()),
			slog.Uint64("total_deposits", report.TotalDeposits),
			slog.Uint64("record_sum", report.RecordSum),
			slog.Bool("sum_overflow", report.SumOverflow),
			slog.Uint64("vault_balance", report.VaultBalance),
		)
	}
	return report, nil
}

// Snapshot captures asset's ledger, every record and a reconciliation report
// from one consistent read.
func (e *Engine) Snapshot(ctx context.Context, asset common.Address) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		report, err := e.reconcile(ctx, tx, asset)
		if err != nil {
			return err
		}
		ledger, err := tx.Ledgers().Get(ctx, asset)
		if err != nil {
			return err
		}
		records, err := tx.Records().List(ctx, domain.RecordFilter{Asset: asset})
		if err != nil {
			return err
		}
		snap = domain.Snapshot{
			Ledger:  ledger,
			Records: records,
			Report:  report,
			TakenAt: report.CheckedAt,
		}
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("vault: snapshot %s: %w", asset.Hex(), err)
	}
	return snap, nil
}

func (e *Engine) reconcile(ctx context.Context, tx domain.Tx, asset common.Address) (domain.ReconcileReport, error) {
	ledger, err := tx.Ledgers().Get(ctx, asset)
	if err != nil {
		return domain.ReconcileReport{}, err
	}
	sum, count, overflow, err := tx.Records().Sum(ctx, asset)
	if err != nil {
		return domain.ReconcileReport{}, err
	}
	vaultAddr, _, err := e.deriver.VaultAddress(asset)
	if err != nil {
		return domain.ReconcileReport{}, err
	}
	holding, err := tx.Tokens().GetAccount(ctx, vaultAddr)
	if err != nil {
		return domain.ReconcileReport{}, err
	}
	return domain.ReconcileReport{
		Asset:         asset,
		TotalDeposits: ledger.TotalDeposits,
		RecordSum:     sum,
		RecordCount:   count,
		VaultBalance:  holding.Amount,
		SumOverflow:   overflow,
		CheckedAt:     e.now().UTC(),
	}, nil
}
