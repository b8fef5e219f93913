package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.Host       = (*Host)(nil)
	_ domain.LedgerRepo = ledgerRepo{}
	_ domain.RecordRepo = recordRepo{}
	_ domain.TokenRepo  = tokenRepo{}
)

// Host runs each unit of work in one read-committed transaction. Mutating
// operations lock the asset's ledger row first, which serializes them per
// asset in a single lock order.
type Host struct {
	pool *pgxpool.Pool
}

// NewHost creates a Host backed by the given connection pool.
func NewHost(pool *pgxpool.Pool) *Host {
	return &Host{pool: pool}
}

// Execute runs fn in a transaction and commits when fn returns nil.
func (h *Host) Execute(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	tx, err := h.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, hostTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

type hostTx struct {
	tx pgx.Tx
}

func (t hostTx) Ledgers() domain.LedgerRepo { return ledgerRepo(t) }
func (t hostTx) Records() domain.RecordRepo { return recordRepo(t) }
func (t hostTx) Tokens() domain.TokenRepo   { return tokenRepo(t) }

// Column codecs. Addresses are stored as checksummed hex, amounts as
// NUMERIC(20,0) exchanged in text form.

func addrArg(a common.Address) string {
	return a.Hex()
}

func amountArg(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: decode amount %q: %w", s, err)
	}
	return v, nil
}

// parseSum decodes a NUMERIC aggregate that may exceed 64 bits.
func parseSum(s string) (sum uint64, overflow bool, err error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false, fmt.Errorf("postgres: decode sum %q: %w", s, err)
	}
	if d.BigInt().IsUint64() {
		return d.BigInt().Uint64(), false, nil
	}
	return 0, true, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
