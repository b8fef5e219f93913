package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyield/internal/domain"
)

type ledgerRepo struct {
	tx pgx.Tx
}

const ledgerSelectCols = `address, administrator, asset, vault_authority_tag,
	ledger_authority_tag, total_deposits::text, version, created_at, updated_at`

func scanLedger(row pgx.Row) (domain.VaultLedger, error) {
	var (
		l                         domain.VaultLedger
		addr, admin, asset, total string
		vaultTag, ledgerTag       int16
		version                   int64
	)
	if err := row.Scan(&addr, &admin, &asset, &vaultTag, &ledgerTag, &total, &version, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return domain.VaultLedger{}, err
	}
	amount, err := parseAmount(total)
	if err != nil {
		return domain.VaultLedger{}, err
	}
	l.Address = common.HexToAddress(addr)
	l.Administrator = common.HexToAddress(admin)
	l.Asset = common.HexToAddress(asset)
	l.VaultAuthorityTag = uint8(vaultTag)
	l.LedgerAuthorityTag = uint8(ledgerTag)
	l.TotalDeposits = amount
	l.Version = uint64(version)
	return l, nil
}

// Create inserts the ledger unless one already exists for the asset.
func (r ledgerRepo) Create(ctx context.Context, l domain.VaultLedger) error {
	const query = `INSERT INTO vault_ledgers
		(asset, address, administrator, vault_authority_tag, ledger_authority_tag,
		 total_deposits, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
		ON CONFLICT (asset) DO NOTHING`
	tag, err := r.tx.Exec(ctx, query,
		addrArg(l.Asset), addrArg(l.Address), addrArg(l.Administrator),
		int16(l.VaultAuthorityTag), int16(l.LedgerAuthorityTag),
		amountArg(l.TotalDeposits), int64(l.Version), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create ledger %s: %w", l.Asset.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyInitialized
	}
	return nil
}

// Get loads the ledger and holds its row lock until the transaction ends.
func (r ledgerRepo) Get(ctx context.Context, asset common.Address) (domain.VaultLedger, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM vault_ledgers WHERE asset = $1 FOR UPDATE`
	l, err := scanLedger(r.tx.QueryRow(ctx, query, addrArg(asset)))
	if err != nil {
		if isNoRows(err) {
			return domain.VaultLedger{}, domain.ErrVaultNotFound
		}
		return domain.VaultLedger{}, fmt.Errorf("postgres: get ledger %s: %w", asset.Hex(), err)
	}
	return l, nil
}

// Save writes the mutable ledger fields. The version may only move forward.
func (r ledgerRepo) Save(ctx context.Context, l domain.VaultLedger) error {
	const query = `UPDATE vault_ledgers
		SET total_deposits = $2::numeric, version = $3, updated_at = $4
		WHERE asset = $1 AND version <= $3`
	tag, err := r.tx.Exec(ctx, query, addrArg(l.Asset), amountArg(l.TotalDeposits), int64(l.Version), l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save ledger %s: %w", l.Asset.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVaultNotFound
	}
	return nil
}

// List returns every ledger ordered by asset.
func (r ledgerRepo) List(ctx context.Context) ([]domain.VaultLedger, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM vault_ledgers ORDER BY asset`
	rows, err := r.tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledgers: %w", err)
	}
	defer rows.Close()

	var out []domain.VaultLedger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan ledger: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list ledgers rows: %w", err)
	}
	return out, nil
}
