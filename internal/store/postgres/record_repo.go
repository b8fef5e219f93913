package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyield/internal/domain"
)

type recordRepo struct {
	tx pgx.Tx
}

const recordSelectCols = `address, asset, depositor, market_id, position,
	amount::text, last_deposit_at, tag, created_at`

func scanRecord(row pgx.Row) (domain.PositionRecord, error) {
	var (
		r                              domain.PositionRecord
		addr, asset, depositor, amount string
		position, tag                  int16
		lastDeposit                    *time.Time
	)
	err := row.Scan(&addr, &asset, &depositor, &r.MarketID, &position,
		&amount, &lastDeposit, &tag, &r.CreatedAt)
	if err != nil {
		return domain.PositionRecord{}, err
	}
	if r.Amount, err = parseAmount(amount); err != nil {
		return domain.PositionRecord{}, err
	}
	r.Address = common.HexToAddress(addr)
	r.Asset = common.HexToAddress(asset)
	r.Depositor = common.HexToAddress(depositor)
	r.Position = domain.Position(position)
	r.Tag = uint8(tag)
	if lastDeposit != nil {
		r.Timestamp = *lastDeposit
	}
	return r, nil
}

// Get loads a record without locking it; writers hold the ledger lock.
func (r recordRepo) Get(ctx context.Context, addr common.Address) (domain.PositionRecord, error) {
	query := `SELECT ` + recordSelectCols + ` FROM user_positions WHERE address = $1`
	rec, err := scanRecord(r.tx.QueryRow(ctx, query, addrArg(addr)))
	if err != nil {
		if isNoRows(err) {
			return domain.PositionRecord{}, domain.ErrRecordNotFound
		}
		return domain.PositionRecord{}, fmt.Errorf("postgres: get record %s: %w", addr.Hex(), err)
	}
	return rec, nil
}

// GetOrCreate inserts rec when its address is free and returns the stored row.
func (r recordRepo) GetOrCreate(ctx context.Context, rec domain.PositionRecord) (domain.PositionRecord, bool, error) {
	const insert = `INSERT INTO user_positions
		(address, asset, depositor, market_id, position, amount, last_deposit_at, tag, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $9)
		ON CONFLICT (address) DO NOTHING`
	tag, err := r.tx.Exec(ctx, insert,
		addrArg(rec.Address), addrArg(rec.Asset), addrArg(rec.Depositor),
		rec.MarketID, int16(rec.Position), amountArg(rec.Amount),
		nullTime(rec.Timestamp), int16(rec.Tag), rec.CreatedAt,
	)
	if err != nil {
		return domain.PositionRecord{}, false, fmt.Errorf("postgres: create record %s: %w", rec.Address.Hex(), err)
	}
	stored, err := r.Get(ctx, rec.Address)
	if err != nil {
		return domain.PositionRecord{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// Save writes the mutable record fields.
func (r recordRepo) Save(ctx context.Context, rec domain.PositionRecord) error {
	const query = `UPDATE user_positions
		SET amount = $2::numeric, last_deposit_at = $3, updated_at = NOW()
		WHERE address = $1`
	tag, err := r.tx.Exec(ctx, query, addrArg(rec.Address), amountArg(rec.Amount), nullTime(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("postgres: save record %s: %w", rec.Address.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// List returns the records matching f, oldest first.
func (r recordRepo) List(ctx context.Context, f domain.RecordFilter) ([]domain.PositionRecord, error) {
	query := `SELECT ` + recordSelectCols + ` FROM user_positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.Asset != (common.Address{}) {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, addrArg(f.Asset))
		argIdx++
	}
	if f.Depositor != nil {
		query += fmt.Sprintf(" AND depositor = $%d", argIdx)
		args = append(args, addrArg(*f.Depositor))
		argIdx++
	}
	if f.MarketID != "" {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, f.MarketID)
		argIdx++
	}
	if f.Position != nil {
		query += fmt.Sprintf(" AND position = $%d", argIdx)
		args = append(args, int16(*f.Position))
		argIdx++
	}

	query += " ORDER BY created_at, address"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list records: %w", err)
	}
	defer rows.Close()

	var out []domain.PositionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list records rows: %w", err)
	}
	return out, nil
}

// Sum totals the record amounts of asset in NUMERIC so overflow is detected
// instead of wrapping.
func (r recordRepo) Sum(ctx context.Context, asset common.Address) (uint64, int, bool, error) {
	const query = `SELECT COALESCE(SUM(amount), 0)::text, COUNT(*)
		FROM user_positions WHERE asset = $1`
	var (
		total string
		count int64
	)
	if err := r.tx.QueryRow(ctx, query, addrArg(asset)).Scan(&total, &count); err != nil {
		return 0, 0, false, fmt.Errorf("postgres: sum records %s: %w", asset.Hex(), err)
	}
	sum, overflow, err := parseSum(total)
	if err != nil {
		return 0, 0, false, err
	}
	return sum, int(count), overflow, nil
}
