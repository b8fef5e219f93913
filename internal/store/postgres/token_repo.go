package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyield/internal/domain"
)

type tokenRepo struct {
	tx pgx.Tx
}

func (r tokenRepo) CreateMint(ctx context.Context, m domain.Mint) error {
	const query = `INSERT INTO mints (address, symbol, decimals, authority)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO NOTHING`
	tag, err := r.tx.Exec(ctx, query, addrArg(m.Address), m.Symbol, int16(m.Decimals), addrArg(m.Authority))
	if err != nil {
		return fmt.Errorf("postgres: create mint %s: %w", m.Address.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r tokenRepo) GetMint(ctx context.Context, addr common.Address) (domain.Mint, error) {
	const query = `SELECT address, symbol, decimals, authority FROM mints WHERE address = $1`
	var (
		m                  domain.Mint
		address, authority string
		decimals           int16
	)
	err := r.tx.QueryRow(ctx, query, addrArg(addr)).Scan(&address, &m.Symbol, &decimals, &authority)
	if err != nil {
		if isNoRows(err) {
			return domain.Mint{}, domain.ErrMintNotFound
		}
		return domain.Mint{}, fmt.Errorf("postgres: get mint %s: %w", addr.Hex(), err)
	}
	m.Address = common.HexToAddress(address)
	m.Authority = common.HexToAddress(authority)
	m.Decimals = uint8(decimals)
	return m, nil
}

func (r tokenRepo) CreateAccount(ctx context.Context, a domain.TokenAccount) error {
	const query = `INSERT INTO token_accounts (address, mint, owner, amount, frozen)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (address) DO NOTHING`
	tag, err := r.tx.Exec(ctx, query,
		addrArg(a.Address), addrArg(a.Mint), addrArg(a.Owner), amountArg(a.Amount), a.Frozen,
	)
	if err != nil {
		return fmt.Errorf("postgres: create token account %s: %w", a.Address.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// GetAccount loads the account and holds its row lock until the transaction
// ends.
func (r tokenRepo) GetAccount(ctx context.Context, addr common.Address) (domain.TokenAccount, error) {
	const query = `SELECT address, mint, owner, amount::text, frozen
		FROM token_accounts WHERE address = $1 FOR UPDATE`
	var (
		a                           domain.TokenAccount
		address, mint, owner, total string
	)
	err := r.tx.QueryRow(ctx, query, addrArg(addr)).Scan(&address, &mint, &owner, &total, &a.Frozen)
	if err != nil {
		if isNoRows(err) {
			return domain.TokenAccount{}, domain.ErrAccountNotFound
		}
		return domain.TokenAccount{}, fmt.Errorf("postgres: get token account %s: %w", addr.Hex(), err)
	}
	if a.Amount, err = parseAmount(total); err != nil {
		return domain.TokenAccount{}, err
	}
	a.Address = common.HexToAddress(address)
	a.Mint = common.HexToAddress(mint)
	a.Owner = common.HexToAddress(owner)
	return a, nil
}

func (r tokenRepo) SaveAccount(ctx context.Context, a domain.TokenAccount) error {
	const query = `UPDATE token_accounts
		SET amount = $2::numeric, frozen = $3, updated_at = NOW()
		WHERE address = $1`
	tag, err := r.tx.Exec(ctx, query, addrArg(a.Address), amountArg(a.Amount), a.Frozen)
	if err != nil {
		return fmt.Errorf("postgres: save token account %s: %w", a.Address.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
