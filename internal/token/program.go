// Package token implements the fungible-token transfer service the vault
// moves value through. It keeps mints and token accounts in the host's
// TokenRepo so a transfer commits or rolls back together with the ledger
// update that requested it.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/derive"
	"github.com/alanyoungcy/polyield/internal/domain"
)

// Program is the token transfer service.
type Program struct {
	deriver *derive.Deriver
}

// NewProgram creates a Program that resolves associated accounts with d.
func NewProgram(d *derive.Deriver) *Program {
	return &Program{deriver: d}
}

// TransferRequest moves Amount of Mint from From to To. Mint and Decimals
// must match the mint's published metadata.
type TransferRequest struct {
	From      common.Address
	To        common.Address
	Authority derive.Signer
	Mint      common.Address
	Amount    uint64
	Decimals  uint8
}

// TransferChecked validates the authority, the mint and the decimals, then
// debits From and credits To.
func (p *Program) TransferChecked(ctx context.Context, repo domain.TokenRepo, req TransferRequest) error {
	if req.Authority == nil {
		return fmt.Errorf("token: transfer: %w: missing authority", domain.ErrInvalidSigner)
	}
	if err := req.Authority.Verify(); err != nil {
		return fmt.Errorf("token: transfer: %w", err)
	}

	mint, err := repo.GetMint(ctx, req.Mint)
	if err != nil {
		return fmt.Errorf("token: transfer: %w", err)
	}
	if mint.Decimals != req.Decimals {
		return fmt.Errorf("token: transfer: %w: mint has %d, request has %d",
			domain.ErrDecimalsMismatch, mint.Decimals, req.Decimals)
	}

	from, err := repo.GetAccount(ctx, req.From)
	if err != nil {
		return fmt.Errorf("token: transfer source %s: %w", req.From.Hex(), err)
	}
	if from.Mint != req.Mint {
		return fmt.Errorf("token: transfer source %s: %w", req.From.Hex(), domain.ErrMintMismatch)
	}
	if from.Owner != req.Authority.Address() {
		return fmt.Errorf("token: transfer source %s: %w", req.From.Hex(), domain.ErrOwnerMismatch)
	}
	if from.Frozen {
		return fmt.Errorf("token: transfer source %s: %w", req.From.Hex(), domain.ErrAccountFrozen)
	}

	if req.From == req.To {
		if from.Amount < req.Amount {
			return fmt.Errorf("token: transfer source %s: %w", req.From.Hex(), domain.ErrInsufficientBalance)
		}
		return nil
	}

	to, err := repo.GetAccount(ctx, req.To)
	if err != nil {
		return fmt.Errorf("token: transfer destination %s: %w", req.To.Hex(), err)
	}
	if to.Mint != req.Mint {
		return fmt.Errorf("token: transfer destination %s: %w", req.To.Hex(), domain.ErrMintMismatch)
	}
	if to.Frozen {
		return fmt.Errorf("token: transfer destination %s: %w", req.To.Hex(), domain.ErrAccountFrozen)
	}

	if from.Amount < req.Amount {
		return fmt.Errorf("token: transfer source %s: %w: balance %d, amount %d",
			req.From.Hex(), domain.ErrInsufficientBalance, from.Amount, req.Amount)
	}
	from.Amount -= req.Amount
	if to.Amount, err = domain.CheckedAdd(to.Amount, req.Amount); err != nil {
		return fmt.Errorf("token: transfer destination %s: %w", req.To.Hex(), err)
	}

	if err := repo.SaveAccount(ctx, from); err != nil {
		return fmt.Errorf("token: transfer: %w", err)
	}
	if err := repo.SaveAccount(ctx, to); err != nil {
		return fmt.Errorf("token: transfer: %w", err)
	}
	return nil
}

// CreateMint registers mint metadata. An existing mint with identical
// metadata is accepted so startup registration is repeatable.
func (p *Program) CreateMint(ctx context.Context, repo domain.TokenRepo, m domain.Mint) error {
	existing, err := repo.GetMint(ctx, m.Address)
	switch {
	case err == nil:
		if existing.Decimals != m.Decimals {
			return fmt.Errorf("token: mint %s: %w: registered with %d decimals",
				m.Address.Hex(), domain.ErrDecimalsMismatch, existing.Decimals)
		}
		return nil
	case !errors.Is(err, domain.ErrMintNotFound):
		return fmt.Errorf("token: mint %s: %w", m.Address.Hex(), err)
	}
	if err := repo.CreateMint(ctx, m); err != nil {
		return fmt.Errorf("token: create mint %s: %w", m.Address.Hex(), err)
	}
	return nil
}

// InitializeAccount creates an empty account at addr for mint, owned by
// owner. It fails with domain.ErrAlreadyExists when addr is taken.
func (p *Program) InitializeAccount(ctx context.Context, repo domain.TokenRepo, addr, mint, owner common.Address) (domain.TokenAccount, error) {
	if _, err := repo.GetMint(ctx, mint); err != nil {
		return domain.TokenAccount{}, fmt.Errorf("token: initialize account %s: %w", addr.Hex(), err)
	}
	acct := domain.TokenAccount{
		Address: addr,
		Mint:    mint,
		Owner:   owner,
	}
	if err := repo.CreateAccount(ctx, acct); err != nil {
		return domain.TokenAccount{}, fmt.Errorf("token: initialize account %s: %w", addr.Hex(), err)
	}
	return acct, nil
}

// AssociatedAccount returns the canonical account address of owner for mint.
func (p *Program) AssociatedAccount(owner, mint common.Address) (common.Address, error) {
	addr, err := p.deriver.AssociatedAccount(owner, mint)
	if err != nil {
		return common.Address{}, fmt.Errorf("token: associated account: %w", err)
	}
	return addr, nil
}

// EnsureAssociatedAccount returns owner's associated account for mint,
// creating it when it does not exist yet.
func (p *Program) EnsureAssociatedAccount(ctx context.Context, repo domain.TokenRepo, owner, mint common.Address) (domain.TokenAccount, error) {
	addr, err := p.AssociatedAccount(owner, mint)
	if err != nil {
		return domain.TokenAccount{}, err
	}
	acct, err := repo.GetAccount(ctx, addr)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return domain.TokenAccount{}, fmt.Errorf("token: associated account %s: %w", addr.Hex(), err)
	}
	return p.InitializeAccount(ctx, repo, addr, mint, owner)
}

// MintTo creates amount new units of mint in the account at dest. authority
// must be the mint's authority.
func (p *Program) MintTo(ctx context.Context, repo domain.TokenRepo, mint, dest common.Address, authority derive.Signer, amount uint64) error {
	if authority == nil {
		return fmt.Errorf("token: mint to: %w: missing authority", domain.ErrInvalidSigner)
	}
	if err := authority.Verify(); err != nil {
		return fmt.Errorf("token: mint to: %w", err)
	}
	m, err := repo.GetMint(ctx, mint)
	if err != nil {
		return fmt.Errorf("token: mint to: %w", err)
	}
	if m.Authority != authority.Address() {
		return fmt.Errorf("token: mint to: %w: not the mint authority", domain.ErrInvalidSigner)
	}
	acct, err := repo.GetAccount(ctx, dest)
	if err != nil {
		return fmt.Errorf("token: mint to %s: %w", dest.Hex(), err)
	}
	if acct.Mint != mint {
		return fmt.Errorf("token: mint to %s: %w", dest.Hex(), domain.ErrMintMismatch)
	}
	if acct.Frozen {
		return fmt.Errorf("token: mint to %s: %w", dest.Hex(), domain.ErrAccountFrozen)
	}
	if acct.Amount, err = domain.CheckedAdd(acct.Amount, amount); err != nil {
		return fmt.Errorf("token: mint to %s: %w", dest.Hex(), err)
	}
	if err := repo.SaveAccount(ctx, acct); err != nil {
		return fmt.Errorf("token: mint to %s: %w", dest.Hex(), err)
	}
	return nil
}

// SetFrozen freezes or thaws an account. Only the mint authority may do so.
func (p *Program) SetFrozen(ctx context.Context, repo domain.TokenRepo, addr common.Address, authority derive.Signer, frozen bool) error {
	if authority == nil {
		return fmt.Errorf("token: freeze: %w: missing authority", domain.ErrInvalidSigner)
	}
	if err := authority.Verify(); err != nil {
		return fmt.Errorf("token: freeze: %w", err)
	}
	acct, err := repo.GetAccount(ctx, addr)
	if err != nil {
		return fmt.Errorf("token: freeze %s: %w", addr.Hex(), err)
	}
	m, err := repo.GetMint(ctx, acct.Mint)
	if err != nil {
		return fmt.Errorf("token: freeze %s: %w", addr.Hex(), err)
	}
	if m.Authority != authority.Address() {
		return fmt.Errorf("token: freeze %s: %w: not the mint authority", addr.Hex(), domain.ErrInvalidSigner)
	}
	acct.Frozen = frozen
	return repo.SaveAccount(ctx, acct)
}
