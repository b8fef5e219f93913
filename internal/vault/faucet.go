package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// Faucet mints amount of asset into owner's associated account, creating the
// account if needed. It exists for development deployments where the engine
// is the only issuer of the asset.
func (e *Engine) Faucet(ctx context.Context, owner, asset common.Address, amount uint64) (domain.TokenAccount, error) {
	if amount == 0 {
		return domain.TokenAccount{}, fmt.Errorf("vault: faucet: %w", domain.ErrInvalidAmount)
	}
	auth, err := e.deriver.MintAuthority(asset)
	if err != nil {
		return domain.TokenAccount{}, fmt.Errorf("vault: faucet: %w", err)
	}

	var acct domain.TokenAccount
	err = e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		a, err := e.tokens.EnsureAssociatedAccount(ctx, tx.Tokens(), owner, asset)
		if err != nil {
			return err
		}
		if err := e.tokens.MintTo(ctx, tx.Tokens(), asset, a.Address, auth, amount); err != nil {
			return err
		}
		acct, err = tx.Tokens().GetAccount(ctx, a.Address)
		return err
	})
	if err != nil {
		return domain.TokenAccount{}, fmt.Errorf("vault: faucet: %w", err)
	}

	e.logger.InfoContext(ctx, "vault: faucet minted",
		slog.String("asset", asset.Hex()),
		slog.String("owner", owner.Hex()),
		slog.Uint64("amount", amount),
		slog.Uint64("balance", acct.Amount),
	)
	return acct, nil
}

// Freeze freezes or thaws owner's associated account for asset under the mint
// authority. Like Faucet it is a development aid for engines that own the
// mint.
func (e *Engine) Freeze(ctx context.Context, owner, asset common.Address, frozen bool) (domain.TokenAccount, error) {
	auth, err := e.deriver.MintAuthority(asset)
	if err != nil {
		return domain.TokenAccount{}, fmt.Errorf("vault: freeze: %w", err)
	}
	addr, err := e.tokens.AssociatedAccount(owner, asset)
	if err != nil {
		return domain.TokenAccount{}, fmt.Errorf("vault: freeze: %w", err)
	}

	var acct domain.TokenAccount
	err = e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := e.tokens.SetFrozen(ctx, tx.Tokens(), addr, auth, frozen); err != nil {
			return err
		}
		a, err := tx.Tokens().GetAccount(ctx, addr)
		acct = a
		return err
	})
	if err != nil {
		return domain.TokenAccount{}, fmt.Errorf("vault: freeze: %w", err)
	}

	e.logger.InfoContext(ctx, "vault: account frozen state changed",
		slog.String("asset", asset.Hex()),
		slog.String("owner", owner.Hex()),
		slog.Bool("frozen", frozen),
	)
	return acct, nil
}
