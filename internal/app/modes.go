package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyield/internal/crypto"
	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/server"
	"github.com/alanyoungcy/polyield/internal/server/handler"
	"github.com/alanyoungcy/polyield/internal/server/middleware"
	"github.com/alanyoungcy/polyield/internal/server/ws"
	"github.com/alanyoungcy/polyield/internal/service"
)

const shutdownTimeout = 5 * time.Second

// ServerMode runs the HTTP API, the WebSocket hub and, when enabled, the
// scheduled reconciler until ctx is cancelled. It serves both the durable
// "server" mode and the in-memory "memory" mode.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering server mode",
		slog.String("mode", a.cfg.Mode),
		slog.Int("assets", len(a.cfg.Vault.Assets)),
	)

	g, ctx := errgroup.WithContext(ctx)

	a.startHTTPServer(ctx, g, deps)

	if a.cfg.Reconcile.Enabled {
		rec := a.newReconciler(deps)
		g.Go(func() error {
			return rec.RunCron(ctx, a.cfg.Reconcile.Schedule)
		})
	}

	return g.Wait()
}

// InitMode initializes the vault of every configured asset with the
// administrator wallet and exits. A vault that already exists is reported
// with its current state and does not fail the run.
func (a *App) InitMode(ctx context.Context, deps *Dependencies) error {
	src := crypto.KeySource{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	}
	if !src.Configured() {
		return errors.New("app: init: no admin wallet configured")
	}
	signer, err := crypto.LoadSigner(src)
	if err != nil {
		return fmt.Errorf("app: init: load admin key: %w", err)
	}
	admin := signer.Address()
	a.logger.InfoContext(ctx, "initializing vaults", slog.String("admin", admin.Hex()))

	var errs []error
	for _, asset := range a.cfg.Vault.Assets {
		addr := common.HexToAddress(asset.Address)
		ledger, err := deps.Engine.Initialize(ctx, admin, addr)
		switch {
		case err == nil:
			a.logger.InfoContext(ctx, "vault initialized",
				slog.String("asset", addr.Hex()),
				slog.String("symbol", asset.Symbol),
				slog.String("ledger", ledger.Address.Hex()),
			)
		case errors.Is(err, domain.ErrAlreadyInitialized):
			existing, getErr := deps.Engine.GetLedger(ctx, addr)
			if getErr != nil {
				// The holding account exists without a ledger.
				errs = append(errs, fmt.Errorf("%s: %w", asset.Symbol, err))
				continue
			}
			a.logger.InfoContext(ctx, "vault already initialized",
				slog.String("asset", addr.Hex()),
				slog.String("symbol", asset.Symbol),
				slog.String("ledger", existing.Address.Hex()),
				slog.String("administrator", existing.Administrator.Hex()),
				slog.Uint64("total_deposits", existing.TotalDeposits),
			)
		default:
			errs = append(errs, fmt.Errorf("%s: %w", asset.Symbol, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("app: init: %w", errors.Join(errs...))
	}
	return nil
}

// ReconcileMode runs one reconciliation and snapshot pass and exits. It
// fails when any vault is out of balance.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	res, err := a.newReconciler(deps).RunOnce(ctx)
	if err != nil {
		return err
	}
	if res.Skipped {
		return nil
	}
	if len(res.Inconsistent) > 0 {
		return fmt.Errorf("app: reconcile: %d of %d vaults inconsistent", len(res.Inconsistent), res.Checked)
	}
	return nil
}

func (a *App) newReconciler(deps *Dependencies) *service.Reconciler {
	rec := service.NewReconciler(deps.Engine, a.logger).
		WithSnapshots(deps.Snapshots, a.cfg.S3.SnapshotKeep).
		WithNotifier(deps.Notifier)
	if deps.Locks != nil {
		rec = rec.WithLocks(deps.Locks, a.cfg.Reconcile.LockTTL.Duration)
	}
	return rec
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to g. The
// server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Vaults:    handler.NewVaultHandler(deps.Engine, a.cfg.AdminAddresses(), a.logger),
		Positions: handler.NewPositionHandler(deps.Engine, a.logger),
		Snapshots: handler.NewSnapshotHandler(deps.Snapshots, a.logger),
		Activity:  handler.NewActivityHandler(deps.Audit, a.logger),
	}
	if a.cfg.Server.Faucet {
		a.logger.WarnContext(ctx, "dev faucet enabled", slog.Uint64("limit", a.cfg.Server.FaucetLimit))
		handlers.Faucet = handler.NewFaucetHandler(deps.Engine, a.cfg.Server.FaucetLimit, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		Signature: middleware.SignatureConfig{
			MaxSkew:  a.cfg.Auth.MaxSkew.Duration,
			NonceTTL: a.cfg.Auth.NonceTTL.Duration,
		},
	}, handlers, server.Deps{
		Limiter: deps.Limiter,
		Nonces:  deps.Nonces,
	}, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}
