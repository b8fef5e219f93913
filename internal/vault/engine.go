// Package vault implements the custodial ledger: one vault per asset holding
// every deposit, and one position record per (depositor, market, position)
// tracking how much of the pooled balance belongs to whom.
//
// Each operation runs as a single unit of work on a domain.Host. Either the
// token transfer and both ledger updates commit together, or nothing does.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alanyoungcy/polyield/internal/derive"
	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/token"
)

const tracerName = "github.com/alanyoungcy/polyield/internal/vault"

// Receipt is the committed state after a deposit or withdrawal.
type Receipt struct {
	Ledger domain.VaultLedger    `json:"ledger"`
	Record domain.PositionRecord `json:"record"`
}

// Engine runs vault operations against a host.
type Engine struct {
	host    domain.Host
	tokens  *token.Program
	deriver *derive.Deriver
	bus     domain.EventBus
	audit   domain.AuditStore
	cache   domain.LedgerCache
	now     func() time.Time
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewEngine creates an Engine. Event publishing, audit logging and ledger
// caching are off until attached with the With* methods.
func NewEngine(host domain.Host, tokens *token.Program, deriver *derive.Deriver, logger *slog.Logger) *Engine {
	return &Engine{
		host:    host,
		tokens:  tokens,
		deriver: deriver,
		now:     time.Now,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
	}
}

// WithEvents publishes every committed operation on bus.
func (e *Engine) WithEvents(bus domain.EventBus) *Engine {
	e.bus = bus
	return e
}

// WithAudit writes every committed operation to audit.
func (e *Engine) WithAudit(audit domain.AuditStore) *Engine {
	e.audit = audit
	return e
}

// WithCache keeps the latest ledger of each asset in cache.
func (e *Engine) WithCache(cache domain.LedgerCache) *Engine {
	e.cache = cache
	return e
}

// WithClock replaces time.Now, mainly for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Program returns the program id every address is derived under.
func (e *Engine) Program() common.Address {
	return e.deriver.Program()
}

// RegisterMint records the metadata of an asset the vault may custody. The
// mint authority is the engine's keyless faucet authority for that mint.
// Registering the same mint twice with the same decimals is a no-op.
func (e *Engine) RegisterMint(ctx context.Context, asset common.Address, symbol string, decimals uint8) error {
	auth, err := e.deriver.MintAuthority(asset)
	if err != nil {
		return fmt.Errorf("vault: register mint: %w", err)
	}
	m := domain.Mint{
		Address:   asset,
		Symbol:    symbol,
		Decimals:  decimals,
		Authority: auth.Address(),
	}
	err = e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		return e.tokens.CreateMint(ctx, tx.Tokens(), m)
	})
	if err != nil {
		return fmt.Errorf("vault: register mint: %w", err)
	}
	return nil
}

// Initialize creates the ledger and the holding account for asset. It fails
// with domain.ErrAlreadyInitialized when either already exists and with
// domain.ErrMintNotFound when the asset has no registered metadata.
func (e *Engine) Initialize(ctx context.Context, admin, asset common.Address) (domain.VaultLedger, error) {
	ctx, span := e.start(ctx, "vault.Initialize", asset)
	defer span.End()

	if err := derive.Verified(admin).Verify(); err != nil {
		return domain.VaultLedger{}, e.fail(span, fmt.Errorf("vault: initialize: %w", err))
	}

	ledgerAddr, ledgerTag, err := e.deriver.LedgerAddress(asset)
	if err != nil {
		return domain.VaultLedger{}, e.fail(span, fmt.Errorf("vault: initialize: %w", err))
	}
	vaultAddr, vaultTag, err := e.deriver.VaultAddress(asset)
	if err != nil {
		return domain.VaultLedger{}, e.fail(span, fmt.Errorf("vault: initialize: %w", err))
	}

	now := e.now().UTC()
	ledger := domain.VaultLedger{
		Address:            ledgerAddr,
		Administrator:      admin,
		Asset:              asset,
		VaultAuthorityTag:  vaultTag,
		LedgerAuthorityTag: ledgerTag,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.Tokens().GetMint(ctx, asset); err != nil {
			return err
		}
		if err := tx.Ledgers().Create(ctx, ledger); err != nil {
			return err
		}
		_, err := e.tokens.InitializeAccount(ctx, tx.Tokens(), vaultAddr, asset, vaultAddr)
		if errors.Is(err, domain.ErrAlreadyExists) {
			return fmt.Errorf("%w: holding account %s exists", domain.ErrAlreadyInitialized, vaultAddr.Hex())
		}
		return err
	})
	if err != nil {
		return domain.VaultLedger{}, e.fail(span, fmt.Errorf("vault: initialize %s: %w", asset.Hex(), err))
	}

	e.logger.InfoContext(ctx, "vault: initialized",
		slog.String("asset", asset.Hex()),
		slog.String("ledger", ledgerAddr.Hex()),
		slog.String("holding_account", vaultAddr.Hex()),
		slog.String("administrator", admin.Hex()),
	)
	e.committed(ctx, ledger, domain.LedgerEvent{
		Type:  domain.EventVaultInitialized,
		Asset: asset,
		Actor: admin,
		At:    now,
	})
	return ledger, nil
}

// GetLedger returns the committed ledger of asset.
func (e *Engine) GetLedger(ctx context.Context, asset common.Address) (domain.VaultLedger, error) {
	if e.cache != nil {
		if l, err := e.cache.Get(ctx, asset); err == nil {
			return l, nil
		}
	}
	var ledger domain.VaultLedger
	err := e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		ledger, err = tx.Ledgers().Get(ctx, asset)
		return err
	})
	if err != nil {
		return domain.VaultLedger{}, fmt.Errorf("vault: get ledger %s: %w", asset.Hex(), err)
	}
	e.cacheLedger(ctx, ledger)
	return ledger, nil
}

// ListLedgers returns every initialized vault.
func (e *Engine) ListLedgers(ctx context.Context) ([]domain.VaultLedger, error) {
	var out []domain.VaultLedger
	err := e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		out, err = tx.Ledgers().List(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("vault: list ledgers: %w", err)
	}
	return out, nil
}

// Mint returns the registered metadata of asset.
func (e *Engine) Mint(ctx context.Context, asset common.Address) (domain.Mint, error) {
	var m domain.Mint
	err := e.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		m, err = tx.Tokens().GetMint(ctx, asset)
		return err
	})
	if err != nil {
		return domain.Mint{}, fmt.Errorf("vault: mint %s: %w", asset.Hex(), err)
	}
	return m, nil
}

// HoldingAccount returns the address of asset's vault holding account.
func (e *Engine) HoldingAccount(asset common.Address) (common.Address, error) {
	addr, _, err := e.deriver.VaultAddress(asset)
	return addr, err
}

func (e *Engine) start(ctx context.Context, name string, asset common.Address) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("vault.asset", asset.Hex()),
	))
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// committed runs the post-commit side effects. Their failures are logged and
// never surface to the caller: the operation itself has already committed.
func (e *Engine) committed(ctx context.Context, ledger domain.VaultLedger, evt domain.LedgerEvent) {
	evt.TotalDeposits = ledger.TotalDeposits
	e.cacheLedger(ctx, ledger)

	if e.bus != nil {
		payload, err := json.Marshal(evt)
		if err != nil {
			e.logger.WarnContext(ctx, "vault: encode event failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		} else {
			if err := e.bus.Publish(ctx, domain.EventsChannel, payload); err != nil {
				e.logger.WarnContext(ctx, "vault: publish event failed",
					slog.String("event", string(evt.Type)),
					slog.String("error", err.Error()),
				)
			}
			if err := e.bus.StreamAppend(ctx, domain.EventsStream, payload); err != nil {
				e.logger.WarnContext(ctx, "vault: stream append failed",
					slog.String("event", string(evt.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if e.audit != nil {
		if err := e.audit.Log(ctx, string(evt.Type), evt.Detail()); err != nil {
			e.logger.WarnContext(ctx, "vault: audit log failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) cacheLedger(ctx context.Context, ledger domain.VaultLedger) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, ledger); err != nil {
		e.logger.WarnContext(ctx, "vault: cache ledger failed",
			slog.String("asset", ledger.Asset.Hex()),
			slog.String("error", err.Error()),
		)
	}
}
