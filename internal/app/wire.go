package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	memblob "github.com/alanyoungcy/polyield/internal/blob/memory"
	s3blob "github.com/alanyoungcy/polyield/internal/blob/s3"
	"github.com/alanyoungcy/polyield/internal/cache/redis"
	"github.com/alanyoungcy/polyield/internal/config"
	"github.com/alanyoungcy/polyield/internal/derive"
	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/notify"
	"github.com/alanyoungcy/polyield/internal/server/handler"
	"github.com/alanyoungcy/polyield/internal/store/memory"
	"github.com/alanyoungcy/polyield/internal/store/postgres"
	"github.com/alanyoungcy/polyield/internal/telemetry"
	"github.com/alanyoungcy/polyield/internal/token"
	"github.com/alanyoungcy/polyield/internal/vault"
)

// memoryStreamMaxLen bounds the in-process event stream.
const memoryStreamMaxLen = 10_000

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Host  domain.Host
	Audit domain.AuditStore

	// Redis-backed in server modes, in-process in memory mode. Limiter,
	// Locks and Cache are nil in memory mode.
	Bus     domain.EventBus
	Nonces  domain.NonceStore
	Limiter domain.RateLimiter
	Locks   domain.LockManager
	Cache   domain.LedgerCache

	Snapshots domain.SnapshotStore
	Notifier  *notify.Notifier
	Engine    *vault.Engine

	// Checks are the dependency probes reported by /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Tracing ---
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Environment: cfg.Telemetry.Environment,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: telemetry: %w", err))
	}
	closers = append(closers, func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	})

	if cfg.UsesPostgres() {
		if err := wireDurable(ctx, cfg, deps, &closers, logger); err != nil {
			return fail(err)
		}
	} else {
		deps.Host = memory.NewHost()
		deps.Audit = memory.NewAuditLog()
		deps.Bus = memory.NewEventBus(memoryStreamMaxLen)
		deps.Nonces = memory.NewNonceStore()
		logger.WarnContext(ctx, "running with in-memory host; state is lost on exit")
	}

	// --- Snapshot storage ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		reader := s3blob.NewReader(s3Client)
		deps.Snapshots = s3blob.NewSnapshotStore(s3blob.NewWriter(s3Client), reader, reader).
			WithAudit(deps.Audit)
		deps.Checks["s3"] = s3Client.Health
	} else {
		store := memblob.New()
		deps.Snapshots = s3blob.NewSnapshotStore(store, store, store).WithAudit(deps.Audit)
		logger.InfoContext(ctx, "s3 bucket not configured; snapshots kept in memory")
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	// --- Vault engine ---
	deriver := derive.NewDeriver(cfg.ProgramAddress())
	engine := vault.NewEngine(deps.Host, token.NewProgram(deriver), deriver, logger).
		WithEvents(deps.Bus).
		WithAudit(deps.Audit)
	if deps.Cache != nil {
		engine = engine.WithCache(deps.Cache)
	}
	for _, a := range cfg.Vault.Assets {
		if err := engine.RegisterMint(ctx, common.HexToAddress(a.Address), a.Symbol, uint8(a.Decimals)); err != nil {
			return fail(fmt.Errorf("wire: register asset %s: %w", a.Symbol, err))
		}
	}
	deps.Engine = engine

	return deps, cleanup, nil
}

// wireDurable connects Postgres and Redis and fills the durable half of deps.
func wireDurable(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func(), logger *slog.Logger) error {
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Supabase.DSN,
		Host:     cfg.Supabase.Host,
		Port:     cfg.Supabase.Port,
		Database: cfg.Supabase.Database,
		User:     cfg.Supabase.User,
		Password: cfg.Supabase.Password,
		SSLMode:  cfg.Supabase.SSLMode,
		MaxConns: cfg.Supabase.PoolMaxConns,
		MinConns: cfg.Supabase.PoolMinConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("wire: postgres: %w", err)
	}
	*closers = append(*closers, pgClient.Close)

	if cfg.Supabase.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Host = postgres.NewHost(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Checks["postgres"] = pgClient.Ping

	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fmt.Errorf("wire: redis: %w", err)
	}
	*closers = append(*closers, func() { _ = redisClient.Close() })

	deps.Bus = redis.NewEventBus(redisClient)
	deps.Nonces = redis.NewNonceStore(redisClient)
	deps.Limiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Cache = redis.NewLedgerCache(redisClient, cfg.Redis.LedgerTTL.Duration)
	deps.Checks["redis"] = redisClient.Ping
	return nil
}
