package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYIELD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYIELD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Vault ──
	setStr(&cfg.Vault.ProgramID, "POLYIELD_VAULT_PROGRAM_ID")
	setAssets(&cfg.Vault.Assets, "POLYIELD_VAULT_ASSETS")
	setStringSlice(&cfg.Vault.Admins, "POLYIELD_VAULT_ADMINS")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYIELD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYIELD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYIELD_WALLET_KEY_PASSWORD")

	// ── Auth ──
	setDuration(&cfg.Auth.MaxSkew, "POLYIELD_AUTH_MAX_SKEW")
	setDuration(&cfg.Auth.NonceTTL, "POLYIELD_AUTH_NONCE_TTL")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "POLYIELD_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "POLYIELD_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "POLYIELD_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "POLYIELD_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "POLYIELD_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "POLYIELD_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "POLYIELD_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "POLYIELD_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "POLYIELD_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "POLYIELD_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "POLYIELD_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYIELD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYIELD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYIELD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYIELD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYIELD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYIELD_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LedgerTTL, "POLYIELD_REDIS_LEDGER_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYIELD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYIELD_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYIELD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYIELD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYIELD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYIELD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYIELD_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "POLYIELD_S3_PREFIX")
	setInt(&cfg.S3.SnapshotKeep, "POLYIELD_S3_SNAPSHOT_KEEP")

	// ── Server ──
	setInt(&cfg.Server.Port, "POLYIELD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYIELD_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "POLYIELD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POLYIELD_SERVER_RATE_WINDOW")
	setBool(&cfg.Server.Faucet, "POLYIELD_SERVER_FAUCET")
	setUint64(&cfg.Server.FaucetLimit, "POLYIELD_SERVER_FAUCET_LIMIT")

	// ── Reconcile ──
	setBool(&cfg.Reconcile.Enabled, "POLYIELD_RECONCILE_ENABLED")
	setStr(&cfg.Reconcile.Schedule, "POLYIELD_RECONCILE_SCHEDULE")
	setDuration(&cfg.Reconcile.LockTTL, "POLYIELD_RECONCILE_LOCK_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYIELD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYIELD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYIELD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYIELD_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "POLYIELD_NOTIFY_COOLDOWN")

	// ── Telemetry ──
	setStr(&cfg.Telemetry.Endpoint, "POLYIELD_TELEMETRY_ENDPOINT")
	setStr(&cfg.Telemetry.ServiceName, "POLYIELD_TELEMETRY_SERVICE_NAME")
	setFloat64(&cfg.Telemetry.SampleRatio, "POLYIELD_TELEMETRY_SAMPLE_RATIO")
	setStr(&cfg.Telemetry.Environment, "POLYIELD_TELEMETRY_ENVIRONMENT")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYIELD_MODE")
	setStr(&cfg.LogLevel, "POLYIELD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setAssets parses "address:symbol:decimals" entries separated by commas.
// Malformed entries leave dst untouched so Validate still sees the file
// values.
func setAssets(dst *[]AssetConfig, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []AssetConfig
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return
		}
		dec, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return
		}
		out = append(out, AssetConfig{
			Address:  strings.TrimSpace(parts[0]),
			Symbol:   strings.TrimSpace(parts[1]),
			Decimals: dec,
		})
	}
	if len(out) > 0 {
		*dst = out
	}
}
