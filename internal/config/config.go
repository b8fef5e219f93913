// Package config defines the top-level configuration for the vault service
// and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYIELD_* environment variables.
type Config struct {
	Vault     VaultConfig     `toml:"vault"`
	Wallet    WalletConfig    `toml:"wallet"`
	Auth      AuthConfig      `toml:"auth"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Notify    NotifyConfig    `toml:"notify"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// VaultConfig identifies the program and the assets it custodies.
type VaultConfig struct {
	// ProgramID scopes every derived address. Changing it orphans existing
	// ledgers.
	ProgramID string        `toml:"program_id"`
	Assets    []AssetConfig `toml:"assets"`
	// Admins restricts who may initialize a vault over the API. Empty allows
	// any signed caller.
	Admins []string `toml:"admins"`
}

// AssetConfig describes one depositable asset mint.
type AssetConfig struct {
	Address  string `toml:"address"`
	Symbol   string `toml:"symbol"`
	Decimals int    `toml:"decimals"`
}

// WalletConfig holds the administrator key used by init mode.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// AuthConfig tunes request signature checks.
type AuthConfig struct {
	MaxSkew  duration `toml:"max_skew"`
	NonceTTL duration `toml:"nonce_ttl"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LedgerTTL  duration `toml:"ledger_ttl"`
}

// S3Config holds S3-compatible object storage parameters. An empty bucket
// keeps snapshots in process memory.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	// SnapshotKeep is how many snapshots per asset survive a prune. Zero
	// keeps everything.
	SnapshotKeep int `toml:"snapshot_keep"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per RateWindow per client IP. Zero disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	// Faucet exposes POST /api/dev/faucet. Never enable it in production.
	Faucet      bool   `toml:"faucet"`
	FaucetLimit uint64 `toml:"faucet_limit"`
}

// ReconcileConfig schedules the background reconciliation pass.
type ReconcileConfig struct {
	Enabled  bool     `toml:"enabled"`
	Schedule string   `toml:"schedule"`
	LockTTL  duration `toml:"lock_ttl"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// TelemetryConfig configures trace export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
	Environment string  `toml:"environment"`
}

// DefaultProgramID is the program identity used when none is configured.
const DefaultProgramID = "0x00000000000000000000000000000000506f6c79"

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Vault: VaultConfig{
			ProgramID: DefaultProgramID,
		},
		Auth: AuthConfig{
			MaxSkew:  duration{5 * time.Minute},
			NonceTTL: duration{10 * time.Minute},
		},
		Supabase: SupabaseConfig{
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "require",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			LedgerTTL:  duration{5 * time.Minute},
		},
		S3: S3Config{
			Region:       "us-east-1",
			UseSSL:       true,
			SnapshotKeep: 48,
		},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
			FaucetLimit: 10_000_000_000,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Schedule: "@every 5m",
			LockTTL:  duration{2 * time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"reconcile.mismatch", "reconcile.failed", "reconcile.recovered", "snapshot.failed"},
			Cooldown: duration{15 * time.Minute},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polyield",
			SampleRatio: 1,
			Environment: "development",
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"memory":    true,
	"init":      true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// UsesPostgres reports whether the mode needs the durable host.
func (c *Config) UsesPostgres() bool {
	return c.Mode != "memory"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, memory, init, reconcile)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Vault
	if !common.IsHexAddress(c.Vault.ProgramID) {
		errs = append(errs, fmt.Sprintf("vault: program_id %q is not a hex address", c.Vault.ProgramID))
	}
	if len(c.Vault.Assets) == 0 {
		errs = append(errs, "vault: at least one asset must be configured")
	}
	seen := make(map[common.Address]bool, len(c.Vault.Assets))
	for i, a := range c.Vault.Assets {
		if !common.IsHexAddress(a.Address) {
			errs = append(errs, fmt.Sprintf("vault: assets[%d].address %q is not a hex address", i, a.Address))
			continue
		}
		addr := common.HexToAddress(a.Address)
		if seen[addr] {
			errs = append(errs, fmt.Sprintf("vault: assets[%d] duplicates %s", i, addr.Hex()))
		}
		seen[addr] = true
		if a.Decimals < 0 || a.Decimals > 18 {
			errs = append(errs, fmt.Sprintf("vault: assets[%d].decimals must be 0-18, got %d", i, a.Decimals))
		}
	}
	for i, a := range c.Vault.Admins {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("vault: admins[%d] %q is not a hex address", i, a))
		}
	}

	// Wallet is only needed to sign the initialize call.
	if c.Mode == "init" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode init")
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.PrivateKey == "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Auth
	if c.Auth.MaxSkew.Duration <= 0 {
		errs = append(errs, "auth: max_skew must be > 0")
	}
	if c.Auth.NonceTTL.Duration < c.Auth.MaxSkew.Duration {
		errs = append(errs, "auth: nonce_ttl must be >= max_skew")
	}

	// Supabase
	if c.UsesPostgres() {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}

		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 is optional; a bucket switches it on.
	if c.S3.Bucket != "" && c.S3.Region == "" && c.S3.Endpoint == "" {
		errs = append(errs, "s3: region or endpoint must be set with bucket")
	}
	if c.S3.SnapshotKeep < 0 {
		errs = append(errs, "s3: snapshot_keep must be >= 0")
	}

	// Server
	if c.Mode == "server" || c.Mode == "memory" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Server.Faucet && c.Server.FaucetLimit == 0 {
			errs = append(errs, "server: faucet_limit must be > 0 when faucet is enabled")
		}
	}

	// Reconcile
	if c.Reconcile.Enabled {
		if _, err := scheduleParser.Parse(c.Reconcile.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("reconcile: invalid schedule %q: %v", c.Reconcile.Schedule, err))
		}
		if c.Reconcile.LockTTL.Duration <= 0 {
			errs = append(errs, "reconcile: lock_ttl must be > 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.Notify.DiscordWebhookURL != "" {
		if u, err := url.Parse(c.Notify.DiscordWebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "notify: discord_webhook_url must be an absolute URL")
		}
	}

	// Telemetry
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("telemetry: sample_ratio must be 0-1, got %g", c.Telemetry.SampleRatio))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ProgramAddress returns the parsed program id.
func (c *Config) ProgramAddress() common.Address {
	return common.HexToAddress(c.Vault.ProgramID)
}

// AdminAddresses returns the parsed admin allowlist.
func (c *Config) AdminAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Vault.Admins))
	for _, a := range c.Vault.Admins {
		out = append(out, common.HexToAddress(a))
	}
	return out
}
