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
// built-in defaults, applies PIRON_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PIRON_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PIRON_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PIRON_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PIRON_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PIRON_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PIRON_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PIRON_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PIRON_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PIRON_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PIRON_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PIRON_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PIRON_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PIRON_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PIRON_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PIRON_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PIRON_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PIRON_REDIS_TLS_ENABLED")

	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "PIRON_LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "PIRON_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.Registry, "PIRON_LEDGER_REGISTRY")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PIRON_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PIRON_S3_REGION")
	setStr(&cfg.S3.Bucket, "PIRON_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PIRON_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PIRON_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PIRON_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PIRON_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PIRON_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PIRON_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PIRON_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PIRON_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PIRON_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PIRON_SERVER_RATE_WINDOW")

	// ── Workers ──
	setBool(&cfg.Workers.Enabled, "PIRON_WORKERS_ENABLED")
	setDuration(&cfg.Workers.ReconcileInterval, "PIRON_WORKERS_RECONCILE_INTERVAL")
	setDuration(&cfg.Workers.ExpireInterval, "PIRON_WORKERS_EXPIRE_INTERVAL")
	setDuration(&cfg.Workers.MaturitySweep, "PIRON_WORKERS_MATURITY_SWEEP_INTERVAL")
	setDuration(&cfg.Workers.HealthRefresh, "PIRON_WORKERS_HEALTH_REFRESH_INTERVAL")
	setInt(&cfg.Workers.ArchiveRetentionDays, "PIRON_WORKERS_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Workers.ArchiveInterval, "PIRON_WORKERS_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PIRON_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PIRON_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PIRON_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PIRON_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PIRON_MODE")
	setStr(&cfg.LogLevel, "PIRON_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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
