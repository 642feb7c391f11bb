package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("file values override defaults", func(t *testing.T) {
		path := writeConfig(t, `
mode = "server"
log_level = "debug"

[postgres]
dsn = "postgres://piron:secret@db:5432/piron"

[ledger]
registry = "0x1111111111111111111111111111111111111111"

[server]
port = 9090
rate_window = "30s"
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "server", cfg.Mode)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "postgres://piron:secret@db:5432/piron", cfg.Postgres.DSN)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.RateWindow.Duration)

		// Untouched sections keep their defaults.
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
		assert.Equal(t, int64(8453), cfg.Ledger.ChainID)
		assert.True(t, cfg.Workers.Enabled)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("PIRON_SERVER_PORT", "7070")
		t.Setenv("PIRON_SERVER_API_KEY", "from-env")
		t.Setenv("PIRON_LEDGER_CHAIN_ID", "1")
		t.Setenv("PIRON_NOTIFY_EVENTS", "status_changed, batch_created")

		path := writeConfig(t, `
[server]
port = 9090
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "from-env", cfg.Server.APIKey)
		assert.Equal(t, int64(1), cfg.Ledger.ChainID)
		assert.Equal(t, []string{"status_changed", "batch_created"}, cfg.Notify.Events)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.Postgres.DSN = "postgres://piron@localhost:5432/piron"
		cfg.Ledger.Registry = "0x1111111111111111111111111111111111111111"
		return cfg
	}

	t.Run("defaults with a dsn pass", func(t *testing.T) {
		cfg := valid()
		require.NoError(t, cfg.Validate())
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := valid()
		cfg.Mode = "turbo"
		cfg.Redis.Addr = ""
		cfg.Ledger.RPCURL = ""

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown mode")
		assert.Contains(t, err.Error(), "redis: addr")
		assert.Contains(t, err.Error(), "ledger: rpc_url")
	})

	t.Run("rejects a malformed registry address", func(t *testing.T) {
		cfg := valid()
		cfg.Ledger.Registry = "not-an-address"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry")
	})

	t.Run("worker intervals only checked when enabled", func(t *testing.T) {
		cfg := valid()
		cfg.Workers.Enabled = false
		cfg.Workers.ReconcileInterval.Duration = 0
		require.NoError(t, cfg.Validate())

		cfg.Workers.Enabled = true
		require.Error(t, cfg.Validate())
	})
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.TelegramToken = "tg-secret"

	red := RedactedConfig(&cfg)

	assert.NotContains(t, red.Postgres.Password, "pg-secret")
	assert.NotContains(t, red.Postgres.DSN, "p@h")
	assert.NotContains(t, red.Redis.Password, "redis-secret")
	assert.NotContains(t, red.S3.SecretKey, "s3-secret")
	assert.NotContains(t, red.Server.APIKey, "api-secret")
	assert.NotContains(t, red.Notify.TelegramToken, "tg-secret")

	// Redaction must not mutate the original.
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
