package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30000, cfg.Journal.DrainIntervalMs)
	assert.Equal(t, 50, cfg.Journal.BatchSize)
	assert.Equal(t, 5, cfg.Journal.MaxRetries)
	assert.Equal(t, "0 2 * * *", cfg.Anchor.CronExpr)
	assert.Equal(t, "30 3 * * *", cfg.Vault.SweepCronExpr)
	assert.True(t, cfg.Ledger.QuarantineOnCorruption)
	assert.Equal(t, StoragePebble, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/tallyd", cfg.Storage.Path)
	assert.Equal(t, 512, cfg.Storage.CompressionMin)
	assert.Equal(t, ReadModelSQLite, cfg.ReadModel.Driver)
	assert.Equal(t, ":5005", cfg.Server.ListenAddr)
	assert.Equal(t, 256, cfg.Server.WSSendQueue)
	assert.Equal(t, ":50051", cfg.GRPC.ListenAddr)
	assert.True(t, cfg.GRPC.Enabled())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Production)
	assert.Greater(t, cfg.TenantParallelism, 0)
	assert.Empty(t, cfg.Path())
}

func TestLoadFromFile(t *testing.T) {
	content := `
tenantParallelism = 4

[journal]
batchSize = 10
drainIntervalMs = 5000

[storage]
backend = "memory"

[readmodel]
driver = "off"

[log]
level = "debug"
format = "console"
`
	path := filepath.Join(t.TempDir(), "tallyd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.TenantParallelism)
	assert.Equal(t, 10, cfg.Journal.BatchSize)
	assert.Equal(t, 5000, cfg.Journal.DrainIntervalMs)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, ReadModelOff, cfg.ReadModel.Driver)
	assert.False(t, cfg.ReadModel.Enabled())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, path, cfg.Path())

	// Keys the file never mentions keep their defaults.
	assert.Equal(t, 5, cfg.Journal.MaxRetries)
	assert.Equal(t, ":5005", cfg.Server.ListenAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	content := `
[journal]
batchSize = 10
`
	path := filepath.Join(t.TempDir(), "tallyd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("TALLYD_JOURNAL_BATCHSIZE", "7")
	t.Setenv("TALLYD_VAULT_MASTERSECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Journal.BatchSize)
	assert.Equal(t, "from-env", cfg.Vault.MasterSecret)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "bolt" }, "unknown backend"},
		{"missing readmodel dsn", func(c *Config) { c.ReadModel.DSN = "" }, "dsn is required"},
		{"bad anchor cron", func(c *Config) { c.Anchor.CronExpr = "every tuesday" }, "cronExpr"},
		{"bad sweep cron", func(c *Config) { c.Vault.SweepCronExpr = "61 * * * *" }, "sweepCronExpr"},
		{"zero batch size", func(c *Config) { c.Journal.BatchSize = 0 }, "batchSize"},
		{"zero max retries", func(c *Config) { c.Journal.MaxRetries = 0 }, "maxRetries"},
		{"negative parallelism", func(c *Config) { c.TenantParallelism = -1 }, "tenantParallelism"},
		{"production without master secret", func(c *Config) { c.Production = true }, "masterSecret"},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }, "unknown level"},
		{"zero ws send queue", func(c *Config) { c.Server.WSSendQueue = 0 }, "wsSendQueue"},
		{"missing listen addr", func(c *Config) { c.Server.ListenAddr = "" }, "listenAddr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			err = ValidateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestProductionWithSecretPasses(t *testing.T) {
	t.Setenv("TALLYD_PRODUCTION", "true")
	t.Setenv("TALLYD_VAULT_MASTERSECRET", "sufficiently-secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Production)
	assert.Equal(t, "sufficiently-secret", cfg.Vault.MasterSecret)
}

func TestDurationAccessors(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Journal.DrainInterval())
	assert.Equal(t, 30*time.Second, cfg.Journal.BackoffBase())
	assert.Equal(t, 30*24*time.Hour, cfg.Journal.Retention())
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownGrace())
}
