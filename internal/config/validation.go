package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// ValidateConfig checks the complete configuration for values the daemon
// cannot run with.
func ValidateConfig(cfg *Config) error {
	if err := cfg.Journal.Validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if err := cfg.Anchor.Validate(); err != nil {
		return fmt.Errorf("anchor: %w", err)
	}
	if err := cfg.Vault.Validate(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if err := cfg.Ledger.Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := cfg.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := cfg.ReadModel.Validate(); err != nil {
		return fmt.Errorf("readmodel: %w", err)
	}
	if err := cfg.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := cfg.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if cfg.TenantParallelism < 0 {
		return fmt.Errorf("tenantParallelism must not be negative, got %d", cfg.TenantParallelism)
	}
	if cfg.Production && cfg.Vault.MasterSecret == "" {
		return fmt.Errorf("vault.masterSecret is required in production mode")
	}
	return nil
}

// Validate checks the journal section.
func (c JournalConfig) Validate() error {
	if c.DrainIntervalMs <= 0 {
		return fmt.Errorf("drainIntervalMs must be positive, got %d", c.DrainIntervalMs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("maxRetries must be at least 1, got %d", c.MaxRetries)
	}
	if c.BackoffBaseMs <= 0 {
		return fmt.Errorf("backoffBaseMs must be positive, got %d", c.BackoffBaseMs)
	}
	if c.RetentionHours <= 0 {
		return fmt.Errorf("retentionHours must be positive, got %d", c.RetentionHours)
	}
	return validateCron("gcCronExpr", c.GCCronExpr)
}

// Validate checks the anchor section.
func (c AnchorConfig) Validate() error {
	return validateCron("cronExpr", c.CronExpr)
}

// Validate checks the vault section. The master secret requirement is
// enforced at the top level because it depends on the production flag.
func (c VaultConfig) Validate() error {
	return validateCron("sweepCronExpr", c.SweepCronExpr)
}

// Validate checks the ledger section.
func (c LedgerConfig) Validate() error {
	if c.CacheSize < 0 {
		return fmt.Errorf("cacheSize must not be negative, got %d", c.CacheSize)
	}
	return nil
}

// Validate checks the storage section.
func (c StorageConfig) Validate() error {
	switch c.Backend {
	case StoragePebble, StorageLevelDB, StorageMemory:
	default:
		return fmt.Errorf("unknown backend %q (expected %s, %s, or %s)",
			c.Backend, StoragePebble, StorageLevelDB, StorageMemory)
	}
	if c.Backend != StorageMemory && c.Path == "" {
		return fmt.Errorf("path is required for backend %q", c.Backend)
	}
	if c.CompressionMin < 0 {
		return fmt.Errorf("compressionMin must not be negative, got %d", c.CompressionMin)
	}
	return nil
}

// Validate checks the readmodel section.
func (c ReadModelConfig) Validate() error {
	switch c.Driver {
	case ReadModelSQLite, ReadModelPostgres, ReadModelOff:
	default:
		return fmt.Errorf("unknown driver %q (expected %s, %s, or %s)",
			c.Driver, ReadModelSQLite, ReadModelPostgres, ReadModelOff)
	}
	if c.Enabled() && c.DSN == "" {
		return fmt.Errorf("dsn is required for driver %q", c.Driver)
	}
	return nil
}

// Validate checks the server section.
func (c ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr is required")
	}
	if c.WSSendQueue <= 0 {
		return fmt.Errorf("wsSendQueue must be positive, got %d", c.WSSendQueue)
	}
	if c.ShutdownGraceMs <= 0 {
		return fmt.Errorf("shutdownGraceMs must be positive, got %d", c.ShutdownGraceMs)
	}
	return nil
}

// Validate checks the log section.
func (c LogConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level %q", c.Level)
	}
	switch c.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown format %q", c.Format)
	}
	return nil
}

func validateCron(key, expr string) error {
	if expr == "" {
		return fmt.Errorf("%s is required", key)
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%s %q: %w", key, expr, err)
	}
	return nil
}
