package di

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/config"
	"github.com/tallyhq/tallyd/internal/orchestrator"
	"github.com/tallyhq/tallyd/internal/storage"
	"github.com/tallyhq/tallyd/internal/storage/kv"
)

// devMasterSecret keeps development setups running without key material.
// Deterministic on purpose: a random per-boot secret would strand every
// previously sealed field. Production mode refuses to start without a real
// secret (config validation).
const devMasterSecret = "tallyd-dev-insecure-master-secret"

func masterSecret(cfg *config.Config, logger *zap.Logger) string {
	if cfg.Vault.MasterSecret != "" {
		return cfg.Vault.MasterSecret
	}
	logger.Warn("vault.masterSecret is not set, sealing fields with the built-in development secret")
	return devMasterSecret
}

// openKV opens the configured key-value backend under the storage path.
func openKV(cfg config.StorageConfig) (kv.DB, error) {
	db, err := storage.OpenKV(cfg.Backend, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s storage at %s: %w", cfg.Backend, cfg.Path, err)
	}
	return db, nil
}

// registerTasks puts the four background jobs on the scheduler: the journal
// drain on its interval, journal GC, anchoring and the vault sweep on their
// cron expressions.
func (c *Container) registerTasks() error {
	cfg := c.Config

	c.Scheduler.Every(cfg.Journal.DrainInterval(), orchestrator.JournalDrainTask(c.Journal))

	if err := c.Scheduler.Cron(cfg.Journal.GCCronExpr, orchestrator.JournalGCTask(c.Journal)); err != nil {
		return err
	}
	if err := c.Scheduler.Cron(cfg.Anchor.CronExpr, orchestrator.AnchorTask(c.Anchors)); err != nil {
		return err
	}
	return c.Scheduler.Cron(cfg.Vault.SweepCronExpr, orchestrator.VaultSweepTask(c.Sweeper))
}
