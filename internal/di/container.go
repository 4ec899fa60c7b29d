// Package di assembles the daemon from configuration: storage, the core
// stores, background schedules and the serving surfaces, wired in dependency
// order with one shutdown path that unwinds them.
package di

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/alert"
	"github.com/tallyhq/tallyd/internal/config"
	"github.com/tallyhq/tallyd/internal/core/anchor"
	"github.com/tallyhq/tallyd/internal/core/entity"
	"github.com/tallyhq/tallyd/internal/core/interceptor"
	"github.com/tallyhq/tallyd/internal/core/journal"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/core/locks"
	"github.com/tallyhq/tallyd/internal/core/tenant"
	admingrpc "github.com/tallyhq/tallyd/internal/grpc"
	"github.com/tallyhq/tallyd/internal/metrics"
	"github.com/tallyhq/tallyd/internal/orchestrator"
	"github.com/tallyhq/tallyd/internal/rpc"
	"github.com/tallyhq/tallyd/internal/storage/kv"
	"github.com/tallyhq/tallyd/internal/storage/readmodel"
	"github.com/tallyhq/tallyd/internal/vault"
)

// Container holds every long-lived component of a running daemon.
type Container struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	DB        kv.DB
	ReadModel *readmodel.Store // nil when readmodel.driver is "off"

	Locks       *locks.TenantLocks
	Tenants     *tenant.Store
	Ledger      *ledger.Ledger
	Vault       *vault.Vault
	Interceptor *interceptor.Interceptor
	Entities    *entity.Store
	Journal     *journal.Journal
	Anchors     *anchor.Builder
	Sweeper     *vault.Sweeper
	Alerts      alert.Notifier

	Hub       *rpc.Hub
	RPC       *rpc.Server
	Admin     *admingrpc.Server // nil when grpc.listenAddr is empty
	Scheduler *orchestrator.Orchestrator
}

// New wires a Container from cfg. Nothing is started; call Start once the
// process is ready to serve. On error any storage already opened is closed.
func New(cfg *config.Config, logger *zap.Logger, build rpc.BuildInfo) (*Container, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	db, err := openKV(cfg.Storage)
	if err != nil {
		return nil, err
	}

	var rm *readmodel.Store
	if cfg.ReadModel.Enabled() {
		rm, err = readmodel.Open(cfg.ReadModel.Driver, cfg.ReadModel.DSN, logger, m)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open read model: %w", err)
		}
	}

	alerts := alert.NewLogNotifier(logger)
	lk := locks.New()
	tenants := tenant.NewStore(db)

	led, err := ledger.New(db, lk, ledger.Config{
		CompressMin:            cfg.Storage.CompressionMin,
		CacheSize:              cfg.Ledger.CacheSize,
		QuarantineOnCorruption: cfg.Ledger.QuarantineOnCorruption,
	}, logger, m, alerts)
	if err != nil {
		closeStores(db, rm)
		return nil, err
	}

	vlt, err := vault.New(masterSecret(cfg, logger), m)
	if err != nil {
		closeStores(db, rm)
		return nil, fmt.Errorf("open vault: %w", err)
	}

	ic := interceptor.New(led, vlt, logger)
	hub := rpc.NewHub(cfg.Server.WSSendQueue, logger, m)
	entities := entity.NewStore(db, entity.Default(), ic, lk, hub, logger)

	jrnl := journal.New(db, entities, tenants, ic, lk, journal.Config{
		MaxRetries:        cfg.Journal.MaxRetries,
		BatchSize:         cfg.Journal.BatchSize,
		TenantParallelism: cfg.TenantParallelism,
		BackoffBase:       cfg.Journal.BackoffBase(),
		Retention:         cfg.Journal.Retention(),
	}, logger, m, alerts)

	anchors := anchor.New(db, led, tenants, lk, logger, m, alerts)
	sweeper := vault.NewSweeper(vlt, entities, logger)

	if rm != nil {
		led.SetSink(rm)
		jrnl.SetSink(rm)
		anchors.SetSink(rm)
	}

	c := &Container{
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
		Registry:    registry,
		DB:          db,
		ReadModel:   rm,
		Locks:       lk,
		Tenants:     tenants,
		Ledger:      led,
		Vault:       vlt,
		Interceptor: ic,
		Entities:    entities,
		Journal:     jrnl,
		Anchors:     anchors,
		Sweeper:     sweeper,
		Alerts:      alerts,
		Hub:         hub,
	}

	c.Scheduler = orchestrator.New(logger, m, orchestrator.Options{})
	if err := c.registerTasks(); err != nil {
		closeStores(db, rm)
		return nil, err
	}

	c.RPC = rpc.NewServer(rpc.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		WSSendQueue: cfg.Server.WSSendQueue,
	}, &rpc.Services{
		Tenants:  tenants,
		Journal:  jrnl,
		Entities: entities,
		Ledger:   led,
		Anchors:  anchors,
	}, hub, build, registry, logger, m)

	if cfg.GRPC.Enabled() {
		c.Admin = admingrpc.NewServer(admingrpc.Config{ListenAddr: cfg.GRPC.ListenAddr}, logger)
	}

	return c, nil
}

// Start scans chain heads for boot-time damage, then brings up the schedules
// and both serving surfaces.
func (c *Container) Start(ctx context.Context) error {
	ids, err := c.Tenants.ActiveIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenants for startup scan: %w", err)
	}
	if err := c.Ledger.StartupScan(ctx, ids); err != nil {
		return fmt.Errorf("startup scan: %w", err)
	}

	c.Scheduler.Start()
	if err := c.RPC.Start(); err != nil {
		return err
	}
	if c.Admin != nil {
		if err := c.Admin.Start(); err != nil {
			return err
		}
	}

	c.Logger.Info("daemon up",
		zap.String("rpc", c.Config.Server.ListenAddr),
		zap.String("grpc", c.Config.GRPC.ListenAddr),
		zap.Int("tenants", len(ids)),
		zap.Bool("production", c.Config.Production),
	)
	return nil
}

// Shutdown unwinds Start: serving surfaces first so no new work arrives,
// then the schedules with their drain window, then storage.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error

	if c.RPC != nil {
		if err := c.RPC.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rpc shutdown: %w", err))
		}
	}
	if c.Admin != nil {
		c.Admin.Shutdown(ctx)
	}
	if c.Scheduler != nil {
		if err := c.Scheduler.Shutdown(c.Config.Server.ShutdownGrace()); err != nil {
			errs = append(errs, err)
		}
	}
	if c.ReadModel != nil {
		if err := c.ReadModel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close read model: %w", err))
		}
	}
	if err := c.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}

	c.Logger.Info("daemon stopped")
	return errors.Join(errs...)
}

func closeStores(db kv.DB, rm *readmodel.Store) {
	if rm != nil {
		_ = rm.Close()
	}
	_ = db.Close()
}
