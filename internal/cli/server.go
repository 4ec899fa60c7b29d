package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tallyhq/tallyd/internal/di"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the tallyd daemon",
	Long: `Start the daemon: JSON-RPC API with the WebSocket entity stream, the
prometheus scrape endpoint, the admin gRPC endpoint, and the background
schedules (journal drain, anchoring, vault sweep, retention GC).

This is the default command when no subcommand is given.`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Bare `tallyd` starts the daemon.
	rootCmd.Args = cobra.NoArgs
	rootCmd.RunE = runServer
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	container, err := di.New(cfg, logger, buildInfo())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := container.Start(ctx); err != nil {
		_ = container.Shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace())
	defer cancel()
	return container.Shutdown(shutdownCtx)
}
