// Package cli wires the tallyd command tree: the long-running server plus
// offline inspection tools that open the store directly.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/config"
	"github.com/tallyhq/tallyd/internal/di"
	"github.com/tallyhq/tallyd/internal/logging"
	"github.com/tallyhq/tallyd/internal/rpc"
)

// Populated by the release build via -ldflags.
var (
	version = "dev"
	commit  = ""
)

var (
	// Global flags
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "tallyd",
	Short: "tallyd - integrity core for multi-tenant financial tracking",
	Long: `tallyd journals every mutation, applies it through vector-clock conflict
resolution onto a per-tenant hash-chained ledger, and anchors event ranges
under Merkle roots. It serves a JSON-RPC API with a WebSocket entity stream.

Run without a subcommand to start the daemon.`,
	SilenceUsage: true,
}

// Execute runs the command tree. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path (default: ./tallyd.toml when present)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	return logging.New(level, cfg.Log.Format)
}

func buildInfo() rpc.BuildInfo {
	return rpc.BuildInfo{Version: version, Commit: commit}
}

// openOffline wires the core stores for the inspection subcommands. The read
// model and admin endpoint stay closed, nothing is started, and logging is
// quieted so command output stays readable.
func openOffline() (*di.Container, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.ReadModel.Driver = config.ReadModelOff
	cfg.GRPC.ListenAddr = ""

	level := "warn"
	if debug {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return di.New(cfg, logger, buildInfo())
}

// closeOffline releases what openOffline opened.
func closeOffline(c *di.Container) {
	_ = c.Shutdown(context.Background())
}
