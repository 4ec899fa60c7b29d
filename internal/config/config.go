// Package config loads and validates the daemon configuration. Values come
// from built-in defaults, then an optional TOML file, then TALLYD_-prefixed
// environment variables, highest wins.
package config

import "time"

// Config is the complete tallyd configuration.
type Config struct {
	Journal   JournalConfig   `toml:"journal" mapstructure:"journal"`
	Anchor    AnchorConfig    `toml:"anchor" mapstructure:"anchor"`
	Vault     VaultConfig     `toml:"vault" mapstructure:"vault"`
	Ledger    LedgerConfig    `toml:"ledger" mapstructure:"ledger"`
	Storage   StorageConfig   `toml:"storage" mapstructure:"storage"`
	ReadModel ReadModelConfig `toml:"readmodel" mapstructure:"readmodel"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	GRPC      GRPCConfig      `toml:"grpc" mapstructure:"grpc"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`

	// TenantParallelism bounds concurrent per-tenant work in the journal
	// drainer. Zero means the CPU count.
	TenantParallelism int `toml:"tenantParallelism" mapstructure:"tenantParallelism"`

	// Production tightens requirements (the vault master secret becomes
	// mandatory) and is reported by server_info.
	Production bool `toml:"production" mapstructure:"production"`

	configPath string `toml:"-" mapstructure:"-"`
}

// Path returns the file this configuration was loaded from, empty when the
// daemon runs on defaults and environment only.
func (c *Config) Path() string {
	return c.configPath
}

// JournalConfig drives the mutation journal and its drainer.
type JournalConfig struct {
	DrainIntervalMs int    `toml:"drainIntervalMs" mapstructure:"drainIntervalMs"`
	BatchSize       int    `toml:"batchSize" mapstructure:"batchSize"`
	MaxRetries      int    `toml:"maxRetries" mapstructure:"maxRetries"`
	BackoffBaseMs   int    `toml:"backoffBaseMs" mapstructure:"backoffBaseMs"`
	RetentionHours  int    `toml:"retentionHours" mapstructure:"retentionHours"`
	GCCronExpr      string `toml:"gcCronExpr" mapstructure:"gcCronExpr"`
}

// DrainInterval returns the drain period as a duration.
func (c JournalConfig) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalMs) * time.Millisecond
}

// BackoffBase returns the first retry delay as a duration.
func (c JournalConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// Retention returns how long terminal entries are kept before GC.
func (c JournalConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// AnchorConfig drives the Merkle anchor worker.
type AnchorConfig struct {
	CronExpr string `toml:"cronExpr" mapstructure:"cronExpr"`
}

// VaultConfig drives field-level encryption.
type VaultConfig struct {
	// MasterSecret feeds per-tenant key derivation. Required in production
	// mode; development falls back to an insecure built-in.
	MasterSecret  string `toml:"masterSecret" mapstructure:"masterSecret"`
	SweepCronExpr string `toml:"sweepCronExpr" mapstructure:"sweepCronExpr"`
}

// LedgerConfig drives the hash-chained event store.
type LedgerConfig struct {
	QuarantineOnCorruption bool `toml:"quarantineOnCorruption" mapstructure:"quarantineOnCorruption"`
	CacheSize              int  `toml:"cacheSize" mapstructure:"cacheSize"`
}

// StorageConfig selects and places the KV backend.
type StorageConfig struct {
	Backend        string `toml:"backend" mapstructure:"backend"`
	Path           string `toml:"path" mapstructure:"path"`
	CompressionMin int    `toml:"compressionMin" mapstructure:"compressionMin"`
}

// ReadModelConfig drives the best-effort SQL mirror.
type ReadModelConfig struct {
	// Driver is "sqlite", "postgres", or "off".
	Driver string `toml:"driver" mapstructure:"driver"`
	DSN    string `toml:"dsn" mapstructure:"dsn"`
}

// Enabled reports whether the read model should be opened at all.
func (c ReadModelConfig) Enabled() bool {
	return c.Driver != ReadModelOff
}

// ServerConfig drives the JSON-RPC/WebSocket HTTP server.
type ServerConfig struct {
	ListenAddr      string `toml:"listenAddr" mapstructure:"listenAddr"`
	WSSendQueue     int    `toml:"wsSendQueue" mapstructure:"wsSendQueue"`
	ShutdownGraceMs int    `toml:"shutdownGraceMs" mapstructure:"shutdownGraceMs"`
}

// ShutdownGrace returns the drain window granted on shutdown.
func (c ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

// GRPCConfig drives the admin gRPC endpoint. An empty listen address
// disables it.
type GRPCConfig struct {
	ListenAddr string `toml:"listenAddr" mapstructure:"listenAddr"`
}

// Enabled reports whether the admin endpoint should be served.
func (c GRPCConfig) Enabled() bool {
	return c.ListenAddr != ""
}

// LogConfig selects logger construction.
type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
}
