package config

import (
	"runtime"

	"github.com/spf13/viper"
)

// Option values accepted by enum-ish keys.
const (
	StoragePebble  = "pebble"
	StorageLevelDB = "leveldb"
	StorageMemory  = "memory"

	ReadModelSQLite   = "sqlite"
	ReadModelPostgres = "postgres"
	ReadModelOff      = "off"
)

// setDefaults registers every recognized key with its default, so environment
// overrides are picked up even for keys the config file never mentions.
func setDefaults(v *viper.Viper) {
	v.SetDefault("journal.drainIntervalMs", 30000)
	v.SetDefault("journal.batchSize", 50)
	v.SetDefault("journal.maxRetries", 5)
	v.SetDefault("journal.backoffBaseMs", 30000)
	v.SetDefault("journal.retentionHours", 30*24)
	v.SetDefault("journal.gcCronExpr", "0 4 * * *")

	v.SetDefault("anchor.cronExpr", "0 2 * * *")

	v.SetDefault("vault.masterSecret", "")
	v.SetDefault("vault.sweepCronExpr", "30 3 * * *")

	v.SetDefault("ledger.quarantineOnCorruption", true)
	v.SetDefault("ledger.cacheSize", 1024)

	v.SetDefault("storage.backend", StoragePebble)
	v.SetDefault("storage.path", "/var/lib/tallyd")
	v.SetDefault("storage.compressionMin", 512)

	v.SetDefault("readmodel.driver", ReadModelSQLite)
	v.SetDefault("readmodel.dsn", "file:tallyd.db?_pragma=busy_timeout(5000)")

	v.SetDefault("server.listenAddr", ":5005")
	v.SetDefault("server.wsSendQueue", 256)
	v.SetDefault("server.shutdownGraceMs", 30000)

	v.SetDefault("grpc.listenAddr", ":50051")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tenantParallelism", runtime.NumCPU())
	v.SetDefault("production", false)
}
