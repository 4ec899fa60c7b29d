package rpc

import (
	"runtime"

	"github.com/tallyhq/tallyd/internal/core/anchor"
	"github.com/tallyhq/tallyd/internal/core/entity"
	"github.com/tallyhq/tallyd/internal/core/journal"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/core/tenant"
)

// Services bundles the core components the RPC surface reads and writes.
// Every method handler goes through these; the server holds no domain state
// of its own.
type Services struct {
	Tenants  *tenant.Store
	Journal  *journal.Journal
	Entities *entity.Store
	Ledger   *ledger.Ledger
	Anchors  *anchor.Builder
}

// BuildInfo identifies the running binary in server_info responses.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"goVersion"`
}

func (b BuildInfo) withDefaults() BuildInfo {
	if b.Version == "" {
		b.Version = "dev"
	}
	if b.GoVersion == "" {
		b.GoVersion = runtime.Version()
	}
	return b
}
