// Package metrics declares the prometheus collectors the daemon exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector. Constructing with a nil registerer yields
// working but unexported collectors, which tests rely on.
type Metrics struct {
	JournalEnqueued  prometheus.Counter
	JournalDrained   *prometheus.CounterVec // label: status
	JournalRetries   prometheus.Counter
	JournalStuck     prometheus.Counter
	JournalBacklog   *prometheus.GaugeVec // label: tenant
	DrainDuration    prometheus.Histogram
	LedgerAppends    *prometheus.CounterVec // label: type
	LedgerVerifyFail prometheus.Counter
	LedgerQuarantine prometheus.Counter
	AnchorRuns       prometheus.Counter
	AnchorEvents     prometheus.Counter
	AnchorMismatch   prometheus.Counter
	VaultEncrypts    prometheus.Counter
	VaultDecrypts    prometheus.Counter
	VaultSweeped     prometheus.Counter
	BroadcastsSent   prometheus.Counter
	BroadcastsDrop   prometheus.Counter
	RPCRequests      *prometheus.CounterVec // labels: method, outcome
	ReadModelErrors  prometheus.Counter
	TaskRuns         *prometheus.CounterVec // labels: task, outcome
	TaskSkipped      *prometheus.CounterVec // label: task
}

// New builds the collector set and registers it on reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JournalEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_journal_enqueued_total",
			Help: "Journal entries accepted.",
		}),
		JournalDrained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tallyd_journal_drained_total",
			Help: "Journal entries reaching a terminal status.",
		}, []string{"status"}),
		JournalRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_journal_retries_total",
			Help: "Journal apply attempts that failed transiently.",
		}),
		JournalStuck: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_journal_stuck_total",
			Help: "Journal entries terminated after exhausting retries.",
		}),
		JournalBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tallyd_journal_backlog",
			Help: "Pending journal entries by tenant at last drain.",
		}, []string{"tenant"}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tallyd_journal_drain_seconds",
			Help:    "Duration of one journal drain iteration.",
			Buckets: prometheus.DefBuckets,
		}),
		LedgerAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tallyd_ledger_appends_total",
			Help: "Ledger events appended by event type.",
		}, []string{"type"}),
		LedgerVerifyFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_ledger_verify_failures_total",
			Help: "Chain verifications that found a corruption.",
		}),
		LedgerQuarantine: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_ledger_quarantines_total",
			Help: "Tenants moved into quarantine.",
		}),
		AnchorRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_anchor_runs_total",
			Help: "Anchor worker tenant passes that produced an anchor.",
		}),
		AnchorEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_anchor_events_total",
			Help: "Ledger events covered by new anchors.",
		}),
		AnchorMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_anchor_mismatches_total",
			Help: "Anchor verifications that disagreed with recomputation.",
		}),
		VaultEncrypts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_vault_encrypts_total",
			Help: "Field encryptions performed.",
		}),
		VaultDecrypts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_vault_decrypts_total",
			Help: "Field decryptions performed.",
		}),
		VaultSweeped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_vault_swept_fields_total",
			Help: "Legacy plaintext fields encrypted by the sweeper.",
		}),
		BroadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_broadcasts_sent_total",
			Help: "Entity events delivered to subscribers.",
		}),
		BroadcastsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_broadcasts_dropped_total",
			Help: "Entity events dropped on slow subscriber queues.",
		}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tallyd_rpc_requests_total",
			Help: "JSON-RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		ReadModelErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallyd_readmodel_errors_total",
			Help: "Best-effort read model writes that failed.",
		}),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tallyd_task_runs_total",
			Help: "Background task iterations by outcome.",
		}, []string{"task", "outcome"}),
		TaskSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tallyd_task_skipped_total",
			Help: "Task triggers skipped because the previous run still held the singleton guard.",
		}, []string{"task"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.JournalEnqueued, m.JournalDrained, m.JournalRetries, m.JournalStuck,
			m.JournalBacklog, m.DrainDuration,
			m.LedgerAppends, m.LedgerVerifyFail, m.LedgerQuarantine,
			m.AnchorRuns, m.AnchorEvents, m.AnchorMismatch,
			m.VaultEncrypts, m.VaultDecrypts, m.VaultSweeped,
			m.BroadcastsSent, m.BroadcastsDrop, m.RPCRequests, m.ReadModelErrors,
			m.TaskRuns, m.TaskSkipped,
		)
	}
	return m
}

// NewNop returns unregistered collectors for tests and tools.
func NewNop() *Metrics {
	return New(nil)
}
