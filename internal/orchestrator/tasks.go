package orchestrator

import (
	"context"

	"github.com/tallyhq/tallyd/internal/core/anchor"
	"github.com/tallyhq/tallyd/internal/core/journal"
	"github.com/tallyhq/tallyd/internal/vault"
)

// Task names double as metric label values; keep them stable.
const (
	TaskJournalDrain = "journal_drain"
	TaskJournalGC    = "journal_gc"
	TaskAnchor       = "merkle_anchor"
	TaskVaultSweep   = "vault_sweep"
)

// JournalDrainTask applies pending journal entries across all tenants.
func JournalDrainTask(j *journal.Journal) Task {
	return Task{
		Name: TaskJournalDrain,
		Run: func(ctx context.Context) error {
			_, err := j.Drain(ctx)
			return err
		},
	}
}

// JournalGCTask prunes terminal journal entries past their retention window.
func JournalGCTask(j *journal.Journal) Task {
	return Task{
		Name: TaskJournalGC,
		Run: func(ctx context.Context) error {
			_, err := j.GC(ctx)
			return err
		},
	}
}

// AnchorTask seals unanchored ledger events under new Merkle anchors.
func AnchorTask(b *anchor.Builder) Task {
	return Task{
		Name: TaskAnchor,
		Run: func(ctx context.Context) error {
			_, err := b.Run(ctx)
			return err
		},
	}
}

// VaultSweepTask re-encrypts any sensitive fields still stored as plaintext.
func VaultSweepTask(s *vault.Sweeper) Task {
	return Task{
		Name: TaskVaultSweep,
		Run: func(ctx context.Context) error {
			_, err := s.Run(ctx)
			return err
		},
	}
}
