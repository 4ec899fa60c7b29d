package vault

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SweepRef identifies one stored entity to the sweeper.
type SweepRef struct {
	Tenant     string
	EntityType string
	EntityID   string
}

// Source is the slice of the entity store the sweeper works against. The
// rewrite path is a data-at-rest correction: it must not pass through the
// interceptor and must not emit ledger events.
type Source interface {
	// WalkSensitive visits every stored entity that declares sensitive
	// fields, yielding their current string values keyed by field name.
	WalkSensitive(ctx context.Context, fn func(ref SweepRef, fields map[string]string) error) error

	// RewriteSensitive writes the given field values back onto the entity
	// and appends note to its processing log, bypassing the mutation
	// pipeline.
	RewriteSensitive(ctx context.Context, ref SweepRef, fields map[string]string, note string) error
}

// Sweeper finds sensitive fields stored as plaintext, encrypts them, and
// writes them back. Legacy rows predate the vault hook; the sweep converges
// them without touching history.
type Sweeper struct {
	vault  *Vault
	source Source
	logger *zap.Logger
}

// NewSweeper builds a sweeper over source.
func NewSweeper(v *Vault, source Source, logger *zap.Logger) *Sweeper {
	return &Sweeper{vault: v, source: source, logger: logger.Named("vault-sweep")}
}

// SweepResult reports one sweep pass.
type SweepResult struct {
	Scanned  int
	Entities int
	Fields   int
}

// Run scans the store once and encrypts every bare sensitive field it finds.
// Encryption failures abort the pass; a partially swept store is safe to
// re-sweep.
func (s *Sweeper) Run(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	err := s.source.WalkSensitive(ctx, func(ref SweepRef, fields map[string]string) error {
		result.Scanned++

		pending := make(map[string]string)
		for name, value := range fields {
			if value == "" || IsCiphertext(value) {
				continue
			}
			marker, err := s.vault.Encrypt(value, ref.Tenant)
			if err != nil {
				return fmt.Errorf("sweep %s/%s field %s: %w", ref.EntityType, ref.EntityID, name, err)
			}
			pending[name] = marker
		}
		if len(pending) == 0 {
			return nil
		}

		note := fmt.Sprintf("MIGRATION: vault sweep encrypted %d field(s)", len(pending))
		if err := s.source.RewriteSensitive(ctx, ref, pending, note); err != nil {
			return fmt.Errorf("rewrite %s/%s: %w", ref.EntityType, ref.EntityID, err)
		}

		result.Entities++
		result.Fields += len(pending)
		if s.vault.metrics != nil {
			s.vault.metrics.VaultSweeped.Add(float64(len(pending)))
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	if result.Fields > 0 {
		s.logger.Info("legacy plaintext encrypted",
			zap.Int("entities", result.Entities),
			zap.Int("fields", result.Fields),
		)
	}
	return result, nil
}
