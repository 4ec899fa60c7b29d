package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/core/hashing"
	"github.com/tallyhq/tallyd/internal/storage/codec"
)

// Quarantine marks the tenant's write path as broken. Subsequent appends fail
// with ErrQuarantined while QuarantineOnCorruption is set; reads stay
// available.
func (l *Ledger) Quarantine(ctx context.Context, tenant, reason string, seq uint64) error {
	release := l.locks.Acquire(tenant)
	defer release()

	meta, err := l.Meta(ctx, tenant)
	if err != nil {
		return err
	}
	if meta.Quarantined {
		return nil
	}
	meta.Quarantined = true
	meta.QuarantineReason = reason
	meta.QuarantinedAt = time.Now().UTC()
	if err := l.writeMeta(ctx, tenant, meta); err != nil {
		return err
	}

	l.metrics.LedgerQuarantine.Inc()
	l.logger.Error("tenant quarantined",
		zap.String("tenant", tenant),
		zap.Uint64("seq", seq),
		zap.String("reason", reason),
	)
	return nil
}

// IsQuarantined reports the tenant's quarantine flag.
func (l *Ledger) IsQuarantined(ctx context.Context, tenant string) (bool, error) {
	meta, err := l.Meta(ctx, tenant)
	if err != nil {
		return false, err
	}
	return meta.Quarantined, nil
}

// Repair re-verifies the full chain and lifts the quarantine if it now checks
// out. It is the human-triggered recovery path; it never rewrites events.
func (l *Ledger) Repair(ctx context.Context, tenant string) (*VerifyResult, error) {
	result, err := l.verifyRange(ctx, tenant, 0, 0)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return result, &IntegrityError{Tenant: tenant, Seq: result.FirstCorruption, Reason: result.Reason}
	}

	release := l.locks.Acquire(tenant)
	defer release()

	meta, err := l.Meta(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if !meta.Quarantined {
		return result, nil
	}
	meta.Quarantined = false
	meta.QuarantineReason = ""
	meta.QuarantinedAt = time.Time{}
	if err := l.writeMeta(ctx, tenant, meta); err != nil {
		return nil, err
	}
	l.logger.Info("tenant quarantine lifted", zap.String("tenant", tenant))
	return result, nil
}

// StartupScan checks each tenant's chain head for partial writes: a meta
// record pointing at a missing or mismatched last event. Detected damage
// quarantines the tenant.
func (l *Ledger) StartupScan(ctx context.Context, tenants []string) error {
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		meta, err := l.Meta(ctx, tenant)
		if err != nil {
			return err
		}
		if meta.LastSeq == 0 || meta.Quarantined {
			continue
		}

		last, err := l.BySeq(ctx, tenant, meta.LastSeq)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				reason := fmt.Sprintf("chain head %d missing its event record", meta.LastSeq)
				if qerr := l.Quarantine(ctx, tenant, reason, meta.LastSeq); qerr != nil {
					return qerr
				}
				continue
			}
			return err
		}
		if last.CurrentHash != meta.LastHash ||
			last.CurrentHash != hashing.EventHash(last.Payload, last.PreviousHash, last.Seq) {
			reason := fmt.Sprintf("chain head %d disagrees with meta", meta.LastSeq)
			if qerr := l.Quarantine(ctx, tenant, reason, meta.LastSeq); qerr != nil {
				return qerr
			}
		}
	}
	return nil
}

func (l *Ledger) writeMeta(ctx context.Context, tenant string, meta *Meta) error {
	meta.UpdatedAt = time.Now().UTC()
	record, err := codec.EncodeRecord(meta, 0)
	if err != nil {
		return fmt.Errorf("encode meta for %s: %w", tenant, err)
	}
	return l.db.Write(ctx, metaKey(tenant), record)
}
