package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/alert"
	"github.com/tallyhq/tallyd/internal/core/hashing"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/core/locks"
	"github.com/tallyhq/tallyd/internal/core/tenant"
	"github.com/tallyhq/tallyd/internal/metrics"
	"github.com/tallyhq/tallyd/internal/storage/codec"
	"github.com/tallyhq/tallyd/internal/storage/kv"
)

// Sink receives sealed anchors for best-effort mirroring, outside the atomic
// write path. Implementations must not block and must swallow their own
// failures.
type Sink interface {
	AnchorSealed(ctx context.Context, a *Anchor)
}

// Builder computes and persists anchors. One instance serves both the
// orchestrator's scheduled runs and the admin RPCs; the anchor chain head is
// mutated here and nowhere else.
type Builder struct {
	db      kv.DB
	ledger  *ledger.Ledger
	tenants *tenant.Store
	locks   *locks.TenantLocks
	logger  *zap.Logger
	metrics *metrics.Metrics
	alerts  alert.Notifier
	sink    Sink
}

// SetSink attaches the anchor mirror. Call before serving traffic; the field
// is not guarded.
func (b *Builder) SetSink(s Sink) {
	b.sink = s
}

// New builds an anchor Builder over the given stores.
func New(db kv.DB, led *ledger.Ledger, tenants *tenant.Store, lk *locks.TenantLocks, logger *zap.Logger, m *metrics.Metrics, alerts alert.Notifier) *Builder {
	if alerts == nil {
		alerts = alert.NopNotifier{}
	}
	return &Builder{
		db:      db,
		ledger:  led,
		tenants: tenants,
		locks:   lk,
		logger:  logger.Named("anchor"),
		metrics: m,
		alerts:  alerts,
	}
}

// Run anchors every active tenant. Failures stay isolated per tenant; the
// first one is reported after all tenants were attempted.
func (b *Builder) Run(ctx context.Context) ([]*Anchor, error) {
	ids, err := b.tenants.ActiveIDs(ctx)
	if err != nil {
		return nil, err
	}

	var (
		anchors  []*Anchor
		firstErr error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return anchors, err
		}
		a, err := b.RunTenant(ctx, id)
		if err != nil {
			b.logger.Error("anchor run failed",
				zap.String("tenant", id), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("tenant %s: %w", id, err)
			}
			continue
		}
		if a != nil {
			anchors = append(anchors, a)
		}
	}
	return anchors, firstErr
}

// RunTenant seals the tenant's events appended since the last anchor. It
// returns nil without error when there is nothing new, so reruns are no-ops.
// The tenant lock is held for the whole pass to keep the chain head
// single-writer.
func (b *Builder) RunTenant(ctx context.Context, tenantID string) (*Anchor, error) {
	release := b.locks.Acquire(tenantID)
	defer release()

	meta, err := b.meta(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	startSeq := meta.LastEndSeq + 1

	last, err := b.ledger.FindLast(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if last == nil || last.Seq < startSeq {
		return nil, nil
	}
	endSeq := last.Seq

	hashes, err := b.rangeHashes(ctx, tenantID, startSeq, endSeq)
	if err != nil {
		return nil, err
	}
	root := hashing.BuildRoot(hashes)

	// Re-read the range and recompute before persisting. An anchor must
	// never seal a root the stored events cannot reproduce.
	again, err := b.rangeHashes(ctx, tenantID, startSeq, endSeq)
	if err != nil {
		return nil, err
	}
	if reread := hashing.BuildRoot(again); reread != root {
		b.metrics.AnchorMismatch.Inc()
		b.alerts.Notify(ctx, alert.Alert{
			Kind:    alert.KindAnchorMismatch,
			Tenant:  tenantID,
			Message: "anchor root failed pre-persist verification",
			Fields: map[string]any{
				"startSeq": startSeq,
				"endSeq":   endSeq,
				"built":    root,
				"reread":   reread,
			},
		})
		return nil, fmt.Errorf("%w: tenant %s range [%d,%d]", ErrMismatch, tenantID, startSeq, endSeq)
	}

	prevRoot := meta.LastRoot
	if prevRoot == "" {
		prevRoot = hashing.Genesis
	}
	now := time.Now().UTC()
	a := &Anchor{
		Tenant:       tenantID,
		StartSeq:     startSeq,
		EndSeq:       endSeq,
		RootHash:     root,
		PrevRootHash: prevRoot,
		EventCount:   len(hashes),
		TreeDepth:    hashing.TreeDepth(len(hashes)),
		Verified:     true,
		CreatedAt:    now,
	}
	record, err := codec.EncodeRecord(a, 0)
	if err != nil {
		return nil, fmt.Errorf("encode anchor: %w", err)
	}

	meta.LastEndSeq = endSeq
	meta.LastRoot = root
	meta.UpdatedAt = now
	metaRecord, err := codec.EncodeRecord(meta, 0)
	if err != nil {
		return nil, fmt.Errorf("encode anchor meta: %w", err)
	}

	ops := []kv.BatchOperation{
		kv.Put(anchorKey(tenantID, endSeq), record),
		kv.Put(metaKey(tenantID), metaRecord),
	}
	if err := b.db.Batch(ctx, ops); err != nil {
		return nil, err
	}

	b.metrics.AnchorRuns.Inc()
	b.metrics.AnchorEvents.Add(float64(len(hashes)))
	if b.sink != nil {
		b.sink.AnchorSealed(ctx, a)
	}
	b.logger.Info("anchor sealed",
		zap.String("tenant", tenantID),
		zap.Uint64("startSeq", startSeq),
		zap.Uint64("endSeq", endSeq),
		zap.Int("events", len(hashes)),
		zap.String("root", root),
	)
	return a, nil
}

// rangeHashes collects currentHash for [startSeq, endSeq] and insists on
// contiguity; a gap means the range cannot be sealed.
func (b *Builder) rangeHashes(ctx context.Context, tenantID string, startSeq, endSeq uint64) ([]string, error) {
	hashes := make([]string, 0, endSeq-startSeq+1)
	next := startSeq
	err := b.ledger.Walk(ctx, tenantID, startSeq, endSeq, func(e *ledger.Event) error {
		if e.Seq != next {
			return fmt.Errorf("%w: tenant %s expected seq %d, found %d", ErrRangeGap, tenantID, next, e.Seq)
		}
		next++
		hashes = append(hashes, e.CurrentHash)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if next != endSeq+1 {
		return nil, fmt.Errorf("%w: tenant %s range [%d,%d] stops at %d", ErrRangeGap, tenantID, startSeq, endSeq, next-1)
	}
	return hashes, nil
}

func (b *Builder) meta(ctx context.Context, tenantID string) (*Meta, error) {
	raw, err := b.db.Read(ctx, metaKey(tenantID))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return &Meta{}, nil
	}
	if err != nil {
		return nil, err
	}
	meta := &Meta{}
	if err := codec.DecodeRecord(raw, meta); err != nil {
		return nil, fmt.Errorf("decode anchor meta for %s: %w", tenantID, err)
	}
	return meta, nil
}
