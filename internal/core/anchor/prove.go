package anchor

import (
	"context"
	"fmt"

	"github.com/tallyhq/tallyd/internal/alert"
	"github.com/tallyhq/tallyd/internal/core/hashing"
	"github.com/tallyhq/tallyd/internal/storage/codec"
	"github.com/tallyhq/tallyd/internal/storage/kv"
)

// Prove builds the inclusion proof for one event against its containing
// anchor and cross-checks it before returning. A proof that fails to verify
// is an integrity failure, never a response.
func (b *Builder) Prove(ctx context.Context, tenantID, eventID string) (*Proof, error) {
	event, err := b.ledger.ByID(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	a, err := b.containing(ctx, tenantID, event.Seq)
	if err != nil {
		return nil, err
	}
	hashes, err := b.rangeHashes(ctx, tenantID, a.StartSeq, a.EndSeq)
	if err != nil {
		return nil, err
	}
	steps, err := hashing.GenerateProof(hashes, int(event.Seq-a.StartSeq))
	if err != nil {
		return nil, err
	}
	if !hashing.VerifyProof(event.CurrentHash, steps, a.RootHash) {
		b.metrics.AnchorMismatch.Inc()
		b.alerts.Notify(ctx, alert.Alert{
			Kind:    alert.KindAnchorMismatch,
			Tenant:  tenantID,
			Message: "inclusion proof disagrees with sealed root",
			Fields: map[string]any{
				"eventId": eventID,
				"seq":     event.Seq,
				"endSeq":  a.EndSeq,
			},
		})
		return nil, fmt.Errorf("%w: event %s against anchor ending at %d", ErrMismatch, eventID, a.EndSeq)
	}
	return &Proof{RootHash: a.RootHash, Steps: steps, Anchor: a}, nil
}

// containing finds the anchor sealing seq. Anchor keys order by end sequence
// and ranges are contiguous from 1, so the first anchor at or past seq either
// contains it or no anchor does.
func (b *Builder) containing(ctx context.Context, tenantID string, seq uint64) (*Anchor, error) {
	it, err := b.db.Iterator(ctx, anchorKey(tenantID, seq), kv.PrefixEnd(anchorKeyPrefix(tenantID)))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	if it.Next() {
		a := &Anchor{}
		if err := codec.DecodeRecord(it.Value(), a); err != nil {
			return nil, fmt.Errorf("decode anchor at %q: %w", it.Key(), err)
		}
		if a.StartSeq <= seq && seq <= a.EndSeq {
			return a, nil
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: seq %d", ErrNotAnchored, seq)
}

// List returns the tenant's anchors in range order.
func (b *Builder) List(ctx context.Context, tenantID string) ([]*Anchor, error) {
	prefix := anchorKeyPrefix(tenantID)
	it, err := b.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var anchors []*Anchor
	for it.Next() {
		a := &Anchor{}
		if err := codec.DecodeRecord(it.Value(), a); err != nil {
			return nil, fmt.Errorf("decode anchor at %q: %w", it.Key(), err)
		}
		anchors = append(anchors, a)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return anchors, nil
}

// Latest returns the tenant's newest anchor, or nil when none is sealed yet.
func (b *Builder) Latest(ctx context.Context, tenantID string) (*Anchor, error) {
	meta, err := b.meta(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if meta.LastEndSeq == 0 {
		return nil, nil
	}
	raw, err := b.db.Read(ctx, anchorKey(tenantID, meta.LastEndSeq))
	if err != nil {
		return nil, err
	}
	a := &Anchor{}
	if err := codec.DecodeRecord(raw, a); err != nil {
		return nil, fmt.Errorf("decode anchor for %s at %d: %w", tenantID, meta.LastEndSeq, err)
	}
	return a, nil
}
