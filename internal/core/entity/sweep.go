package entity

import (
	"context"
	"fmt"

	"github.com/tallyhq/tallyd/internal/storage/codec"
	"github.com/tallyhq/tallyd/internal/storage/kv"
	"github.com/tallyhq/tallyd/internal/vault"
)

// WalkSensitive yields every stored entity whose type declares sensitive
// fields, with the current string values of those fields. Soft-deleted rows
// are included: plaintext at rest is plaintext at rest.
func (s *Store) WalkSensitive(ctx context.Context, fn func(ref vault.SweepRef, fields map[string]string) error) error {
	for _, typeName := range s.registry.Types() {
		d, err := s.registry.Resolve(typeName)
		if err != nil {
			return err
		}
		if len(d.Sensitive) == 0 {
			continue
		}
		if err := s.walkType(ctx, d, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) walkType(ctx context.Context, d *Descriptor, fn func(ref vault.SweepRef, fields map[string]string) error) error {
	prefix := typePrefix(d.Type)
	it, err := s.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ent := &Entity{}
		if err := codec.DecodeRecord(it.Value(), ent); err != nil {
			return fmt.Errorf("decode entity %s: %w", it.Key(), err)
		}

		fields := make(map[string]string)
		for _, name := range d.Sensitive {
			if str, ok := ent.Value[name].(string); ok && str != "" {
				fields[name] = str
			}
		}
		if len(fields) == 0 {
			continue
		}

		ref := vault.SweepRef{Tenant: ent.Tenant, EntityType: ent.Type, EntityID: ent.ID}
		if err := fn(ref, fields); err != nil {
			return err
		}
	}
	return it.Error()
}

// RewriteSensitive writes sealed field values straight onto the stored
// record and appends note to its processing log. No version bump, no clock
// movement, no ledger event: the sweep corrects data at rest, it does not
// mutate state.
func (s *Store) RewriteSensitive(ctx context.Context, ref vault.SweepRef, fields map[string]string, note string) error {
	release := s.locks.Acquire(ref.Tenant)
	defer release()

	ent, err := s.Get(ctx, ref.Tenant, ref.EntityType, ref.EntityID)
	if err != nil {
		return err
	}
	for name, marker := range fields {
		ent.Value[name] = marker
	}
	if note != "" {
		ent.LogProcessing(note)
	}

	encoded, err := codec.EncodeRecord(ent, 0)
	if err != nil {
		return fmt.Errorf("encode entity: %w", err)
	}
	return s.db.Write(ctx, recordKey(ent.Type, ent.ID), encoded)
}
