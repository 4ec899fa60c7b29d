// Package entity stores the mutable projections the write path maintains.
// Every mutation is staged through the ledger interceptor so the projection
// write and its ledger event land in one atomic batch.
package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/broadcast"
	"github.com/tallyhq/tallyd/internal/core/delta"
	"github.com/tallyhq/tallyd/internal/core/interceptor"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/core/locks"
	"github.com/tallyhq/tallyd/internal/core/vclock"
	"github.com/tallyhq/tallyd/internal/storage/codec"
	"github.com/tallyhq/tallyd/internal/storage/kv"
)

// Store persists entity projections and stages their mutations.
type Store struct {
	db          kv.DB
	registry    *Registry
	interceptor *interceptor.Interceptor
	locks       *locks.TenantLocks
	broadcaster broadcast.Broadcaster
	logger      *zap.Logger
}

// NewStore builds a Store. A nil broadcaster disables fan-out.
func NewStore(db kv.DB, registry *Registry, ic *interceptor.Interceptor, lk *locks.TenantLocks, bc broadcast.Broadcaster, logger *zap.Logger) *Store {
	if bc == nil {
		bc = broadcast.Nop{}
	}
	return &Store{
		db:          db,
		registry:    registry,
		interceptor: ic,
		locks:       lk,
		broadcaster: bc,
		logger:      logger.Named("entity"),
	}
}

// Registry exposes the descriptor registry the store validates against.
func (s *Store) Registry() *Registry { return s.registry }

// Write carries one decided mutation into the store. The reconciliation
// caller has already judged the vector clocks; Clock is the final clock to
// persist.
type Write struct {
	Tenant string
	Type   string
	ID     string

	// Value is the full value on create and the patch on update; ignored on
	// delete.
	Value map[string]any

	Clock  vclock.Clock
	Author string

	// Actor identifies the writer for last-writer-wins ranking, usually
	// vclock.ActorID(author, deviceId).
	Actor string

	Metadata ledger.Metadata

	// At is the proposal wall-clock time; zero means now.
	At time.Time

	// Conflict, when set, is appended to the entity's audit trail.
	Conflict *Conflict

	// KeepValue applies the version and clock bookkeeping without changing
	// the stored value: the losing side of last-writer-wins still leaves an
	// event behind.
	KeepValue bool
}

func (w *Write) at() time.Time {
	if w.At.IsZero() {
		return time.Now().UTC()
	}
	return w.At.UTC()
}

// Mutation is a staged entity write: the projected state, its ledger event,
// and the batch operations that make both durable together.
type Mutation struct {
	Entity *Entity
	Event  *ledger.Event
	Ops    []kv.BatchOperation

	announce string
}

// PrepareCreate stages a new entity. The value must satisfy the descriptor in
// full.
//
// Caller must hold the tenant lock.
func (s *Store) PrepareCreate(ctx context.Context, w Write) (*Mutation, error) {
	d, err := s.registry.Resolve(w.Type)
	if err != nil {
		return nil, err
	}
	if existing, err := s.lookup(ctx, w.Type, w.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrExists, w.Type, w.ID)
	}

	value := cloneValue(w.Value)
	if err := d.ValidateValue(value, false); err != nil {
		return nil, err
	}

	at := w.at()
	applied := time.Now().UTC()
	ent := &Entity{
		ID:          w.ID,
		Tenant:      w.Tenant,
		Type:        w.Type,
		Value:       value,
		Version:     1,
		Clock:       w.Clock.Copy(),
		LastWriter:  w.Actor,
		LastWriteAt: at,
		CreatedAt:   applied,
		UpdatedAt:   applied,
	}
	if w.Conflict != nil {
		ent.RecordConflict(*w.Conflict)
	}

	event, ops, err := s.interceptor.Prepare(ctx, &interceptor.Outcome{
		Op:         interceptor.OpCreate,
		Tenant:     w.Tenant,
		EntityType: w.Type,
		EntityID:   w.ID,
		New:        value,
		Sensitive:  d.Sensitive,
		Author:     w.Author,
		Metadata:   w.Metadata,
		At:         at,
	})
	if err != nil {
		return nil, err
	}

	return s.stage(ent, event, ops, broadcast.TypeEntityCreated)
}

// PrepareUpdate stages an update of current. With KeepValue set the value is
// untouched and the event carries an empty delta; otherwise w.Value is merged
// over the current value.
//
// Caller must hold the tenant lock.
func (s *Store) PrepareUpdate(ctx context.Context, current *Entity, w Write) (*Mutation, error) {
	if current == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, w.Type, w.ID)
	}
	if current.Deleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrDeleted, w.Type, w.ID)
	}
	d, err := s.registry.Resolve(w.Type)
	if err != nil {
		return nil, err
	}

	merged := current.CloneValue()
	if merged == nil {
		merged = map[string]any{}
	}
	if !w.KeepValue {
		for k, v := range w.Value {
			merged[k] = v
		}
		if err := d.ValidateValue(merged, false); err != nil {
			return nil, err
		}
	}

	at := w.at()
	next := clone(current)
	next.Value = merged
	next.Version++
	next.Clock = w.Clock.Copy()
	next.UpdatedAt = time.Now().UTC()
	if !w.KeepValue {
		next.LastWriter = w.Actor
		next.LastWriteAt = at
	}
	if w.Conflict != nil {
		next.RecordConflict(*w.Conflict)
	}

	event, ops, err := s.interceptor.Prepare(ctx, &interceptor.Outcome{
		Op:         interceptor.OpUpdate,
		Tenant:     w.Tenant,
		EntityType: w.Type,
		EntityID:   w.ID,
		Old:        current.Value,
		New:        merged,
		Sensitive:  d.Sensitive,
		Author:     w.Author,
		Metadata:   w.Metadata,
		At:         at,
	})
	if err != nil {
		return nil, err
	}

	return s.stage(next, event, ops, broadcast.TypeEntityUpdated)
}

// PrepareDelete stages a soft delete: the record stays, flagged deleted, so
// history and replay keep working.
//
// Caller must hold the tenant lock.
func (s *Store) PrepareDelete(ctx context.Context, current *Entity, w Write) (*Mutation, error) {
	if current == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, w.Type, w.ID)
	}
	if current.Deleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrDeleted, w.Type, w.ID)
	}

	at := w.at()
	next := clone(current)
	next.Version++
	next.Clock = w.Clock.Copy()
	next.Deleted = true
	next.DeletedAt = &at
	next.LastWriter = w.Actor
	next.LastWriteAt = at
	next.UpdatedAt = time.Now().UTC()
	if w.Conflict != nil {
		next.RecordConflict(*w.Conflict)
	}

	event, ops, err := s.interceptor.Prepare(ctx, &interceptor.Outcome{
		Op:         interceptor.OpDelete,
		Tenant:     w.Tenant,
		EntityType: w.Type,
		EntityID:   w.ID,
		Old:        current.Value,
		Author:     w.Author,
		Metadata:   w.Metadata,
		At:         at,
	})
	if err != nil {
		return nil, err
	}

	return s.stage(next, event, ops, broadcast.TypeEntityDeleted)
}

func (s *Store) stage(ent *Entity, event *ledger.Event, ops []kv.BatchOperation, announce string) (*Mutation, error) {
	ent.LedgerSeq = event.Seq
	ent.LastEventID = event.ID

	encoded, err := codec.EncodeRecord(ent, 0)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	ops = append(ops, kv.Put(recordKey(ent.Type, ent.ID), encoded))

	return &Mutation{Entity: ent, Event: event, Ops: ops, announce: announce}, nil
}

// Committed finalizes a staged mutation after its batch landed: the ledger
// learns its new head and subscribers hear about the entity.
func (s *Store) Committed(ctx context.Context, mut *Mutation) {
	s.interceptor.Committed(ctx, mut.Event)
	s.broadcaster.Publish(ctx, broadcast.EntityEvent{
		Type:           mut.announce,
		Tenant:         mut.Entity.Tenant,
		Entity:         mut.Entity,
		LedgerSequence: mut.Event.Seq,
	})
}

// Apply runs a whole mutation in one call: lock, stage, batch, commit. The
// journal drives its own batches; this is the path for direct writers.
func (s *Store) Apply(ctx context.Context, op interceptor.Operation, w Write) (*Mutation, error) {
	release := s.locks.Acquire(w.Tenant)
	defer release()

	var (
		mut *Mutation
		err error
	)
	switch op {
	case interceptor.OpCreate:
		mut, err = s.PrepareCreate(ctx, w)
	case interceptor.OpUpdate, interceptor.OpDelete:
		var current *Entity
		current, err = s.Get(ctx, w.Tenant, w.Type, w.ID)
		if err != nil {
			return nil, err
		}
		if op == interceptor.OpUpdate {
			mut, err = s.PrepareUpdate(ctx, current, w)
		} else {
			mut, err = s.PrepareDelete(ctx, current, w)
		}
	default:
		return nil, fmt.Errorf("%w: %q", interceptor.ErrBadOutcome, op)
	}
	if err != nil {
		return nil, err
	}

	if err := s.db.Batch(ctx, mut.Ops); err != nil {
		return nil, fmt.Errorf("commit entity batch: %w", err)
	}
	s.Committed(ctx, mut)
	return mut, nil
}

// Get loads one entity, including soft-deleted ones. A record stored under
// another tenant reads as not found.
func (s *Store) Get(ctx context.Context, tenantID, entityType, id string) (*Entity, error) {
	ent, err := s.lookup(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	if ent.Tenant != tenantID {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, entityType, id)
	}
	return ent, nil
}

func (s *Store) lookup(ctx context.Context, entityType, id string) (*Entity, error) {
	raw, err := s.db.Read(ctx, recordKey(entityType, id))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, entityType, id)
	}
	if err != nil {
		return nil, err
	}
	ent := &Entity{}
	if err := codec.DecodeRecord(raw, ent); err != nil {
		return nil, fmt.Errorf("decode entity %s/%s: %w", entityType, id, err)
	}
	return ent, nil
}

// Find scans a tenant's entities of one type. filter matches value fields by
// equality; soft-deleted rows are skipped unless includeDeleted is set.
func (s *Store) Find(ctx context.Context, tenantID, entityType string, filter map[string]any, includeDeleted bool) ([]*Entity, error) {
	if _, err := s.registry.Resolve(entityType); err != nil {
		return nil, err
	}

	prefix := typePrefix(entityType)
	it, err := s.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*Entity
	for it.Next() {
		ent := &Entity{}
		if err := codec.DecodeRecord(it.Value(), ent); err != nil {
			return nil, fmt.Errorf("decode entity %s: %w", it.Key(), err)
		}
		if ent.Tenant != tenantID {
			continue
		}
		if ent.Deleted && !includeDeleted {
			continue
		}
		if !matches(ent.Value, filter) {
			continue
		}
		out = append(out, ent)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// matches reports whether every filter field equals the stored value,
// comparing by canonical form so numeric encodings agree.
func matches(value, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := value[k]
		if !ok || !delta.Equal(got, want) {
			return false
		}
	}
	return true
}

func cloneValue(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	out := make(map[string]any, len(value))
	for k, v := range value {
		out[k] = v
	}
	return out
}

// clone copies an entity deeply enough that mutating the copy never aliases
// the original's maps or slices.
func clone(e *Entity) *Entity {
	next := *e
	next.Value = cloneValue(e.Value)
	next.Clock = e.Clock.Copy()
	if e.Conflicts != nil {
		next.Conflicts = append([]Conflict(nil), e.Conflicts...)
	}
	if e.ProcessingLog != nil {
		next.ProcessingLog = append([]string(nil), e.ProcessingLog...)
	}
	if e.DeletedAt != nil {
		at := *e.DeletedAt
		next.DeletedAt = &at
	}
	return &next
}
