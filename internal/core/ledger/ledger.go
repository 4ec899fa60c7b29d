// Package ledger implements the per-tenant append-only hash-chained event
// log. Every applied mutation lands here exactly once; sequences start at 1
// and never skip; each event's hash covers its payload, its predecessor's
// hash, and its sequence number.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/alert"
	"github.com/tallyhq/tallyd/internal/core/hashing"
	"github.com/tallyhq/tallyd/internal/core/locks"
	"github.com/tallyhq/tallyd/internal/metrics"
	"github.com/tallyhq/tallyd/internal/storage/codec"
	"github.com/tallyhq/tallyd/internal/storage/kv"
)

const defaultCacheSize = 4096

// Meta is a tenant's chain head, stored next to the events and updated in the
// same batch as every append.
type Meta struct {
	LastSeq          uint64    `codec:"lastSeq"`
	LastEventID      string    `codec:"lastEventId,omitempty"`
	LastHash         string    `codec:"lastHash,omitempty"`
	Quarantined      bool      `codec:"quarantined,omitempty"`
	QuarantineReason string    `codec:"quarantineReason,omitempty"`
	QuarantinedAt    time.Time `codec:"quarantinedAt,omitempty"`
	UpdatedAt        time.Time `codec:"updatedAt"`
}

// Config tunes the ledger.
type Config struct {
	// CompressMin is the payload size in bytes from which event records are
	// stored lz4-compressed. Zero disables compression.
	CompressMin int

	// CacheSize bounds the recent-event read cache.
	CacheSize int

	// QuarantineOnCorruption blocks a tenant's appends after a detected chain
	// break until repair.
	QuarantineOnCorruption bool
}

// Sink receives every committed event for best-effort mirroring, outside the
// atomic write path. Implementations must not block and must swallow their
// own failures.
type Sink interface {
	CommittedEvent(ctx context.Context, e *Event)
}

// Ledger is safe for concurrent use. Appends serialize per tenant through the
// shared lock table.
type Ledger struct {
	db    kv.DB
	locks *locks.TenantLocks
	cfg   Config

	// recent caches decoded events by tenant and seq. Cached events are
	// shared between callers and must be treated as immutable.
	recent *lru.Cache[string, *Event]

	logger  *zap.Logger
	metrics *metrics.Metrics
	alerts  alert.Notifier
	sink    Sink
}

// SetSink attaches the committed-event mirror. Call before serving traffic;
// the field is not guarded.
func (l *Ledger) SetSink(s Sink) {
	l.sink = s
}

// New builds a Ledger over db. The lock table must be the same instance the
// journal drains with, so appends and applies serialize together.
func New(db kv.DB, lk *locks.TenantLocks, cfg Config, logger *zap.Logger, m *metrics.Metrics, alerts alert.Notifier) (*Ledger, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *Event](size)
	if err != nil {
		return nil, fmt.Errorf("ledger cache: %w", err)
	}
	if alerts == nil {
		alerts = alert.NopNotifier{}
	}
	return &Ledger{
		db:      db,
		locks:   lk,
		cfg:     cfg,
		recent:  cache,
		logger:  logger.Named("ledger"),
		metrics: m,
		alerts:  alerts,
	}, nil
}

// AppendRequest describes one event to append.
type AppendRequest struct {
	Tenant     string
	EntityType string
	EntityID   string
	Type       string
	// Payload is canonicalized before hashing; it may be a map, a struct, or
	// raw JSON bytes.
	Payload  any
	Author   string
	Metadata Metadata
	// At stamps the event; zero means now.
	At time.Time
}

func (r *AppendRequest) validate() error {
	if r.Tenant == "" || r.Type == "" || r.Author == "" {
		return fmt.Errorf("%w: tenant, type, and author are required", ErrInvalidAppend)
	}
	return nil
}

// Append atomically adds one event to the tenant's chain and returns it.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*Event, error) {
	release := l.locks.Acquire(req.Tenant)
	defer release()

	event, ops, err := l.PrepareAppend(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := l.db.Batch(ctx, ops); err != nil {
		return nil, fmt.Errorf("commit append for tenant %s: %w", req.Tenant, err)
	}
	l.NotifyCommitted(ctx, event)
	return event, nil
}

// PrepareAppend computes the next event and the batch operations that persist
// it, without committing. The journal drain path merges these operations with
// the entity and journal writes into one atomic batch.
//
// Caller must hold the tenant lock and must call NotifyCommitted after a
// successful commit.
func (l *Ledger) PrepareAppend(ctx context.Context, req AppendRequest) (*Event, []kv.BatchOperation, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	meta, err := l.Meta(ctx, req.Tenant)
	if err != nil {
		return nil, nil, err
	}
	if meta.Quarantined && l.cfg.QuarantineOnCorruption {
		return nil, nil, fmt.Errorf("%w: %s (%s)", ErrQuarantined, req.Tenant, meta.QuarantineReason)
	}

	canonical, err := hashing.Canonicalize(req.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	seq := meta.LastSeq + 1
	previousHash := meta.LastHash
	if previousHash == "" {
		previousHash = hashing.Genesis
	}

	event := &Event{
		ID:              uuid.NewString(),
		Tenant:          req.Tenant,
		Seq:             seq,
		Type:            req.Type,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Payload:         canonical,
		Author:          req.Author,
		PreviousEventID: meta.LastEventID,
		PreviousHash:    previousHash,
		CurrentHash:     hashing.EventHash(canonical, previousHash, seq),
		Metadata:        req.Metadata,
		CreatedAt:       at,
	}

	record, err := codec.EncodeRecord(event, l.cfg.CompressMin)
	if err != nil {
		return nil, nil, fmt.Errorf("encode event: %w", err)
	}

	newMeta := Meta{
		LastSeq:     seq,
		LastEventID: event.ID,
		LastHash:    event.CurrentHash,
		UpdatedAt:   at,
	}
	metaRecord, err := codec.EncodeRecord(&newMeta, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("encode meta: %w", err)
	}

	key := eventKey(req.Tenant, seq)
	ops := []kv.BatchOperation{
		kv.Put(key, record),
		kv.Put(hashKey(req.Tenant, event.CurrentHash), seqBytes(seq)),
		kv.Put(idKey(req.Tenant, event.ID), seqBytes(seq)),
		kv.Put(metaKey(req.Tenant), metaRecord),
	}
	if req.EntityID != "" {
		ops = append(ops, kv.Put(historyKey(req.EntityID, seq), key))
	}
	return event, ops, nil
}

// NotifyCommitted records a committed event in the read cache and metrics
// and hands it to the mirror sink when one is attached.
func (l *Ledger) NotifyCommitted(ctx context.Context, event *Event) {
	l.recent.Add(cacheKey(event.Tenant, event.Seq), event)
	l.metrics.LedgerAppends.WithLabelValues(event.Type).Inc()
	if l.sink != nil {
		l.sink.CommittedEvent(ctx, event)
	}
	l.logger.Debug("event appended",
		zap.String("tenant", event.Tenant),
		zap.Uint64("seq", event.Seq),
		zap.String("type", event.Type),
		zap.String("entityId", event.EntityID),
	)
}

func cacheKey(tenant string, seq uint64) string {
	return tenant + "|" + strconv.FormatUint(seq, 10)
}

// Meta returns the tenant's chain head; a tenant with no events yields the
// zero Meta.
func (l *Ledger) Meta(ctx context.Context, tenant string) (*Meta, error) {
	data, err := l.db.Read(ctx, metaKey(tenant))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return &Meta{}, nil
		}
		return nil, fmt.Errorf("read ledger meta for %s: %w", tenant, err)
	}
	var meta Meta
	if err := codec.DecodeRecord(data, &meta); err != nil {
		return nil, fmt.Errorf("decode ledger meta for %s: %w", tenant, err)
	}
	return &meta, nil
}

// FindLast returns the tenant's newest event, or nil when the ledger is
// empty.
func (l *Ledger) FindLast(ctx context.Context, tenant string) (*Event, error) {
	meta, err := l.Meta(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if meta.LastSeq == 0 {
		return nil, nil
	}
	return l.BySeq(ctx, tenant, meta.LastSeq)
}

// BySeq returns one event by sequence number.
func (l *Ledger) BySeq(ctx context.Context, tenant string, seq uint64) (*Event, error) {
	if event, ok := l.recent.Get(cacheKey(tenant, seq)); ok {
		return event, nil
	}
	data, err := l.db.Read(ctx, eventKey(tenant, seq))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: tenant %s seq %d", ErrEventNotFound, tenant, seq)
		}
		return nil, err
	}
	var event Event
	if err := codec.DecodeRecord(data, &event); err != nil {
		return nil, fmt.Errorf("decode event %s/%d: %w", tenant, seq, err)
	}
	l.recent.Add(cacheKey(tenant, seq), &event)
	return &event, nil
}

// ByID returns one event by its id.
func (l *Ledger) ByID(ctx context.Context, tenant, eventID string) (*Event, error) {
	data, err := l.db.Read(ctx, idKey(tenant, eventID))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: tenant %s id %s", ErrEventNotFound, tenant, eventID)
		}
		return nil, err
	}
	return l.BySeq(ctx, tenant, seqFromBytes(data))
}

// ByHash returns one event by its currentHash.
func (l *Ledger) ByHash(ctx context.Context, tenant, hash string) (*Event, error) {
	data, err := l.db.Read(ctx, hashKey(tenant, hash))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: tenant %s hash %s", ErrEventNotFound, tenant, hash)
		}
		return nil, err
	}
	return l.BySeq(ctx, tenant, seqFromBytes(data))
}

// Walk streams events of [startSeq, endSeq] in sequence order to fn; fn
// returning an error stops the walk. endSeq zero means through the last
// event.
func (l *Ledger) Walk(ctx context.Context, tenant string, startSeq, endSeq uint64, fn func(*Event) error) error {
	if startSeq == 0 {
		startSeq = 1
	}
	var upper []byte
	if endSeq > 0 {
		upper = eventKey(tenant, endSeq+1)
	} else {
		upper = kv.PrefixEnd(eventKeyPrefix(tenant))
	}

	it, err := l.db.Iterator(ctx, eventKey(tenant, startSeq), upper)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var event Event
		if err := codec.DecodeRecord(it.Value(), &event); err != nil {
			return fmt.Errorf("decode event at %q: %w", it.Key(), err)
		}
		if err := fn(&event); err != nil {
			return err
		}
	}
	return it.Error()
}

// Range collects Walk results into a slice; both bounds inclusive.
func (l *Ledger) Range(ctx context.Context, tenant string, startSeq, endSeq uint64) ([]*Event, error) {
	var out []*Event
	err := l.Walk(ctx, tenant, startSeq, endSeq, func(e *Event) error {
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryFor returns every event referencing the entity, ordered by sequence.
func (l *Ledger) HistoryFor(ctx context.Context, entityID string) ([]*Event, error) {
	prefix := historyKeyPrefix(entityID)
	it, err := l.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*Event
	for it.Next() {
		data, err := l.db.Read(ctx, it.Value())
		if err != nil {
			return nil, fmt.Errorf("read history event %q: %w", it.Value(), err)
		}
		var event Event
		if err := codec.DecodeRecord(data, &event); err != nil {
			return nil, fmt.Errorf("decode history event %q: %w", it.Value(), err)
		}
		out = append(out, &event)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodePayload(raw []byte) (map[string]any, error) {
	return hashing.DecodeCanonical(raw)
}
