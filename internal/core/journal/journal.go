// Package journal accepts mutations ahead of apply. Enqueue acknowledges
// immediately; a background drain reconciles each entry against entity state
// under the tenant lock and lands the projection, the ledger event, and the
// entry's terminal status in one atomic batch.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tallyhq/tallyd/internal/alert"
	"github.com/tallyhq/tallyd/internal/core/entity"
	"github.com/tallyhq/tallyd/internal/core/hashing"
	"github.com/tallyhq/tallyd/internal/core/interceptor"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/core/locks"
	"github.com/tallyhq/tallyd/internal/core/tenant"
	"github.com/tallyhq/tallyd/internal/core/vclock"
	"github.com/tallyhq/tallyd/internal/metrics"
	"github.com/tallyhq/tallyd/internal/storage/codec"
	"github.com/tallyhq/tallyd/internal/storage/kv"
)

const (
	gcBatch    = 256
	maxBackoff = 30 * time.Minute
)

// Config tunes the journal.
type Config struct {
	// MaxRetries is the attempt count after which a transiently failing
	// entry is terminated as CONFLICT.
	MaxRetries int

	// BatchSize bounds entries per tenant per drain pass.
	BatchSize int

	// TenantParallelism bounds concurrently drained tenants.
	TenantParallelism int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration

	// Retention keeps terminal entries around for inspection before GC.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.TenantParallelism <= 0 {
		c.TenantParallelism = runtime.NumCPU()
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Sink receives entry status changes for best-effort mirroring, outside the
// atomic write path. Implementations must not block and must swallow their
// own failures.
type Sink interface {
	EntryChanged(ctx context.Context, e *Entry)
}

// Journal queues mutations and drains them in per-tenant FIFO order.
type Journal struct {
	db       kv.DB
	entities *entity.Store
	tenants  *tenant.Store
	sealer   *interceptor.Interceptor
	locks    *locks.TenantLocks
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	alerts   alert.Notifier
	sink     Sink
}

// SetSink attaches the entry mirror. Call before serving traffic; the field
// is not guarded.
func (j *Journal) SetSink(s Sink) {
	j.sink = s
}

// New builds a Journal over the given stores.
func New(db kv.DB, entities *entity.Store, tenants *tenant.Store, sealer *interceptor.Interceptor, lk *locks.TenantLocks, cfg Config, logger *zap.Logger, m *metrics.Metrics, alerts alert.Notifier) *Journal {
	if alerts == nil {
		alerts = alert.NopNotifier{}
	}
	return &Journal{
		db:       db,
		entities: entities,
		tenants:  tenants,
		sealer:   sealer,
		locks:    lk,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("journal"),
		metrics:  m,
		alerts:   alerts,
	}
}

// Submission is one inbound write request.
type Submission struct {
	Tenant     string
	Author     string
	EntityType string
	// EntityID may be empty on create; a fresh id is assigned.
	EntityID  string
	Operation interceptor.Operation
	Payload   map[string]any
	Clock     vclock.Clock
	Metadata  ledger.Metadata
}

// Enqueue validates and persists a submission as a PENDING entry. It never
// reads entity state: acceptance stays cheap and reconciliation happens on
// drain. Sensitive fields are sealed before the entry touches disk.
func (j *Journal) Enqueue(ctx context.Context, sub Submission) (*Entry, error) {
	if err := tenant.ValidateID(sub.Tenant); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSubmission, err)
	}
	if sub.Author == "" {
		return nil, fmt.Errorf("%w: author is required", ErrBadSubmission)
	}
	if !sub.Operation.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrBadSubmission, sub.Operation)
	}
	d, err := j.entities.Registry().Resolve(sub.EntityType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSubmission, err)
	}

	payload := clonePayload(sub.Payload)
	switch sub.Operation {
	case interceptor.OpCreate:
		if sub.EntityID == "" {
			sub.EntityID = uuid.NewString()
		}
		if err := d.ValidateValue(payload, false); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSubmission, err)
		}
	case interceptor.OpUpdate:
		if sub.EntityID == "" {
			return nil, fmt.Errorf("%w: update requires entityId", ErrBadSubmission)
		}
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: update without fields", ErrBadSubmission)
		}
		if err := d.ValidateValue(payload, true); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSubmission, err)
		}
	case interceptor.OpDelete:
		if sub.EntityID == "" {
			return nil, fmt.Errorf("%w: delete requires entityId", ErrBadSubmission)
		}
		payload = nil
	}

	if err := j.sealer.SealSensitive(payload, d.Sensitive, sub.Tenant); err != nil {
		return nil, err
	}
	if err := j.tenants.Ensure(ctx, sub.Tenant); err != nil {
		return nil, err
	}

	var clk vclock.Clock
	if len(sub.Clock) > 0 {
		clk = sub.Clock.Copy()
	}

	now := time.Now().UTC()
	e := &Entry{
		ID:         uuid.NewString(),
		Tenant:     sub.Tenant,
		Author:     sub.Author,
		EntityType: sub.EntityType,
		EntityID:   sub.EntityID,
		Operation:  sub.Operation,
		Payload:    payload,
		Clock:      clk,
		Status:     StatusPending,
		Metadata:   sub.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	record, err := codec.EncodeRecord(e, 0)
	if err != nil {
		return nil, fmt.Errorf("encode journal entry: %w", err)
	}
	ops := []kv.BatchOperation{
		kv.Put(entryKey(e.ID), record),
		kv.Put(pendingKey(e.Tenant, e.CreatedAt, e.ID), []byte(e.ID)),
	}
	if err := j.db.Batch(ctx, ops); err != nil {
		return nil, fmt.Errorf("persist journal entry: %w", err)
	}

	j.metrics.JournalEnqueued.Inc()
	if j.sink != nil {
		j.sink.EntryChanged(ctx, e)
	}
	j.logger.Debug("entry enqueued",
		zap.String("id", e.ID),
		zap.String("tenant", e.Tenant),
		zap.String("operation", string(e.Operation)),
		zap.String("entityId", e.EntityID),
	)
	return e, nil
}

// Get returns one entry by id.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	return j.entry(ctx, id)
}

func (j *Journal) entry(ctx context.Context, id string) (*Entry, error) {
	raw, err := j.db.Read(ctx, entryKey(id))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	e := &Entry{}
	if err := codec.DecodeRecord(raw, e); err != nil {
		return nil, fmt.Errorf("decode journal entry %s: %w", id, err)
	}
	return e, nil
}

// Snapshot projects the state the entry would leave behind if applied right
// now, for the optimistic write acknowledgment. The authoritative state
// lands on drain; clients watch ledgerSequence or the broadcast to confirm.
func (j *Journal) Snapshot(ctx context.Context, e *Entry) map[string]any {
	snap := map[string]any{
		"id":      e.EntityID,
		"tenant":  e.Tenant,
		"type":    e.EntityType,
		"pending": true,
	}

	current, err := j.entities.Get(ctx, e.Tenant, e.EntityType, e.EntityID)
	if err != nil {
		current = nil
	}

	clock := e.Clock
	if len(clock) == 0 {
		var base vclock.Clock
		if current != nil {
			base = current.Clock
		}
		clock = vclock.Tick(base, e.Actor())
	}
	snap["vectorClock"] = clock

	switch {
	case e.Operation == interceptor.OpDelete:
		snap["deleted"] = true
		if current != nil {
			snap["version"] = current.Version + 1
			snap["value"] = current.Value
		}
	case current == nil:
		snap["version"] = uint64(1)
		snap["value"] = e.Payload
	default:
		merged := current.CloneValue()
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range e.Payload {
			merged[k] = v
		}
		snap["version"] = current.Version + 1
		snap["value"] = merged
	}
	return snap
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Tenants   int
	Processed int
	Applied   int
	Stale     int
	Conflicts int
	Retried   int
	// Errors holds the first failure per tenant; failures never cross
	// tenant boundaries.
	Errors map[string]error
}

type pendingRef struct {
	key []byte
	id  string
}

type tenantTally struct {
	processed, applied, stale, conflicts, retried int
	err                                           error
}

// Drain scans pending entries and applies them, tenants in parallel, each
// tenant FIFO under its lock. At most BatchSize entries per tenant per pass.
func (j *Journal) Drain(ctx context.Context) (*DrainResult, error) {
	start := time.Now()
	defer func() {
		j.metrics.DrainDuration.Observe(time.Since(start).Seconds())
	}()

	queues, backlog, err := j.pendingByTenant(ctx)
	if err != nil {
		return nil, err
	}
	res := &DrainResult{Errors: map[string]error{}}
	if len(queues) == 0 {
		return res, nil
	}
	res.Tenants = len(queues)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.TenantParallelism)
	for tenantID, refs := range queues {
		tenantID, refs := tenantID, refs
		g.Go(func() error {
			t := j.drainTenant(gctx, tenantID, refs)

			mu.Lock()
			defer mu.Unlock()
			res.Processed += t.processed
			res.Applied += t.applied
			res.Stale += t.stale
			res.Conflicts += t.conflicts
			res.Retried += t.retried
			if t.err != nil {
				res.Errors[tenantID] = t.err
			}
			j.metrics.JournalBacklog.WithLabelValues(tenantID).Set(float64(backlog[tenantID] - t.processed))
			return nil
		})
	}
	_ = g.Wait()

	if res.Processed > 0 || len(res.Errors) > 0 {
		j.logger.Info("journal drained",
			zap.Int("tenants", res.Tenants),
			zap.Int("processed", res.Processed),
			zap.Int("applied", res.Applied),
			zap.Int("stale", res.Stale),
			zap.Int("conflicts", res.Conflicts),
			zap.Int("retried", res.Retried),
			zap.Int("failures", len(res.Errors)),
		)
	}
	return res, nil
}

// pendingByTenant groups due index rows FIFO per tenant, capped at BatchSize
// each, and counts the full backlog for the gauge.
func (j *Journal) pendingByTenant(ctx context.Context) (map[string][]pendingRef, map[string]int, error) {
	prefix := []byte(pendingPrefix)
	it, err := j.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()

	queues := make(map[string][]pendingRef)
	backlog := make(map[string]int)
	for it.Next() {
		tenantID, ok := pendingTenant(it.Key())
		if !ok {
			continue
		}
		backlog[tenantID]++
		if len(queues[tenantID]) >= j.cfg.BatchSize {
			continue
		}
		key := append([]byte(nil), it.Key()...)
		queues[tenantID] = append(queues[tenantID], pendingRef{key: key, id: string(it.Value())})
	}
	if err := it.Error(); err != nil {
		return nil, nil, err
	}
	return queues, backlog, nil
}

func (j *Journal) drainTenant(ctx context.Context, tenantID string, refs []pendingRef) tenantTally {
	release := j.locks.Acquire(tenantID)
	defer release()

	var t tenantTally
	now := time.Now()
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			t.err = err
			return t
		}

		e, err := j.entry(ctx, ref.id)
		if errors.Is(err, ErrEntryNotFound) {
			// Orphaned index row; drop it.
			_ = j.db.Delete(ctx, ref.key)
			continue
		}
		if err != nil {
			t.err = err
			return t
		}
		if e.Status != StatusPending {
			_ = j.db.Delete(ctx, ref.key)
			continue
		}
		if e.NextAttemptAt.After(now) {
			// The head of the queue is backing off; later entries wait so
			// the tenant's order holds.
			return t
		}

		status, err := j.applyEntry(ctx, e, ref)
		switch {
		case err == nil:
			t.processed++
			switch status {
			case StatusApplied:
				t.applied++
			case StatusStale:
				t.stale++
			case StatusConflict:
				t.conflicts++
			}
		case errors.Is(err, ledger.ErrQuarantined):
			// The tenant's write path is blocked pending repair. Hold the
			// queue without burning retries; entries apply after repair.
			j.logger.Warn("drain paused on quarantined tenant",
				zap.String("tenant", tenantID), zap.Error(err))
			return t
		default:
			t.retried++
			j.noteFailure(ctx, e, ref, err)
			return t
		}
	}
	return t
}

// applyEntry reconciles one entry against entity state and persists the
// outcome. A returned error means the entry was left PENDING.
//
// Caller must hold the tenant lock.
func (j *Journal) applyEntry(ctx context.Context, e *Entry, ref pendingRef) (Status, error) {
	current, err := j.entities.Get(ctx, e.Tenant, e.EntityType, e.EntityID)
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		return "", err
	}

	actor := e.Actor()
	proposed := e.Clock

	if e.Operation == interceptor.OpCreate {
		if current == nil {
			if len(proposed) == 0 {
				proposed = vclock.Tick(nil, actor)
			}
			mut, err := j.entities.PrepareCreate(ctx, j.write(e, proposed))
			if err != nil {
				return j.failed(ctx, e, ref, err)
			}
			return j.finalize(ctx, e, ref, mut, StatusApplied, "")
		}
		// The id is taken. A genuinely concurrent create goes through
		// conflict resolution; everything else is a superseded replay.
		if len(proposed) == 0 || !vclock.Concurrent(current.Clock, proposed) {
			return j.markTerminal(ctx, e, ref, StatusStale, "create raced an existing entity")
		}
		return j.resolveConflict(ctx, e, ref, current, proposed, actor)
	}

	if current == nil {
		return j.markTerminal(ctx, e, ref, StatusStale, "entity does not exist")
	}
	if current.Deleted {
		return j.markTerminal(ctx, e, ref, StatusStale, "entity is deleted")
	}
	if len(proposed) == 0 {
		proposed = vclock.Tick(current.Clock, actor)
	}

	switch vclock.Reconcile(current.Clock, proposed) {
	case vclock.VerdictStale:
		return j.markTerminal(ctx, e, ref, StatusStale, "superseded by newer entity state")
	case vclock.VerdictConflict:
		return j.resolveConflict(ctx, e, ref, current, proposed, actor)
	}

	w := j.write(e, vclock.Merge(current.Clock, proposed))
	var mut *entity.Mutation
	if e.Operation == interceptor.OpDelete {
		mut, err = j.entities.PrepareDelete(ctx, current, w)
	} else {
		mut, err = j.entities.PrepareUpdate(ctx, current, w)
	}
	if err != nil {
		return j.failed(ctx, e, ref, err)
	}
	return j.finalize(ctx, e, ref, mut, StatusApplied, "")
}

// resolveConflict settles a concurrent write. Last-writer-wins is the
// default; types may opt into field-wise merge. Either way the losing data
// is retained on the entity and a conflict-flagged event extends the chain.
func (j *Journal) resolveConflict(ctx context.Context, e *Entry, ref pendingRef, current *entity.Entity, proposed vclock.Clock, actor string) (Status, error) {
	d, err := j.entities.Registry().Resolve(e.EntityType)
	if err != nil {
		return j.failed(ctx, e, ref, err)
	}

	incomingWins := vclock.IncomingWins(vclock.LWWInput{
		IncomingAt:    e.CreatedAt,
		CurrentAt:     current.LastWriteAt,
		IncomingActor: actor,
		CurrentActor:  current.LastWriter,
	})

	w := j.write(e, vclock.Merge(current.Clock, proposed))
	w.Metadata.Conflict = true
	w.Metadata.Applied = incomingWins

	var (
		mut    *entity.Mutation
		mErr   error
		reason string
	)
	switch {
	case d.Resolution == vclock.PolicyMerge && e.Operation != interceptor.OpDelete:
		w.Value = vclock.MergeValues(current.Value, e.Payload, incomingWins)
		w.Conflict = conflictRecord(actor, e.Metadata.DeviceID, e.CreatedAt, e.Payload, vclock.PolicyMerge)
		w.Metadata.Applied = true
		mut, mErr = j.entities.PrepareUpdate(ctx, current, w)
		reason = "concurrent write resolved by field merge"

	case incomingWins:
		displaced := displacedFields(current.Value, e.Payload, e.Operation)
		w.Conflict = conflictRecord(current.LastWriter, "", current.LastWriteAt, displaced, vclock.PolicyLWW)
		if e.Operation == interceptor.OpDelete {
			mut, mErr = j.entities.PrepareDelete(ctx, current, w)
		} else {
			mut, mErr = j.entities.PrepareUpdate(ctx, current, w)
		}
		reason = "concurrent write won last-writer-wins"

	default:
		losing := e.Payload
		if e.Operation == interceptor.OpDelete {
			losing = map[string]any{"deleted": true}
		}
		w.KeepValue = true
		w.Conflict = conflictRecord(actor, e.Metadata.DeviceID, e.CreatedAt, losing, vclock.PolicyLWW)
		mut, mErr = j.entities.PrepareUpdate(ctx, current, w)
		reason = "concurrent write lost last-writer-wins"
	}
	if mErr != nil {
		return j.failed(ctx, e, ref, mErr)
	}
	return j.finalize(ctx, e, ref, mut, StatusConflict, reason)
}

// write maps an entry onto an entity mutation input.
func (j *Journal) write(e *Entry, clock vclock.Clock) entity.Write {
	return entity.Write{
		Tenant:   e.Tenant,
		Type:     e.EntityType,
		ID:       e.EntityID,
		Value:    e.Payload,
		Clock:    clock,
		Author:   e.Author,
		Actor:    e.Actor(),
		Metadata: e.Metadata,
		At:       e.CreatedAt,
	}
}

// failed maps an apply error to a terminal status when it can never succeed,
// and otherwise reports it as transient.
func (j *Journal) failed(ctx context.Context, e *Entry, ref pendingRef, cause error) (Status, error) {
	switch {
	case errors.Is(cause, entity.ErrNotFound), errors.Is(cause, entity.ErrDeleted):
		return j.markTerminal(ctx, e, ref, StatusStale, cause.Error())
	case errors.Is(cause, entity.ErrValidation),
		errors.Is(cause, entity.ErrUnknownType),
		errors.Is(cause, entity.ErrExists),
		errors.Is(cause, interceptor.ErrSensitiveNotString),
		errors.Is(cause, interceptor.ErrBadOutcome),
		errors.Is(cause, ledger.ErrInvalidAppend):
		return j.markTerminal(ctx, e, ref, StatusConflict, cause.Error())
	default:
		return "", cause
	}
}

// finalize lands a staged mutation and the entry's terminal status in one
// batch, then completes the commit protocol.
func (j *Journal) finalize(ctx context.Context, e *Entry, ref pendingRef, mut *entity.Mutation, status Status, reason string) (Status, error) {
	now := time.Now().UTC()
	next := *e
	next.Status = status
	next.ErrorReason = reason
	next.LedgerEventID = mut.Event.ID
	next.UpdatedAt = now
	if status == StatusApplied {
		next.AppliedAt = &now
	}

	record, err := codec.EncodeRecord(&next, 0)
	if err != nil {
		return "", fmt.Errorf("encode journal entry: %w", err)
	}
	ops := append(mut.Ops, kv.Put(entryKey(e.ID), record), kv.Del(ref.key))
	if err := j.db.Batch(ctx, ops); err != nil {
		return "", err
	}
	*e = next

	j.entities.Committed(ctx, mut)
	if j.sink != nil {
		j.sink.EntryChanged(ctx, e)
	}
	j.metrics.JournalDrained.WithLabelValues(string(status)).Inc()
	j.logger.Debug("entry drained",
		zap.String("id", e.ID),
		zap.String("tenant", e.Tenant),
		zap.String("status", string(status)),
		zap.Uint64("seq", mut.Event.Seq),
	)
	return status, nil
}

// markTerminal ends an entry without touching entity state.
func (j *Journal) markTerminal(ctx context.Context, e *Entry, ref pendingRef, status Status, reason string) (Status, error) {
	next := *e
	next.Status = status
	next.ErrorReason = reason
	next.UpdatedAt = time.Now().UTC()

	record, err := codec.EncodeRecord(&next, 0)
	if err != nil {
		return "", fmt.Errorf("encode journal entry: %w", err)
	}
	ops := []kv.BatchOperation{
		kv.Put(entryKey(e.ID), record),
		kv.Del(ref.key),
	}
	if err := j.db.Batch(ctx, ops); err != nil {
		return "", err
	}
	*e = next

	if j.sink != nil {
		j.sink.EntryChanged(ctx, e)
	}
	j.metrics.JournalDrained.WithLabelValues(string(status)).Inc()
	j.logger.Debug("entry terminated",
		zap.String("id", e.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)
	return status, nil
}

// noteFailure books a transient apply failure: retry counter, exponential
// backoff, and the terminal escalation once retries are exhausted. The
// bookkeeping write survives caller cancellation.
func (j *Journal) noteFailure(ctx context.Context, e *Entry, ref pendingRef, cause error) {
	bctx := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	e.RetryCount++
	e.UpdatedAt = now
	j.metrics.JournalRetries.Inc()

	if e.RetryCount >= j.cfg.MaxRetries {
		reason := fmt.Sprintf("gave up after %d attempts: %v", e.RetryCount, cause)
		if _, err := j.markTerminal(bctx, e, ref, StatusConflict, reason); err != nil {
			j.logger.Error("stuck entry could not be terminated",
				zap.String("id", e.ID), zap.Error(err))
			return
		}
		j.metrics.JournalStuck.Inc()
		j.alerts.Notify(bctx, alert.Alert{
			Kind:    alert.KindJournalStuck,
			Tenant:  e.Tenant,
			Message: "journal entry exhausted its retries",
			Fields: map[string]any{
				"entryId":  e.ID,
				"entityId": e.EntityID,
				"attempts": e.RetryCount,
				"cause":    cause.Error(),
			},
		})
		j.logger.Error("journal entry stuck",
			zap.String("id", e.ID),
			zap.String("tenant", e.Tenant),
			zap.Int("attempts", e.RetryCount),
			zap.Error(cause),
		)
		return
	}

	e.NextAttemptAt = now.Add(j.backoff(e.RetryCount))
	record, err := codec.EncodeRecord(e, 0)
	if err == nil {
		err = j.db.Write(bctx, entryKey(e.ID), record)
	}
	if err != nil {
		j.logger.Error("retry bookkeeping failed",
			zap.String("id", e.ID), zap.Error(err))
		return
	}
	j.logger.Warn("apply failed, will retry",
		zap.String("id", e.ID),
		zap.String("tenant", e.Tenant),
		zap.Int("attempt", e.RetryCount),
		zap.Time("nextAttempt", e.NextAttemptAt),
		zap.Error(cause),
	)
}

func (j *Journal) backoff(retry int) time.Duration {
	d := j.cfg.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Stats aggregates entry counts for the info surface.
type Stats struct {
	ByStatus        map[Status]int
	PendingByTenant map[string]int
}

// Stats scans the journal keyspace; it is an admin surface, not a hot path.
func (j *Journal) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByStatus:        make(map[Status]int),
		PendingByTenant: make(map[string]int),
	}
	prefix := []byte(entryPrefix)
	it, err := j.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for it.Next() {
		e := &Entry{}
		if err := codec.DecodeRecord(it.Value(), e); err != nil {
			return nil, fmt.Errorf("decode journal entry %s: %w", it.Key(), err)
		}
		st.ByStatus[e.Status]++
		if e.Status == StatusPending {
			st.PendingByTenant[e.Tenant]++
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return st, nil
}

// GC prunes terminal entries older than the retention window. Pending
// entries are never collected.
func (j *Journal) GC(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-j.cfg.Retention)
	prefix := []byte(entryPrefix)
	it, err := j.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return 0, err
	}

	var doomed [][]byte
	for it.Next() {
		e := &Entry{}
		if err := codec.DecodeRecord(it.Value(), e); err != nil {
			it.Close()
			return 0, fmt.Errorf("decode journal entry %s: %w", it.Key(), err)
		}
		if e.Status.Terminal() && e.UpdatedAt.Before(cutoff) {
			doomed = append(doomed, append([]byte(nil), it.Key()...))
		}
	}
	if err := it.Error(); err != nil {
		it.Close()
		return 0, err
	}
	it.Close()

	for start := 0; start < len(doomed); start += gcBatch {
		end := min(start+gcBatch, len(doomed))
		ops := make([]kv.BatchOperation, 0, end-start)
		for _, key := range doomed[start:end] {
			ops = append(ops, kv.Del(key))
		}
		if err := j.db.Batch(ctx, ops); err != nil {
			return start, err
		}
	}
	if len(doomed) > 0 {
		j.logger.Info("terminal entries pruned", zap.Int("count", len(doomed)))
	}
	return len(doomed), nil
}

func conflictRecord(actor, deviceID string, at time.Time, payload map[string]any, policy vclock.Policy) *entity.Conflict {
	raw, err := hashing.Canonicalize(payload)
	if err != nil {
		raw = []byte("{}")
	}
	return &entity.Conflict{
		Actor:      actor,
		DeviceID:   deviceID,
		At:         at.UTC(),
		Payload:    json.RawMessage(raw),
		Resolution: policy.String(),
	}
}

// displacedFields captures the prior values an incoming winner overwrote.
func displacedFields(current, incoming map[string]any, op interceptor.Operation) map[string]any {
	if op == interceptor.OpDelete {
		return current
	}
	out := make(map[string]any, len(incoming))
	for k := range incoming {
		if v, ok := current[k]; ok {
			out[k] = v
		}
	}
	return out
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
