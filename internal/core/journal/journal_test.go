package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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
	"github.com/tallyhq/tallyd/internal/vault"
)

// flaky injects batch failures to exercise the retry path.
type flaky struct {
	kv.DB
	mu          sync.Mutex
	failBatches int
}

func (f *flaky) failNext(n int) {
	f.mu.Lock()
	f.failBatches = n
	f.mu.Unlock()
}

func (f *flaky) Batch(ctx context.Context, ops []kv.BatchOperation) error {
	f.mu.Lock()
	if f.failBatches > 0 {
		f.failBatches--
		f.mu.Unlock()
		return errors.New("induced batch failure")
	}
	f.mu.Unlock()
	return f.DB.Batch(ctx, ops)
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *captureNotifier) Notify(_ context.Context, a alert.Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

func (c *captureNotifier) all() []alert.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alert.Alert(nil), c.alerts...)
}

type fixture struct {
	journal  *Journal
	db       *flaky
	ledger   *ledger.Ledger
	entities *entity.Store
	alerts   *captureNotifier
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithRegistry(t, entity.Default())
}

func newFixtureWithRegistry(t *testing.T, reg *entity.Registry) *fixture {
	t.Helper()
	mem := kv.NewMemory()
	t.Cleanup(func() { mem.Close() })
	db := &flaky{DB: mem}

	lk := locks.New()
	m := metrics.NewNop()
	alerts := &captureNotifier{}

	led, err := ledger.New(db, lk, ledger.Config{QuarantineOnCorruption: true}, zap.NewNop(), m, alerts)
	require.NoError(t, err)

	v, err := vault.New("journal-test-secret", m)
	require.NoError(t, err)

	ic := interceptor.New(led, v, zap.NewNop())
	ents := entity.NewStore(db, reg, ic, lk, nil, zap.NewNop())
	j := New(db, ents, tenant.NewStore(db), ic, lk, Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	}, zap.NewNop(), m, alerts)

	return &fixture{journal: j, db: db, ledger: led, entities: ents, alerts: alerts}
}

func (f *fixture) enqueue(t *testing.T, sub Submission) *Entry {
	t.Helper()
	e, err := f.journal.Enqueue(context.Background(), sub)
	require.NoError(t, err)
	return e
}

func (f *fixture) drain(t *testing.T) *DrainResult {
	t.Helper()
	res, err := f.journal.Drain(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) entryStatus(t *testing.T, id string) *Entry {
	t.Helper()
	e, err := f.journal.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

// backdate rewrites a persisted entry's creation time; the pending index row
// keeps its position, only reconciliation input changes.
func (f *fixture) backdate(t *testing.T, e *Entry, by time.Duration) {
	t.Helper()
	stored, err := f.journal.Get(context.Background(), e.ID)
	require.NoError(t, err)
	stored.CreatedAt = stored.CreatedAt.Add(-by)
	record, err := codec.EncodeRecord(stored, 0)
	require.NoError(t, err)
	require.NoError(t, f.db.Write(context.Background(), entryKey(e.ID), record))
}

func createSub(tenantID, author, entityID string, value map[string]any) Submission {
	return Submission{
		Tenant:     tenantID,
		Author:     author,
		EntityType: "transaction",
		EntityID:   entityID,
		Operation:  interceptor.OpCreate,
		Payload:    value,
	}
}

func updateSub(tenantID, author, entityID string, patch map[string]any, clock vclock.Clock) Submission {
	return Submission{
		Tenant:     tenantID,
		Author:     author,
		EntityType: "transaction",
		EntityID:   entityID,
		Operation:  interceptor.OpUpdate,
		Payload:    patch,
		Clock:      clock,
	}
}

func TestSingleCreateDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.enqueue(t, createSub("t1", "alice", "tx1", map[string]any{"amount": 100, "category": "food"}))
	require.Equal(t, StatusPending, e.Status)

	res := f.drain(t)
	require.Equal(t, 1, res.Applied)

	got := f.entryStatus(t, e.ID)
	require.Equal(t, StatusApplied, got.Status)
	require.NotNil(t, got.AppliedAt)
	require.NotEmpty(t, got.LedgerEventID)

	ent, err := f.entities.Get(ctx, "t1", "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), ent.Version)
	require.Equal(t, uint64(1), ent.LedgerSeq)

	event, err := f.ledger.BySeq(ctx, "t1", 1)
	require.NoError(t, err)
	require.Equal(t, hashing.Genesis, event.PreviousHash)
	require.Equal(t, hashing.EventHash(event.Payload, hashing.Genesis, 1), event.CurrentHash)
	require.Equal(t, got.LedgerEventID, event.ID)

	last, err := f.ledger.FindLast(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), last.Seq)
}

func TestUpdateProducesDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, createSub("t1", "alice", "tx1", map[string]any{"amount": 100, "category": "food"}))
	f.drain(t)

	e := f.enqueue(t, updateSub("t1", "alice", "tx1", map[string]any{"amount": 150}, nil))
	f.drain(t)

	require.Equal(t, StatusApplied, f.entryStatus(t, e.ID).Status)

	ent, err := f.entities.Get(ctx, "t1", "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), ent.Version)

	first, err := f.ledger.BySeq(ctx, "t1", 1)
	require.NoError(t, err)
	second, err := f.ledger.BySeq(ctx, "t1", 2)
	require.NoError(t, err)
	require.Equal(t, first.CurrentHash, second.PreviousHash)
	require.Equal(t, ledger.TypeUpdated, second.Type)

	payload, err := second.DecodePayload()
	require.NoError(t, err)
	require.Equal(t, true, payload["_isDelta"])
	diff := payload["diff"].(map[string]any)
	change := diff["amount"].(map[string]any)
	require.Equal(t, json.Number("100"), change["from"])
	require.Equal(t, json.Number("150"), change["to"])
}

func TestConcurrentUpdateWinsLWW(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, Submission{
		Tenant: "t1", Author: "A", EntityType: "transaction", EntityID: "tx1",
		Operation: interceptor.OpCreate,
		Payload:   map[string]any{"amount": 1, "category": "seed"},
		Clock:     vclock.Clock{"A": 1},
	})
	f.drain(t)

	x := f.enqueue(t, updateSub("t1", "A", "tx1", map[string]any{"category": "from-a"}, vclock.Clock{"A": 2}))
	y := f.enqueue(t, updateSub("t1", "B", "tx1", map[string]any{"category": "from-b"}, vclock.Clock{"A": 1, "B": 1}))
	f.drain(t)

	// X saw the current state and applies; Y is concurrent with X and, being
	// the later proposal, wins last-writer-wins.
	require.Equal(t, StatusApplied, f.entryStatus(t, x.ID).Status)
	yEntry := f.entryStatus(t, y.ID)
	require.Equal(t, StatusConflict, yEntry.Status)
	require.Contains(t, yEntry.ErrorReason, "won last-writer-wins")

	ent, err := f.entities.Get(ctx, "t1", "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), ent.Version)
	require.Equal(t, "from-b", ent.Value["category"])
	require.Equal(t, vclock.Clock{"A": 2, "B": 1}, ent.Clock)

	// The displaced value is retained for inspection.
	require.Len(t, ent.Conflicts, 1)
	require.Equal(t, "A", ent.Conflicts[0].Actor)
	require.Contains(t, string(ent.Conflicts[0].Payload), "from-a")
	require.Equal(t, "LWW", ent.Conflicts[0].Resolution)

	third, err := f.ledger.BySeq(ctx, "t1", 3)
	require.NoError(t, err)
	require.True(t, third.Metadata.Conflict)
	require.True(t, third.Metadata.Applied)

	last, err := f.ledger.FindLast(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), last.Seq)
}

func TestConcurrentUpdateLosesLWW(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, Submission{
		Tenant: "t1", Author: "A", EntityType: "transaction", EntityID: "tx1",
		Operation: interceptor.OpCreate,
		Payload:   map[string]any{"amount": 1, "category": "seed"},
		Clock:     vclock.Clock{"A": 1},
	})
	f.drain(t)
	f.enqueue(t, updateSub("t1", "A", "tx1", map[string]any{"category": "current"}, vclock.Clock{"A": 2}))
	f.drain(t)

	late := f.enqueue(t, updateSub("t1", "B", "tx1", map[string]any{"category": "late"}, vclock.Clock{"A": 1, "B": 1}))
	f.backdate(t, late, time.Hour)
	f.drain(t)

	entry := f.entryStatus(t, late.ID)
	require.Equal(t, StatusConflict, entry.Status)
	require.Contains(t, entry.ErrorReason, "lost last-writer-wins")

	ent, err := f.entities.Get(ctx, "t1", "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, "current", ent.Value["category"])
	require.Equal(t, uint64(3), ent.Version)
	require.Equal(t, vclock.Clock{"A": 2, "B": 1}, ent.Clock)
	require.Len(t, ent.Conflicts, 1)
	require.Equal(t, "B", ent.Conflicts[0].Actor)
	require.Contains(t, string(ent.Conflicts[0].Payload), "late")

	// The losing write still extends the chain, with an empty delta.
	third, err := f.ledger.BySeq(ctx, "t1", 3)
	require.NoError(t, err)
	require.True(t, third.Metadata.Conflict)
	require.False(t, third.Metadata.Applied)
	payload, err := third.DecodePayload()
	require.NoError(t, err)
	require.Equal(t, true, payload["_isDelta"])
	require.Empty(t, payload["diff"])
}

func TestStaleWriteRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, Submission{
		Tenant: "t1", Author: "A", EntityType: "transaction", EntityID: "tx1",
		Operation: interceptor.OpCreate,
		Payload:   map[string]any{"amount": 1},
		Clock:     vclock.Clock{"A": 2},
	})
	f.drain(t)

	stale := f.enqueue(t, updateSub("t1", "A", "tx1", map[string]any{"amount": 99}, vclock.Clock{"A": 1}))
	res := f.drain(t)
	require.Equal(t, 1, res.Stale)

	entry := f.entryStatus(t, stale.ID)
	require.Equal(t, StatusStale, entry.Status)
	require.Empty(t, entry.LedgerEventID)

	ent, err := f.entities.Get(ctx, "t1", "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), ent.Version)
	require.Equal(t, "1", fmt.Sprint(ent.Value["amount"]))

	last, err := f.ledger.FindLast(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), last.Seq)
}

func TestExactClockReplayIsStale(t *testing.T) {
	f := newFixture(t)

	f.enqueue(t, Submission{
		Tenant: "t1", Author: "A", EntityType: "transaction", EntityID: "tx1",
		Operation: interceptor.OpCreate,
		Payload:   map[string]any{"amount": 1},
		Clock:     vclock.Clock{"A": 1},
	})
	f.drain(t)

	replay := f.enqueue(t, updateSub("t1", "A", "tx1", map[string]any{"amount": 2}, vclock.Clock{"A": 1}))
	f.drain(t)
	require.Equal(t, StatusStale, f.entryStatus(t, replay.ID).Status)
}

func TestCreateRacingExistingEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, Submission{
		Tenant: "t1", Author: "A", EntityType: "transaction", EntityID: "tx1",
		Operation: interceptor.OpCreate,
		Payload:   map[string]any{"amount": 1, "category": "first"},
		Clock:     vclock.Clock{"A": 1},
	})
	f.drain(t)

	// A replayed create with no newer knowledge is stale.
	dup := f.enqueue(t, createSub("t1", "A", "tx1", map[string]any{"amount": 2}))
	f.drain(t)
	require.Equal(t, StatusStale, f.entryStatus(t, dup.ID).Status)

	// A genuinely concurrent create goes through conflict resolution.
	race := f.enqueue(t, Submission{
		Tenant: "t1", Author: "B", EntityType: "transaction", EntityID: "tx1",
		Operation: interceptor.OpCreate,
		Payload:   map[string]any{"amount": 3, "category": "second"},
		Clock:     vclock.Clock{"B": 1},
	})
	f.drain(t)

	entry := f.entryStatus(t, race.ID)
	require.Equal(t, StatusConflict, entry.Status)

	ent, err := f.entities.Get(ctx, "t1", "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, "second", ent.Value["category"])
	require.Equal(t, vclock.Clock{"A": 1, "B": 1}, ent.Clock)
	require.Len(t, ent.Conflicts, 1)
}

func TestUpdateMissingEntityIsStale(t *testing.T) {
	f := newFixture(t)

	e := f.enqueue(t, updateSub("t1", "A", "ghost", map[string]any{"amount": 5}, nil))
	f.drain(t)

	entry := f.entryStatus(t, e.ID)
	require.Equal(t, StatusStale, entry.Status)
	require.Contains(t, entry.ErrorReason, "does not exist")
}

func TestDeleteThenUpdateIsStale(t *testing.T) {
	f := newFixture(t)

	f.enqueue(t, createSub("t1", "A", "tx1", map[string]any{"amount": 1}))
	f.drain(t)
	f.enqueue(t, Submission{
		Tenant: "t1", Author: "A", EntityType: "transaction", EntityID: "tx1",
		Operation: interceptor.OpDelete,
	})
	f.drain(t)

	late := f.enqueue(t, updateSub("t1", "A", "tx1", map[string]any{"amount": 2}, nil))
	f.drain(t)

	entry := f.entryStatus(t, late.ID)
	require.Equal(t, StatusStale, entry.Status)
	require.Contains(t, entry.ErrorReason, "deleted")
}

func TestFIFOWithinTenantSinglePass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, createSub("t1", "A", "tx1", map[string]any{"amount": 1, "category": "a"}))
	f.enqueue(t, updateSub("t1", "A", "tx1", map[string]any{"category": "b"}, nil))
	f.enqueue(t, updateSub("t1", "A", "tx1", map[string]any{"category": "c"}, nil))

	res := f.drain(t)
	require.Equal(t, 3, res.Applied)

	ent, err := f.entities.Get(ctx, "t1", "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), ent.Version)
	require.Equal(t, "c", ent.Value["category"])

	types := []string{}
	require.NoError(t, f.ledger.Walk(ctx, "t1", 1, 0, func(ev *ledger.Event) error {
		types = append(types, ev.Type)
		return nil
	}))
	require.Equal(t, []string{ledger.TypeCreated, ledger.TypeUpdated, ledger.TypeUpdated}, types)
}

func TestRetryExhaustionTerminatesAndAlerts(t *testing.T) {
	f := newFixture(t)

	e := f.enqueue(t, createSub("t1", "A", "tx1", map[string]any{"amount": 1}))

	// Every apply batch fails until the third attempt's escalation write.
	f.db.failNext(3)
	for i := 0; i < 3; i++ {
		f.drain(t)
		time.Sleep(20 * time.Millisecond) // let the backoff window lapse
	}

	entry := f.entryStatus(t, e.ID)
	require.Equal(t, StatusConflict, entry.Status)
	require.Equal(t, 3, entry.RetryCount)
	require.Contains(t, entry.ErrorReason, "gave up after 3 attempts")

	alerts := f.alerts.all()
	require.Len(t, alerts, 1)
	require.Equal(t, alert.KindJournalStuck, alerts[0].Kind)
	require.Equal(t, "t1", alerts[0].Tenant)

	// The pending index is clean.
	stats, err := f.journal.Stats(context.Background())
	require.NoError(t, err)
	require.Empty(t, stats.PendingByTenant)
	require.Equal(t, 1, stats.ByStatus[StatusConflict])
}

func TestBackoffDelaysRetry(t *testing.T) {
	f := newFixture(t)
	f.journal.cfg.BackoffBase = time.Hour

	e := f.enqueue(t, createSub("t1", "A", "tx1", map[string]any{"amount": 1}))
	f.db.failNext(1)

	res := f.drain(t)
	require.Equal(t, 1, res.Retried)

	entry := f.entryStatus(t, e.ID)
	require.Equal(t, StatusPending, entry.Status)
	require.Equal(t, 1, entry.RetryCount)
	require.True(t, entry.NextAttemptAt.After(time.Now()))

	// Still backing off: the next pass must not touch it.
	res = f.drain(t)
	require.Zero(t, res.Processed)
	require.Zero(t, res.Retried)
	require.Equal(t, 1, f.entryStatus(t, e.ID).RetryCount)
}

func TestTransientFailureBlocksQueueNotOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.enqueue(t, createSub("t1", "A", "tx1", map[string]any{"amount": 1, "category": "a"}))
	second := f.enqueue(t, updateSub("t1", "A", "tx1", map[string]any{"category": "b"}, nil))

	f.db.failNext(1)
	res := f.drain(t)
	require.Equal(t, 1, res.Retried)
	require.Zero(t, res.Processed)
	// The dependent update was held back, not misapplied against a missing
	// entity.
	require.Equal(t, StatusPending, f.entryStatus(t, second.ID).Status)

	time.Sleep(20 * time.Millisecond)
	res = f.drain(t)
	require.Equal(t, 2, res.Applied)
	require.Equal(t, StatusApplied, f.entryStatus(t, first.ID).Status)
	require.Equal(t, StatusApplied, f.entryStatus(t, second.ID).Status)

	ent, err := f.entities.Get(ctx, "t1", "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), ent.Version)
}

func TestTenantsDrainIndependently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.enqueue(t, createSub("alpha", "A", "tx1", map[string]any{"amount": 1}))
	b := f.enqueue(t, createSub("beta", "B", "tx1", map[string]any{"amount": 2}))

	// Alpha's write path is blocked pending repair; beta must not notice.
	require.NoError(t, f.ledger.Quarantine(ctx, "alpha", "operator test", 0))

	res := f.drain(t)
	require.Equal(t, StatusPending, f.entryStatus(t, a.ID).Status)
	require.Zero(t, f.entryStatus(t, a.ID).RetryCount)
	require.Equal(t, StatusApplied, f.entryStatus(t, b.ID).Status)
	require.Equal(t, 1, res.Applied)

	betaEnt, err := f.entities.Get(ctx, "beta", "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), betaEnt.Version)

	// After repair the held entry applies.
	_, err = f.ledger.Repair(ctx, "alpha")
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, StatusApplied, f.entryStatus(t, a.ID).Status)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		sub  Submission
	}{
		{"bad tenant", Submission{Tenant: "a|b", Author: "u", EntityType: "transaction", Operation: interceptor.OpCreate, Payload: map[string]any{"amount": 1}}},
		{"missing author", Submission{Tenant: "t1", EntityType: "transaction", Operation: interceptor.OpCreate, Payload: map[string]any{"amount": 1}}},
		{"bad operation", Submission{Tenant: "t1", Author: "u", EntityType: "transaction", Operation: "UPSERT", Payload: map[string]any{"amount": 1}}},
		{"unknown type", Submission{Tenant: "t1", Author: "u", EntityType: "gadget", Operation: interceptor.OpCreate, Payload: map[string]any{"x": 1}}},
		{"create missing required", Submission{Tenant: "t1", Author: "u", EntityType: "transaction", Operation: interceptor.OpCreate, Payload: map[string]any{"category": "x"}}},
		{"update without id", Submission{Tenant: "t1", Author: "u", EntityType: "transaction", Operation: interceptor.OpUpdate, Payload: map[string]any{"amount": 1}}},
		{"update without fields", Submission{Tenant: "t1", Author: "u", EntityType: "transaction", EntityID: "tx1", Operation: interceptor.OpUpdate}},
		{"delete without id", Submission{Tenant: "t1", Author: "u", EntityType: "transaction", Operation: interceptor.OpDelete}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.journal.Enqueue(ctx, tc.sub)
			require.ErrorIs(t, err, ErrBadSubmission)
		})
	}
}

func TestEnqueueSealsSensitiveFields(t *testing.T) {
	f := newFixture(t)

	e := f.enqueue(t, createSub("t1", "A", "tx1", map[string]any{
		"amount": 1,
		"note":   "very private",
	}))

	stored := f.entryStatus(t, e.ID)
	note := stored.Payload["note"].(string)
	require.True(t, vault.IsCiphertext(note))
	require.NotContains(t, note, "very private")
}

func TestEnqueueAssignsCreateID(t *testing.T) {
	f := newFixture(t)

	e := f.enqueue(t, createSub("t1", "A", "", map[string]any{"amount": 1}))
	require.NotEmpty(t, e.EntityID)

	f.drain(t)
	_, err := f.entities.Get(context.Background(), "t1", "transaction", e.EntityID)
	require.NoError(t, err)
}

func TestSnapshotProjectsOptimistically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	create := f.enqueue(t, createSub("t1", "A", "tx1", map[string]any{"amount": 1, "category": "a"}))
	snap := f.journal.Snapshot(ctx, create)
	require.Equal(t, true, snap["pending"])
	require.Equal(t, uint64(1), snap["version"])
	require.Equal(t, "a", snap["value"].(map[string]any)["category"])

	f.drain(t)

	update := f.enqueue(t, updateSub("t1", "A", "tx1", map[string]any{"category": "b"}, nil))
	snap = f.journal.Snapshot(ctx, update)
	require.Equal(t, true, snap["pending"])
	require.Equal(t, uint64(2), snap["version"])
	merged := snap["value"].(map[string]any)
	require.Equal(t, "b", merged["category"])
	require.NotNil(t, merged["amount"])
}

func TestMergePolicyUnionsFields(t *testing.T) {
	noteDoc := &entity.Descriptor{
		Type:       "note_doc",
		Keys:       []string{"a", "b", "c"},
		Resolution: vclock.PolicyMerge,
	}
	reg, err := entity.NewRegistry(entity.TransactionDescriptor(), noteDoc)
	require.NoError(t, err)
	f := newFixtureWithRegistry(t, reg)
	ctx := context.Background()

	f.enqueue(t, Submission{
		Tenant: "t1", Author: "A", EntityType: "note_doc", EntityID: "n1",
		Operation: interceptor.OpCreate,
		Payload:   map[string]any{"a": "a0", "b": "b0"},
		Clock:     vclock.Clock{"A": 1},
	})
	f.drain(t)
	f.enqueue(t, Submission{
		Tenant: "t1", Author: "A", EntityType: "note_doc", EntityID: "n1",
		Operation: interceptor.OpUpdate,
		Payload:   map[string]any{"a": "a1"},
		Clock:     vclock.Clock{"A": 2},
	})
	f.drain(t)

	e := f.enqueue(t, Submission{
		Tenant: "t1", Author: "B", EntityType: "note_doc", EntityID: "n1",
		Operation: interceptor.OpUpdate,
		Payload:   map[string]any{"b": "b9", "c": "c9"},
		Clock:     vclock.Clock{"A": 1, "B": 1},
	})
	f.drain(t)

	entry := f.entryStatus(t, e.ID)
	require.Equal(t, StatusConflict, entry.Status)
	require.Contains(t, entry.ErrorReason, "field merge")

	ent, err := f.entities.Get(ctx, "t1", "note_doc", "n1")
	require.NoError(t, err)
	require.Equal(t, "a1", ent.Value["a"])
	require.Equal(t, "b9", ent.Value["b"])
	require.Equal(t, "c9", ent.Value["c"])
	require.Equal(t, uint64(3), ent.Version)
}

func TestGCPrunesOldTerminalEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.enqueue(t, createSub("t1", "A", "tx1", map[string]any{"amount": 1}))
	f.drain(t)
	pending := f.enqueue(t, createSub("t1", "A", "tx2", map[string]any{"amount": 2}))

	// Age the applied entry past retention.
	aged := f.entryStatus(t, done.ID)
	aged.UpdatedAt = aged.UpdatedAt.Add(-31 * 24 * time.Hour)
	record, err := codec.EncodeRecord(aged, 0)
	require.NoError(t, err)
	require.NoError(t, f.db.Write(ctx, entryKey(done.ID), record))

	pruned, err := f.journal.GC(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pruned)

	_, err = f.journal.Get(ctx, done.ID)
	require.ErrorIs(t, err, ErrEntryNotFound)

	// Pending entries are never collected, whatever their age.
	_, err = f.journal.Get(ctx, pending.ID)
	require.NoError(t, err)
}

func TestDrainEmptyJournalIsNoop(t *testing.T) {
	f := newFixture(t)
	res := f.drain(t)
	require.Zero(t, res.Processed)
	require.Zero(t, res.Tenants)
}
