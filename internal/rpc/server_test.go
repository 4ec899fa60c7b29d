package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/core/anchor"
	"github.com/tallyhq/tallyd/internal/core/entity"
	"github.com/tallyhq/tallyd/internal/core/interceptor"
	"github.com/tallyhq/tallyd/internal/core/journal"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/core/locks"
	"github.com/tallyhq/tallyd/internal/core/tenant"
	"github.com/tallyhq/tallyd/internal/metrics"
	"github.com/tallyhq/tallyd/internal/storage/kv"
	"github.com/tallyhq/tallyd/internal/vault"
)

type fixture struct {
	ts      *httptest.Server
	hub     *Hub
	journal *journal.Journal
	anchors *anchor.Builder
	metrics *metrics.Metrics
}

// newFixture stands up the full write path on a memory kv behind a live
// HTTP server, with the hub wired as the entity store's broadcaster.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := kv.NewMemory()
	t.Cleanup(func() { db.Close() })

	lk := locks.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	led, err := ledger.New(db, lk, ledger.Config{QuarantineOnCorruption: true}, zap.NewNop(), m, nil)
	require.NoError(t, err)
	v, err := vault.New("rpc-test-secret", m)
	require.NoError(t, err)
	ic := interceptor.New(led, v, zap.NewNop())

	hub := NewHub(8, zap.NewNop(), m)
	ents := entity.NewStore(db, entity.Default(), ic, lk, hub, zap.NewNop())
	tenants := tenant.NewStore(db)
	jrnl := journal.New(db, ents, tenants, ic, lk, journal.Config{
		BackoffBase: time.Millisecond,
	}, zap.NewNop(), m, nil)
	anchors := anchor.New(db, led, tenants, lk, zap.NewNop(), m, nil)

	srv := NewServer(Config{MethodTimeout: 5 * time.Second}, &Services{
		Tenants:  tenants,
		Journal:  jrnl,
		Entities: ents,
		Ledger:   led,
		Anchors:  anchors,
	}, hub, BuildInfo{Version: "test"}, reg, zap.NewNop(), m)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)

	return &fixture{ts: ts, hub: hub, journal: jrnl, anchors: anchors, metrics: m}
}

// call posts one JSON-RPC request and decodes the envelope.
func (f *fixture) call(t *testing.T, method string, params any) *Response {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		body["params"] = params
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(f.ts.URL, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := &Response{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	require.Equal(t, "2.0", out.JsonRpc)
	return out
}

func (f *fixture) mustResult(t *testing.T, method string, params any) map[string]any {
	t.Helper()
	resp := f.call(t, method, params)
	require.Nil(t, resp.Error, "method %s failed: %+v", method, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok, "result of %s is %T", method, resp.Result)
	return result
}

func (f *fixture) mustError(t *testing.T, method string, params any, code int) *RpcError {
	t.Helper()
	resp := f.call(t, method, params)
	require.NotNil(t, resp.Error, "method %s unexpectedly succeeded", method)
	require.Equal(t, code, resp.Error.Code, "message: %s", resp.Error.Message)
	return resp.Error
}

// submit enqueues a mutation over the wire and returns journal and entity ids.
func (f *fixture) submit(t *testing.T, tenantID, op, entityID string, payload map[string]any) (string, string) {
	t.Helper()
	result := f.mustResult(t, "write_submit", map[string]any{
		"tenant":     tenantID,
		"author":     "alice",
		"entityType": "transaction",
		"entityId":   entityID,
		"operation":  op,
		"payload":    payload,
	})
	journalID, _ := result["journalId"].(string)
	require.NotEmpty(t, journalID)
	ent, _ := result["entity"].(map[string]any)
	require.NotNil(t, ent)
	id, _ := ent["id"].(string)
	require.NotEmpty(t, id)
	return journalID, id
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	_, err := f.journal.Drain(context.Background())
	require.NoError(t, err)
}

func TestWriteSubmitLifecycle(t *testing.T) {
	f := newFixture(t)

	journalID, entityID := f.submit(t, "t1", "CREATE", "", map[string]any{
		"amount": 100, "category": "food",
	})

	// The ack is optimistic: the projection is marked pending until drain.
	status := f.mustResult(t, "journal_status", map[string]any{"journalId": journalID})
	require.Equal(t, string(journal.StatusPending), status["status"])

	f.drain(t)

	status = f.mustResult(t, "journal_status", map[string]any{"journalId": journalID})
	require.Equal(t, string(journal.StatusApplied), status["status"])
	require.NotEmpty(t, status["ledgerEventId"])

	row := f.mustResult(t, "entity_get", map[string]any{
		"tenant": "t1", "entityType": "transaction", "entityId": entityID,
	})
	require.Equal(t, float64(1), row["version"])
	require.Equal(t, float64(1), row["ledgerSequence"])
	value, _ := row["value"].(map[string]any)
	require.Equal(t, float64(100), value["amount"])
	require.Nil(t, row["pending"])
}

func TestWriteSubmitReturnsOptimisticSnapshot(t *testing.T) {
	f := newFixture(t)

	result := f.mustResult(t, "write_submit", map[string]any{
		"tenant":     "t1",
		"author":     "alice",
		"entityType": "transaction",
		"operation":  "CREATE",
		"payload":    map[string]any{"amount": 42, "category": "fuel"},
	})
	ent, _ := result["entity"].(map[string]any)
	require.Equal(t, true, ent["pending"])
	require.Equal(t, "t1", ent["tenant"])
	value, _ := ent["value"].(map[string]any)
	require.Equal(t, float64(42), value["amount"])
}

func TestWriteSubmitRecordsClientOrigin(t *testing.T) {
	f := newFixture(t)

	_, entityID := f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 5, "category": "misc"})
	f.drain(t)

	history := f.mustResult(t, "ledger_history", map[string]any{"entityId": entityID})
	events, _ := history["events"].([]any)
	require.Len(t, events, 1)
	ev, _ := events[0].(map[string]any)
	meta, _ := ev["metadata"].(map[string]any)
	require.NotNil(t, meta)
	require.NotEmpty(t, meta["ip"])
}

func TestWriteSubmitValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		params map[string]any
	}{
		{"missing author", map[string]any{
			"tenant": "t1", "entityType": "transaction", "operation": "CREATE",
			"payload": map[string]any{"amount": 1},
		}},
		{"unknown entity type", map[string]any{
			"tenant": "t1", "author": "alice", "entityType": "spacestation",
			"operation": "CREATE", "payload": map[string]any{"amount": 1},
		}},
		{"unknown operation", map[string]any{
			"tenant": "t1", "author": "alice", "entityType": "transaction",
			"operation": "UPSERT", "payload": map[string]any{"amount": 1},
		}},
		{"invalid tenant id", map[string]any{
			"tenant": "bad|tenant", "author": "alice", "entityType": "transaction",
			"operation": "CREATE", "payload": map[string]any{"amount": 1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rpcErr := f.mustError(t, "write_submit", tc.params, CodeValidation)
			require.Equal(t, "validation", rpcErr.Data)
		})
	}
}

func TestJournalStatusNotFound(t *testing.T) {
	f := newFixture(t)

	rpcErr := f.mustError(t, "journal_status", map[string]any{"journalId": "nope"}, CodeNotFound)
	require.Equal(t, "not_found", rpcErr.Data)

	f.mustError(t, "journal_status", map[string]any{}, CodeInvalidParams)
}

func TestEntityGetNotFound(t *testing.T) {
	f := newFixture(t)

	f.mustError(t, "entity_get", map[string]any{
		"tenant": "t1", "entityType": "transaction", "entityId": "ghost",
	}, CodeNotFound)
	f.mustError(t, "entity_get", map[string]any{"tenant": "t1"}, CodeInvalidParams)
}

func TestEntityFindFilterAndDeleted(t *testing.T) {
	f := newFixture(t)

	_, food := f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 10, "category": "food"})
	f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 20, "category": "fuel"})
	f.drain(t)

	result := f.mustResult(t, "entity_find", map[string]any{
		"tenant": "t1", "entityType": "transaction",
		"filter": map[string]any{"category": "food"},
	})
	rows, _ := result["entities"].([]any)
	require.Len(t, rows, 1)

	f.submit(t, "t1", "DELETE", food, nil)
	f.drain(t)

	result = f.mustResult(t, "entity_find", map[string]any{
		"tenant": "t1", "entityType": "transaction",
	})
	rows, _ = result["entities"].([]any)
	require.Len(t, rows, 1)

	result = f.mustResult(t, "entity_find", map[string]any{
		"tenant": "t1", "entityType": "transaction", "includeDeleted": true,
	})
	rows, _ = result["entities"].([]any)
	require.Len(t, rows, 2)

	// Tenants never see each other's rows.
	result = f.mustResult(t, "entity_find", map[string]any{
		"tenant": "t2", "entityType": "transaction",
	})
	rows, _ = result["entities"].([]any)
	require.Empty(t, rows)
}

func TestLedgerHistoryAndReplay(t *testing.T) {
	f := newFixture(t)

	_, entityID := f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 100, "category": "food"})
	f.drain(t)
	f.submit(t, "t1", "UPDATE", entityID, map[string]any{"amount": 250})
	f.drain(t)

	history := f.mustResult(t, "ledger_history", map[string]any{"entityId": entityID})
	events, _ := history["events"].([]any)
	require.Len(t, events, 2)
	first, _ := events[0].(map[string]any)
	second, _ := events[1].(map[string]any)
	require.Equal(t, ledger.TypeCreated, first["type"])
	require.Equal(t, ledger.TypeUpdated, second["type"])
	require.Equal(t, first["currentHash"], second["previousHash"])

	replay := f.mustResult(t, "replay_entity", map[string]any{"entityId": entityID})
	state, _ := replay["state"].(map[string]any)
	require.Equal(t, float64(250), state["amount"])
	require.Equal(t, "food", state["category"])
	replayed, _ := replay["history"].([]any)
	require.Len(t, replayed, 2)

	f.mustError(t, "replay_entity", map[string]any{"entityId": "ghost"}, CodeNotFound)

	empty := f.mustResult(t, "ledger_history", map[string]any{"entityId": "ghost"})
	events, _ = empty["events"].([]any)
	require.Empty(t, events)
}

func TestLedgerVerifyAndRepair(t *testing.T) {
	f := newFixture(t)

	_, entityID := f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 1, "category": "a"})
	f.submit(t, "t1", "UPDATE", entityID, map[string]any{"amount": 2})
	f.drain(t)

	verify := f.mustResult(t, "ledger_verify", map[string]any{"tenant": "t1"})
	require.Equal(t, true, verify["valid"])
	require.Equal(t, float64(2), verify["checkedEvents"])

	repair := f.mustResult(t, "ledger_repair", map[string]any{"tenant": "t1"})
	require.Equal(t, true, repair["repaired"])

	f.mustError(t, "ledger_verify", map[string]any{}, CodeInvalidParams)
	f.mustError(t, "ledger_repair", map[string]any{}, CodeInvalidParams)
}

func TestAnchorListAndProve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, entityID := f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 10, "category": "a"})
	f.drain(t)

	_, err := f.anchors.RunTenant(ctx, "t1")
	require.NoError(t, err)

	list := f.mustResult(t, "anchor_list", map[string]any{"tenant": "t1"})
	anchors, _ := list["anchors"].([]any)
	require.Len(t, anchors, 1)
	sealed, _ := anchors[0].(map[string]any)
	require.Equal(t, true, sealed["verified"])
	require.NotEmpty(t, sealed["rootHash"])

	history := f.mustResult(t, "ledger_history", map[string]any{"entityId": entityID})
	events, _ := history["events"].([]any)
	ev, _ := events[0].(map[string]any)
	eventID, _ := ev["id"].(string)

	proof := f.mustResult(t, "anchor_prove", map[string]any{"tenant": "t1", "eventId": eventID})
	require.Equal(t, sealed["rootHash"], proof["rootHash"])
	provedAnchor, _ := proof["anchor"].(map[string]any)
	require.Equal(t, float64(1), provedAnchor["startSequence"])

	// Events appended after the last anchor are not provable yet.
	_, laterID := f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 99, "category": "b"})
	f.drain(t)
	later := f.mustResult(t, "ledger_history", map[string]any{"entityId": laterID})
	events, _ = later["events"].([]any)
	ev, _ = events[0].(map[string]any)
	laterEventID, _ := ev["id"].(string)
	f.mustError(t, "anchor_prove", map[string]any{"tenant": "t1", "eventId": laterEventID}, CodeNotFound)
}

func TestServerInfo(t *testing.T) {
	f := newFixture(t)

	f.submit(t, "t1", "CREATE", "", map[string]any{"amount": 1, "category": "a"})
	f.drain(t)

	info := f.mustResult(t, "server_info", nil)

	build, _ := info["build"].(map[string]any)
	require.Equal(t, "test", build["version"])
	require.NotEmpty(t, build["goVersion"])
	require.GreaterOrEqual(t, info["uptimeSeconds"], float64(0))

	methods, _ := info["methods"].([]any)
	require.Contains(t, methods, "write_submit")
	require.Contains(t, methods, "anchor_prove")

	jstats, _ := info["journal"].(map[string]any)
	byStatus, _ := jstats["byStatus"].(map[string]any)
	require.Equal(t, float64(1), byStatus[string(journal.StatusApplied)])

	tenants, _ := info["tenants"].(map[string]any)
	t1, _ := tenants["t1"].(map[string]any)
	require.Equal(t, float64(1), t1["ledgerHeight"])
	require.Equal(t, float64(1), t1["anchorLag"])
}

func TestTransportErrors(t *testing.T) {
	f := newFixture(t)

	post := func(body string) *Response {
		t.Helper()
		resp, err := http.Post(f.ts.URL, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		out := &Response{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		return out
	}

	r := post(`{not json`)
	require.NotNil(t, r.Error)
	require.Equal(t, CodeParse, r.Error.Code)
	require.Nil(t, r.ID)

	r = post(`[{"jsonrpc":"2.0","method":"server_info","id":1}]`)
	require.NotNil(t, r.Error)
	require.Equal(t, CodeInvalidRequest, r.Error.Code)

	r = post(`{"jsonrpc":"1.0","method":"server_info","id":1}`)
	require.NotNil(t, r.Error)
	require.Equal(t, CodeInvalidRequest, r.Error.Code)

	r = post(`{"jsonrpc":"2.0","id":1}`)
	require.NotNil(t, r.Error)
	require.Equal(t, CodeInvalidRequest, r.Error.Code)

	r = post(`{"jsonrpc":"2.0","method":"no_such_method","id":7}`)
	require.NotNil(t, r.Error)
	require.Equal(t, CodeMethodNotFound, r.Error.Code)
	require.Equal(t, float64(7), r.ID)

	resp, err := http.Get(f.ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))

	// A served request shows up on the scrape endpoint.
	f.mustResult(t, "server_info", nil)

	resp, err = http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "tallyd_rpc_requests_total")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewMethodRegistry()
	noop := func(context.Context, json.RawMessage) (any, *RpcError) { return nil, nil }

	require.NoError(t, reg.Register("a", noop))
	require.Error(t, reg.Register("a", noop))
	require.Panics(t, func() { reg.MustRegister("a", noop) })

	_, ok := reg.Get("a")
	require.True(t, ok)
	_, ok = reg.Get("b")
	require.False(t, ok)
}
