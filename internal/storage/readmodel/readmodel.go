// Package readmodel mirrors journal, ledger, and anchor activity into a
// relational store for forensic and reporting queries. Mirror writes happen
// after the authoritative kv commit and are best effort: a failure logs a
// warning and increments a counter, it never reaches the caller. The core
// stores stay the source of truth; verify and replay never read from here.
package readmodel

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	// Both supported drivers register on import; config picks one by name.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tallyhq/tallyd/internal/core/anchor"
	"github.com/tallyhq/tallyd/internal/core/journal"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/metrics"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	_ journal.Sink = (*Store)(nil)
	_ ledger.Sink  = (*Store)(nil)
	_ anchor.Sink  = (*Store)(nil)
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS journal_entries (
		id           TEXT PRIMARY KEY,
		tenant       TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		operation    TEXT NOT NULL,
		status       TEXT NOT NULL,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		error_reason TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS journal_entries_tenant_status
		ON journal_entries (tenant, status)`,
	`CREATE TABLE IF NOT EXISTS ledger_events (
		tenant       TEXT NOT NULL,
		seq          BIGINT NOT NULL,
		event_id     TEXT NOT NULL,
		entity_type  TEXT NOT NULL DEFAULT '',
		entity_id    TEXT NOT NULL DEFAULT '',
		event_type   TEXT NOT NULL,
		author       TEXT NOT NULL,
		current_hash TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (tenant, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_events_tenant_created
		ON ledger_events (tenant, created_at)`,
	`CREATE TABLE IF NOT EXISTS merkle_anchors (
		tenant         TEXT NOT NULL,
		end_seq        BIGINT NOT NULL,
		start_seq      BIGINT NOT NULL,
		root_hash      TEXT NOT NULL,
		prev_root_hash TEXT NOT NULL,
		event_count    INTEGER NOT NULL,
		created_at     TEXT NOT NULL,
		PRIMARY KEY (tenant, end_seq)
	)`,
	`CREATE INDEX IF NOT EXISTS merkle_anchors_tenant_created
		ON merkle_anchors (tenant, created_at DESC)`,
}

// Store is the relational mirror. It satisfies the journal, ledger, and
// anchor sink interfaces.
type Store struct {
	db      *sql.DB
	driver  string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Open connects, applies the schema, and returns the store. The sqlite
// driver is serialized through one connection so concurrent mirror writes
// queue instead of failing busy.
func Open(driver, dsn string, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("readmodel: unknown driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("readmodel: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:      db,
		driver:  driver,
		logger:  logger.Named("readmodel"),
		metrics: m,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(s.rebind(stmt)); err != nil {
			db.Close()
			return nil, fmt.Errorf("readmodel: apply schema: %w", err)
		}
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EntryChanged mirrors a journal entry's current state, inserting on first
// sight and updating status fields on later transitions.
func (s *Store) EntryChanged(ctx context.Context, e *journal.Entry) {
	const q = `INSERT INTO journal_entries
		(id, tenant, entity_type, entity_id, operation, status, retry_count, error_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			error_reason = excluded.error_reason,
			updated_at = excluded.updated_at`
	s.mirror(ctx, "journal entry", q,
		e.ID, e.Tenant, e.EntityType, e.EntityID, string(e.Operation), string(e.Status),
		e.RetryCount, e.ErrorReason, stamp(e.CreatedAt), stamp(e.UpdatedAt))
}

// CommittedEvent mirrors one ledger event. Events are immutable, so a replay
// of a seq already mirrored is dropped.
func (s *Store) CommittedEvent(ctx context.Context, ev *ledger.Event) {
	const q = `INSERT INTO ledger_events
		(tenant, seq, event_id, entity_type, entity_id, event_type, author, current_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, seq) DO NOTHING`
	s.mirror(ctx, "ledger event", q,
		ev.Tenant, int64(ev.Seq), ev.ID, ev.EntityType, ev.EntityID, ev.Type,
		ev.Author, ev.CurrentHash, stamp(ev.CreatedAt))
}

// AnchorSealed mirrors one sealed anchor.
func (s *Store) AnchorSealed(ctx context.Context, a *anchor.Anchor) {
	const q = `INSERT INTO merkle_anchors
		(tenant, end_seq, start_seq, root_hash, prev_root_hash, event_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, end_seq) DO NOTHING`
	s.mirror(ctx, "anchor", q,
		a.Tenant, int64(a.EndSeq), int64(a.StartSeq), a.RootHash, a.PrevRootHash,
		a.EventCount, stamp(a.CreatedAt))
}

// mirror runs one best-effort write. The authoritative commit already
// happened, so the write survives caller cancellation and failures are
// swallowed after logging.
func (s *Store) mirror(ctx context.Context, record, query string, args ...any) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		s.metrics.ReadModelErrors.Inc()
		s.logger.Warn("read model write failed",
			zap.String("record", record), zap.Error(err))
	}
}

// rebind rewrites ? placeholders to $N for postgres. Statements are authored
// with ? and rebound at use.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
