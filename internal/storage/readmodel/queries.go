package readmodel

import (
	"context"
	"fmt"
	"time"
)

// timeLayout renders UTC instants at fixed width, so string comparison in
// SQL matches chronological order on every driver.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func stamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// BacklogRow is one (tenant, status) bucket of the journal mirror.
type BacklogRow struct {
	Tenant string `json:"tenant"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Backlog counts mirrored journal entries grouped by tenant and status.
func (s *Store) Backlog(ctx context.Context) ([]BacklogRow, error) {
	const q = `SELECT tenant, status, COUNT(*)
		FROM journal_entries
		GROUP BY tenant, status
		ORDER BY tenant, status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("readmodel: backlog: %w", err)
	}
	defer rows.Close()

	var out []BacklogRow
	for rows.Next() {
		var r BacklogRow
		if err := rows.Scan(&r.Tenant, &r.Status, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventRow is one mirrored ledger event.
type EventRow struct {
	Tenant      string    `json:"tenant"`
	Seq         uint64    `json:"seq"`
	EventID     string    `json:"eventId"`
	EntityType  string    `json:"entityType,omitempty"`
	EntityID    string    `json:"entityId,omitempty"`
	EventType   string    `json:"eventType"`
	Author      string    `json:"author"`
	CurrentHash string    `json:"currentHash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Events lists a tenant's mirrored events newest first, bounded by the
// inclusive [from, until] window where set. A zero bound is open.
func (s *Store) Events(ctx context.Context, tenant string, from, until time.Time, limit int) ([]EventRow, error) {
	q := `SELECT tenant, seq, event_id, entity_type, entity_id, event_type, author, current_hash, created_at
		FROM ledger_events WHERE tenant = ?`
	args := []any{tenant}
	if !from.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, stamp(from))
	}
	if !until.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, stamp(until))
	}
	q += ` ORDER BY seq DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("readmodel: events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			r   EventRow
			seq int64
			at  string
		)
		if err := rows.Scan(&r.Tenant, &seq, &r.EventID, &r.EntityType, &r.EntityID,
			&r.EventType, &r.Author, &r.CurrentHash, &at); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		if r.CreatedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("readmodel: bad created_at %q: %w", at, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AnchorRow is one mirrored anchor.
type AnchorRow struct {
	Tenant       string    `json:"tenant"`
	StartSeq     uint64    `json:"startSequence"`
	EndSeq       uint64    `json:"endSequence"`
	RootHash     string    `json:"rootHash"`
	PrevRootHash string    `json:"prevRootHash"`
	EventCount   int       `json:"eventCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Anchors lists a tenant's anchor history newest first.
func (s *Store) Anchors(ctx context.Context, tenant string, limit int) ([]AnchorRow, error) {
	q := `SELECT tenant, end_seq, start_seq, root_hash, prev_root_hash, event_count, created_at
		FROM merkle_anchors WHERE tenant = ?
		ORDER BY end_seq DESC`
	args := []any{tenant}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("readmodel: anchors: %w", err)
	}
	defer rows.Close()

	var out []AnchorRow
	for rows.Next() {
		var (
			r        AnchorRow
			end, beg int64
			at       string
		)
		if err := rows.Scan(&r.Tenant, &end, &beg, &r.RootHash, &r.PrevRootHash, &r.EventCount, &at); err != nil {
			return nil, err
		}
		r.EndSeq, r.StartSeq = uint64(end), uint64(beg)
		if r.CreatedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("readmodel: bad created_at %q: %w", at, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
