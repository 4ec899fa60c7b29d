package rpc

import (
	"context"
	"encoding/json"

	"github.com/tallyhq/tallyd/internal/core/interceptor"
	"github.com/tallyhq/tallyd/internal/core/journal"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/core/vclock"
)

type writeSubmitParams struct {
	Tenant      string          `json:"tenant"`
	Author      string          `json:"author"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Operation   string          `json:"operation"`
	Payload     map[string]any  `json:"payload"`
	VectorClock vclock.Clock    `json:"vectorClock"`
	Metadata    ledger.Metadata `json:"metadata"`
}

type writeSubmitResult struct {
	JournalID string         `json:"journalId"`
	Entity    map[string]any `json:"entity"`
}

// handleWriteSubmit accepts a mutation into the journal and acknowledges with
// the optimistic projection. The authoritative state lands on drain; clients
// confirm through journal_status or the entity stream.
func (s *Server) handleWriteSubmit(ctx context.Context, params json.RawMessage) (any, *RpcError) {
	var p writeSubmitParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}

	meta := p.Metadata
	client := clientMetaFrom(ctx)
	if meta.IP == "" {
		meta.IP = client.ip
	}
	if meta.UserAgent == "" {
		meta.UserAgent = client.userAgent
	}

	entry, err := s.services.Journal.Enqueue(ctx, journal.Submission{
		Tenant:     p.Tenant,
		Author:     p.Author,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
		Operation:  interceptor.Operation(p.Operation),
		Payload:    p.Payload,
		Clock:      p.VectorClock,
		Metadata:   meta,
	})
	if err != nil {
		return nil, fromError(err)
	}

	return writeSubmitResult{
		JournalID: entry.ID,
		Entity:    s.services.Journal.Snapshot(ctx, entry),
	}, nil
}

type journalStatusParams struct {
	JournalID string `json:"journalId"`
}

// handleJournalStatus returns the full journal entry, status and retry
// bookkeeping included.
func (s *Server) handleJournalStatus(ctx context.Context, params json.RawMessage) (any, *RpcError) {
	var p journalStatusParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.JournalID == "" {
		return nil, errInvalidParams("journalId is required")
	}

	entry, err := s.services.Journal.Get(ctx, p.JournalID)
	if err != nil {
		return nil, fromError(err)
	}
	return entry, nil
}
