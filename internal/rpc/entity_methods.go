package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tallyhq/tallyd/internal/core/delta"
	"github.com/tallyhq/tallyd/internal/core/entity"
	"github.com/tallyhq/tallyd/internal/core/ledger"
)

type entityGetParams struct {
	Tenant     string `json:"tenant"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// handleEntityGet returns one projection row. Soft-deleted rows come back
// with their deleted flag set rather than as not found.
func (s *Server) handleEntityGet(ctx context.Context, params json.RawMessage) (any, *RpcError) {
	var p entityGetParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Tenant == "" || p.EntityType == "" || p.EntityID == "" {
		return nil, errInvalidParams("tenant, entityType and entityId are required")
	}

	ent, err := s.services.Entities.Get(ctx, p.Tenant, p.EntityType, p.EntityID)
	if err != nil {
		return nil, fromError(err)
	}
	return ent, nil
}

type entityFindParams struct {
	Tenant         string         `json:"tenant"`
	EntityType     string         `json:"entityType"`
	Filter         map[string]any `json:"filter"`
	IncludeDeleted bool           `json:"includeDeleted"`
}

type entityFindResult struct {
	Entities []*entity.Entity `json:"entities"`
}

// handleEntityFind scans a tenant's entities of one type, matching filter
// fields by equality against the stored value.
func (s *Server) handleEntityFind(ctx context.Context, params json.RawMessage) (any, *RpcError) {
	var p entityFindParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Tenant == "" || p.EntityType == "" {
		return nil, errInvalidParams("tenant and entityType are required")
	}

	rows, err := s.services.Entities.Find(ctx, p.Tenant, p.EntityType, p.Filter, p.IncludeDeleted)
	if err != nil {
		return nil, fromError(err)
	}
	if rows == nil {
		rows = []*entity.Entity{}
	}
	return entityFindResult{Entities: rows}, nil
}

type replayEntityParams struct {
	EntityID string `json:"entityId"`
}

type replayEntityResult struct {
	State   map[string]any  `json:"state"`
	History []*ledger.Event `json:"history"`
}

// handleReplayEntity folds the entity's full event history into a state map,
// independent of the live projection. Divergence between the two is the
// forensic signal this method exists for.
func (s *Server) handleReplayEntity(ctx context.Context, params json.RawMessage) (any, *RpcError) {
	var p replayEntityParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.EntityID == "" {
		return nil, errInvalidParams("entityId is required")
	}

	events, err := s.services.Ledger.HistoryFor(ctx, p.EntityID)
	if err != nil {
		return nil, fromError(err)
	}
	if len(events) == 0 {
		return nil, NewRpcError(CodeNotFound, fmt.Sprintf("no history for entity %s", p.EntityID), labelNotFound)
	}

	steps := make([]delta.Step, 0, len(events))
	for _, ev := range events {
		payload, err := ev.DecodePayload()
		if err != nil {
			return nil, errInternal(fmt.Errorf("decode payload of event %s: %w", ev.ID, err))
		}
		steps = append(steps, delta.Step{Version: ev.Seq, Payload: payload})
	}

	return replayEntityResult{
		State:   delta.Reconstruct(nil, steps),
		History: events,
	}, nil
}
