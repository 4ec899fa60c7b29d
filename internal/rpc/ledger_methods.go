package rpc

import (
	"context"
	"encoding/json"

	"github.com/tallyhq/tallyd/internal/core/ledger"
)

type ledgerHistoryParams struct {
	EntityID string `json:"entityId"`
}

type ledgerHistoryResult struct {
	Events []*ledger.Event `json:"events"`
}

// handleLedgerHistory returns every event referencing the entity, ordered by
// sequence. An entity nothing was ever recorded for yields an empty list.
func (s *Server) handleLedgerHistory(ctx context.Context, params json.RawMessage) (any, *RpcError) {
	var p ledgerHistoryParams
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
	if events == nil {
		events = []*ledger.Event{}
	}
	return ledgerHistoryResult{Events: events}, nil
}

type ledgerVerifyParams struct {
	Tenant   string `json:"tenant"`
	StartSeq uint64 `json:"startSeq"`
	EndSeq   uint64 `json:"endSeq"`
}

// handleLedgerVerify recomputes the tenant's hash chain over the requested
// window; zero bounds mean the full chain. A detected break alerts and, when
// configured, quarantines, exactly as the scheduled verification does.
func (s *Server) handleLedgerVerify(ctx context.Context, params json.RawMessage) (any, *RpcError) {
	var p ledgerVerifyParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Tenant == "" {
		return nil, errInvalidParams("tenant is required")
	}

	result, err := s.services.Ledger.VerifyChain(ctx, p.Tenant, p.StartSeq, p.EndSeq)
	if err != nil {
		return nil, fromError(err)
	}
	return result, nil
}

type ledgerRepairParams struct {
	Tenant string `json:"tenant"`
}

type ledgerRepairResult struct {
	Repaired     bool                 `json:"repaired"`
	Verification *ledger.VerifyResult `json:"verification"`
}

// handleLedgerRepair re-verifies a quarantined tenant and lifts the
// quarantine when the chain checks out. Repaired stays false while the
// corruption persists.
func (s *Server) handleLedgerRepair(ctx context.Context, params json.RawMessage) (any, *RpcError) {
	var p ledgerRepairParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Tenant == "" {
		return nil, errInvalidParams("tenant is required")
	}

	result, err := s.services.Ledger.Repair(ctx, p.Tenant)
	if err != nil {
		return nil, fromError(err)
	}
	return ledgerRepairResult{Repaired: result.Valid, Verification: result}, nil
}
