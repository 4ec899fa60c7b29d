package rpc

import (
	"context"
	"encoding/json"

	"github.com/tallyhq/tallyd/internal/core/anchor"
)

type anchorListParams struct {
	Tenant string `json:"tenant"`
}

type anchorListResult struct {
	Anchors []*anchor.Anchor `json:"anchors"`
}

// handleAnchorList returns the tenant's anchor chain in range order.
func (s *Server) handleAnchorList(ctx context.Context, params json.RawMessage) (any, *RpcError) {
	var p anchorListParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Tenant == "" {
		return nil, errInvalidParams("tenant is required")
	}

	anchors, err := s.services.Anchors.List(ctx, p.Tenant)
	if err != nil {
		return nil, fromError(err)
	}
	if anchors == nil {
		anchors = []*anchor.Anchor{}
	}
	return anchorListResult{Anchors: anchors}, nil
}

type anchorProveParams struct {
	Tenant  string `json:"tenant"`
	EventID string `json:"eventId"`
}

// handleAnchorProve builds the event's Merkle inclusion proof against the
// anchor sealing it. Events newer than the last anchor are not provable yet.
func (s *Server) handleAnchorProve(ctx context.Context, params json.RawMessage) (any, *RpcError) {
	var p anchorProveParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Tenant == "" || p.EventID == "" {
		return nil, errInvalidParams("tenant and eventId are required")
	}

	proof, err := s.services.Anchors.Prove(ctx, p.Tenant, p.EventID)
	if err != nil {
		return nil, fromError(err)
	}
	return proof, nil
}
