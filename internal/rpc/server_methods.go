package rpc

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

type journalInfo struct {
	Pending  int            `json:"pending"`
	ByStatus map[string]int `json:"byStatus"`
}

type tenantInfo struct {
	LedgerHeight  uint64 `json:"ledgerHeight"`
	Quarantined   bool   `json:"quarantined,omitempty"`
	PendingWrites int    `json:"pendingWrites,omitempty"`
	AnchoredSeq   uint64 `json:"anchoredSeq"`
	AnchorLag     uint64 `json:"anchorLag"`
}

type serverInfoResult struct {
	Build         BuildInfo             `json:"build"`
	UptimeSeconds int64                 `json:"uptimeSeconds"`
	Methods       []string              `json:"methods"`
	Subscribers   int                   `json:"subscribers"`
	Journal       journalInfo           `json:"journal"`
	Tenants       map[string]tenantInfo `json:"tenants"`
}

// handleServerInfo reports build identity, queue depth, and per-tenant chain
// heights. It scans the journal keyspace, so it is an operator surface, not
// something to poll hot.
func (s *Server) handleServerInfo(ctx context.Context, _ json.RawMessage) (any, *RpcError) {
	stats, err := s.services.Journal.Stats(ctx)
	if err != nil {
		return nil, fromError(err)
	}

	info := serverInfoResult{
		Build:         s.build,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Methods:       s.registry.Methods(),
		Subscribers:   s.hub.Subscribers(),
		Journal:       journalInfo{ByStatus: make(map[string]int, len(stats.ByStatus))},
		Tenants:       make(map[string]tenantInfo),
	}
	for status, n := range stats.ByStatus {
		info.Journal.ByStatus[string(status)] = n
	}
	for _, n := range stats.PendingByTenant {
		info.Journal.Pending += n
	}

	ids, err := s.services.Tenants.ActiveIDs(ctx)
	if err != nil {
		return nil, fromError(err)
	}
	for _, id := range ids {
		meta, err := s.services.Ledger.Meta(ctx, id)
		if err != nil {
			return nil, fromError(err)
		}
		ti := tenantInfo{
			LedgerHeight:  meta.LastSeq,
			Quarantined:   meta.Quarantined,
			PendingWrites: stats.PendingByTenant[id],
		}
		latest, err := s.services.Anchors.Latest(ctx, id)
		if err != nil {
			s.logger.Warn("read anchor head", zap.String("tenant", id), zap.Error(err))
		} else if latest != nil {
			ti.AnchoredSeq = latest.EndSeq
		}
		if meta.LastSeq > ti.AnchoredSeq {
			ti.AnchorLag = meta.LastSeq - ti.AnchoredSeq
		}
		info.Tenants[id] = ti
	}

	return info, nil
}
