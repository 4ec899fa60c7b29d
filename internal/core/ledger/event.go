package ledger

import (
	"encoding/json"
	"time"
)

// Event types produced by the mutation path. The ledger itself accepts any
// non-empty type string; domain facts like FUNDS_RESERVED arrive through the
// interceptor's domain-event path.
const (
	TypeCreated = "CREATED"
	TypeUpdated = "UPDATED"
	TypeDeleted = "DELETED"
)

// Metadata is the request context attached to an event.
type Metadata struct {
	DeviceID      string `codec:"deviceId,omitempty" json:"deviceId,omitempty"`
	CorrelationID string `codec:"correlationId,omitempty" json:"correlationId,omitempty"`
	IP            string `codec:"ip,omitempty" json:"ip,omitempty"`
	UserAgent     string `codec:"userAgent,omitempty" json:"userAgent,omitempty"`
	// Conflict marks events emitted by conflict resolution; Applied tells
	// whether the conflicting payload won last-writer-wins.
	Conflict bool `codec:"conflict,omitempty" json:"conflict,omitempty"`
	Applied  bool `codec:"applied,omitempty" json:"applied,omitempty"`
}

// Event is one immutable record in a tenant's append-only sequence.
//
// Payload holds canonical JSON bytes, produced once at append time. Hash
// verification re-reads exactly these bytes, so the chain is immune to
// re-serialization drift.
type Event struct {
	ID              string          `codec:"id" json:"id"`
	Tenant          string          `codec:"tenant" json:"tenant"`
	Seq             uint64          `codec:"seq" json:"seq"`
	Type            string          `codec:"type" json:"type"`
	EntityType      string          `codec:"entityType,omitempty" json:"entityType,omitempty"`
	EntityID        string          `codec:"entityId,omitempty" json:"entityId,omitempty"`
	Payload         json.RawMessage `codec:"payload" json:"payload"`
	Author          string          `codec:"author" json:"author"`
	PreviousEventID string          `codec:"previousEventId,omitempty" json:"previousEventId,omitempty"`
	PreviousHash    string          `codec:"previousHash" json:"previousHash"`
	CurrentHash     string          `codec:"currentHash" json:"currentHash"`
	Metadata        Metadata        `codec:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt       time.Time       `codec:"createdAt" json:"createdAt"`
}

// DecodePayload parses the canonical payload bytes into a generic map with
// number text preserved.
func (e *Event) DecodePayload() (map[string]any, error) {
	if len(e.Payload) == 0 {
		return map[string]any{}, nil
	}
	return decodePayload(e.Payload)
}
