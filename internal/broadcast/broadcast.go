// Package broadcast defines the outbound entity-event fan-out boundary. The
// websocket hub implements it for live subscribers; cross-node delivery is an
// external collaborator behind the same interface.
package broadcast

import "context"

// Event type names on the wire.
const (
	TypeEntityCreated = "entity_created"
	TypeEntityUpdated = "entity_updated"
	TypeEntityDeleted = "entity_deleted"
)

// EntityEvent is one committed mutation announced to subscribers.
type EntityEvent struct {
	Type           string `json:"type"`
	Tenant         string `json:"tenant"`
	Entity         any    `json:"entity"`
	LedgerSequence uint64 `json:"ledgerSequence"`
}

// Broadcaster receives committed entity events. Implementations must not
// block the mutation path; slow consumers drop rather than stall.
type Broadcaster interface {
	Publish(ctx context.Context, event EntityEvent)
}

// Nop discards events; the default when no hub is wired.
type Nop struct{}

func (Nop) Publish(context.Context, EntityEvent) {}
