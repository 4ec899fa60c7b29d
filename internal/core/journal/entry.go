package journal

import (
	"time"

	"github.com/tallyhq/tallyd/internal/core/interceptor"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/core/vclock"
)

// Status is a journal entry's position in its lifecycle. PENDING is the only
// non-terminal status.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApplied  Status = "APPLIED"
	StatusStale    Status = "STALE"
	StatusConflict Status = "CONFLICT"
)

// Terminal reports whether the status ends the entry's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusStale || s == StatusConflict
}

// Entry is one accepted mutation waiting for (or done with) apply.
type Entry struct {
	ID         string                `codec:"id" json:"id"`
	Tenant     string                `codec:"tenant" json:"tenant"`
	Author     string                `codec:"author" json:"author"`
	EntityType string                `codec:"entityType" json:"entityType"`
	EntityID   string                `codec:"entityId" json:"entityId"`
	Operation  interceptor.Operation `codec:"operation" json:"operation"`

	// Payload is the full value for creates and the patch for updates;
	// sensitive fields are sealed before the entry is persisted.
	Payload map[string]any `codec:"payload,omitempty" json:"payload,omitempty"`

	// Clock is the writer's view of the entity's vector clock. Empty means
	// the writer trusts server state and the apply ticks on its behalf.
	Clock vclock.Clock `codec:"vectorClock,omitempty" json:"vectorClock,omitempty"`

	Status      Status `codec:"status" json:"status"`
	RetryCount  int    `codec:"retryCount" json:"retryCount"`
	ErrorReason string `codec:"errorReason,omitempty" json:"errorReason,omitempty"`

	// LedgerEventID links the entry to the event its apply produced; empty
	// for STALE entries.
	LedgerEventID string `codec:"ledgerEventId,omitempty" json:"ledgerEventId,omitempty"`

	Metadata ledger.Metadata `codec:"metadata,omitempty" json:"metadata,omitempty"`

	CreatedAt time.Time  `codec:"createdAt" json:"createdAt"`
	UpdatedAt time.Time  `codec:"updatedAt" json:"updatedAt"`
	AppliedAt *time.Time `codec:"appliedAt,omitempty" json:"appliedAt,omitempty"`

	// NextAttemptAt delays the retry of a transiently failed apply.
	NextAttemptAt time.Time `codec:"nextAttemptAt,omitempty" json:"nextAttemptAt,omitempty"`
}

// Actor returns the writer's vector-clock actor identifier.
func (e *Entry) Actor() string {
	return vclock.ActorID(e.Author, e.Metadata.DeviceID)
}
