package entity

import (
	"encoding/json"
	"time"

	"github.com/tallyhq/tallyd/internal/core/vclock"
)

const (
	// MaxConflicts bounds the retained conflict audit trail per entity.
	MaxConflicts = 32

	// MaxProcessingLog bounds the retained processing-log lines per entity.
	MaxProcessingLog = 64
)

// Entity is a stored record plus the consistency bookkeeping that rides with
// it: version counter, vector clock, and the link to its latest ledger event.
type Entity struct {
	ID     string         `codec:"id" json:"id"`
	Tenant string         `codec:"tenant" json:"tenant"`
	Type   string         `codec:"type" json:"type"`
	Value  map[string]any `codec:"value" json:"value"`

	// Version counts applied writes in storage order, starting at 1.
	Version uint64 `codec:"version" json:"version"`

	// Clock is the merged vector clock after the last applied write.
	Clock vclock.Clock `codec:"vectorClock" json:"vectorClock"`

	// LedgerSeq and LastEventID point at the ledger event recording the
	// last applied write.
	LedgerSeq   uint64 `codec:"ledgerSequence" json:"ledgerSequence"`
	LastEventID string `codec:"lastEventId" json:"lastEventId"`

	Deleted   bool       `codec:"deleted" json:"deleted"`
	DeletedAt *time.Time `codec:"deletedAt,omitempty" json:"deletedAt,omitempty"`

	// LastWriter and LastWriteAt identify the proposal that produced the
	// current value; concurrent writers are ranked against them.
	LastWriter  string    `codec:"lastWriter" json:"lastWriter"`
	LastWriteAt time.Time `codec:"lastWriteAt" json:"lastWriteAt"`

	Conflicts     []Conflict `codec:"conflicts,omitempty" json:"conflicts,omitempty"`
	ProcessingLog []string   `codec:"processingLog,omitempty" json:"processingLog,omitempty"`

	CreatedAt time.Time `codec:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `codec:"updatedAt" json:"updatedAt"`
}

// Conflict records one losing side of a concurrent write, kept on the entity
// for audit.
type Conflict struct {
	// Actor is the writer whose value lost.
	Actor    string `codec:"actor" json:"actor"`
	DeviceID string `codec:"deviceId,omitempty" json:"deviceId,omitempty"`

	// At is the losing proposal's wall-clock time.
	At time.Time `codec:"at" json:"at"`

	// Payload holds the overwritten fields: the losing patch when the
	// incoming write lost, or the displaced prior values when it won.
	Payload json.RawMessage `codec:"payload" json:"payload"`

	// Resolution names the winner-selection rule that was applied.
	Resolution string `codec:"resolution" json:"resolution"`
}

// RecordConflict appends c, discarding the oldest entries beyond MaxConflicts.
func (e *Entity) RecordConflict(c Conflict) {
	e.Conflicts = append(e.Conflicts, c)
	if n := len(e.Conflicts); n > MaxConflicts {
		e.Conflicts = append(e.Conflicts[:0], e.Conflicts[n-MaxConflicts:]...)
	}
}

// LogProcessing appends a processing-log line, discarding the oldest entries
// beyond MaxProcessingLog.
func (e *Entity) LogProcessing(line string) {
	e.ProcessingLog = append(e.ProcessingLog, line)
	if n := len(e.ProcessingLog); n > MaxProcessingLog {
		e.ProcessingLog = append(e.ProcessingLog[:0], e.ProcessingLog[n-MaxProcessingLog:]...)
	}
}

// CloneValue returns a shallow copy of the entity value map.
func (e *Entity) CloneValue() map[string]any {
	if e.Value == nil {
		return nil
	}
	out := make(map[string]any, len(e.Value))
	for k, v := range e.Value {
		out[k] = v
	}
	return out
}
