package vclock

import "time"

// Policy selects how a CONFLICT verdict is resolved for an entity type.
type Policy int

const (
	// PolicyLWW keeps the write with the later wall-clock proposal time.
	PolicyLWW Policy = iota
	// PolicyMerge unions fields, preferring non-null values from the newer
	// write.
	PolicyMerge
)

func (p Policy) String() string {
	if p == PolicyMerge {
		return "MERGE"
	}
	return "LWW"
}

// LWWInput carries what last-writer-wins needs to pick a side.
type LWWInput struct {
	// IncomingAt is the proposal time of the write under reconciliation.
	IncomingAt time.Time
	// CurrentAt is the proposal time of the last applied write.
	CurrentAt time.Time
	// IncomingActor and CurrentActor break exact wall-clock ties.
	IncomingActor string
	CurrentActor  string
}

// IncomingWins applies last-writer-wins by wall clock with a deterministic
// actor-id tiebreak.
func IncomingWins(in LWWInput) bool {
	if in.IncomingAt.After(in.CurrentAt) {
		return true
	}
	if in.CurrentAt.After(in.IncomingAt) {
		return false
	}
	return Compare(in.IncomingActor, in.CurrentActor) > 0
}

// MergeValues implements the MERGE policy: field-wise union of current and
// incoming, preferring the newer side's value wherever it is non-null.
func MergeValues(current, incoming map[string]any, incomingNewer bool) map[string]any {
	out := make(map[string]any, len(current)+len(incoming))
	older, newer := current, incoming
	if !incomingNewer {
		older, newer = incoming, current
	}
	for k, v := range older {
		out[k] = v
	}
	for k, v := range newer {
		if v == nil {
			if _, exists := out[k]; exists {
				continue
			}
		}
		out[k] = v
	}
	return out
}
