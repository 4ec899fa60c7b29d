// Package delta computes and applies shallow field-level diffs between entity
// states. Update events carry deltas instead of full snapshots; forensic
// replay folds them back into current state.
package delta

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/tallyhq/tallyd/internal/core/hashing"
)

// MarkerKey flags a payload as a delta rather than a full snapshot.
const MarkerKey = "_isDelta"

// DiffKey holds the per-field changes inside a delta payload.
const DiffKey = "diff"

// ChecksumRoot is the previous-event sentinel for the first checksum in a
// chain.
const ChecksumRoot = "ROOT"

// Change records one field transition.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// excluded reports keys that never participate in diffs: internal bookkeeping
// fields and the ambient timestamps every mutation touches.
func excluded(key string) bool {
	if strings.HasPrefix(key, "__") {
		return true
	}
	return key == "createdAt" || key == "updatedAt"
}

// Equal compares two values by their canonical JSON encoding.
func Equal(a, b any) bool {
	ca, errA := hashing.Canonicalize(a)
	cb, errB := hashing.Canonicalize(b)
	if errA != nil || errB != nil {
		return errA == nil && errB == nil
	}
	return bytes.Equal(ca, cb)
}

// Diff returns the shallow field changes from old to new over the union of
// their keys, skipping excluded keys. Fields present in old but absent from
// new appear with To == nil.
func Diff(old, new map[string]any) map[string]Change {
	changes := make(map[string]Change)
	for key, newVal := range new {
		if excluded(key) {
			continue
		}
		oldVal, existed := old[key]
		if existed && Equal(oldVal, newVal) {
			continue
		}
		changes[key] = Change{From: oldVal, To: newVal}
	}
	for key, oldVal := range old {
		if excluded(key) {
			continue
		}
		if _, kept := new[key]; !kept {
			changes[key] = Change{From: oldVal, To: nil}
		}
	}
	return changes
}

// DeltaPayload wraps changes into the payload shape carried by UPDATED ledger
// events.
func DeltaPayload(changes map[string]Change) map[string]any {
	diff := make(map[string]any, len(changes))
	for key, c := range changes {
		diff[key] = map[string]any{"from": c.From, "to": c.To}
	}
	return map[string]any{MarkerKey: true, DiffKey: diff}
}

// IsDelta reports whether payload is a delta payload.
func IsDelta(payload map[string]any) bool {
	v, ok := payload[MarkerKey]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Apply folds one event payload into state and returns the resulting state.
// Delta payloads write each recorded To value; full payloads shallow-merge.
// The input state is not mutated.
func Apply(state, payload map[string]any) map[string]any {
	next := make(map[string]any, len(state)+len(payload))
	for k, v := range state {
		next[k] = v
	}
	if IsDelta(payload) {
		diff, _ := payload[DiffKey].(map[string]any)
		for key, rawChange := range diff {
			change, ok := rawChange.(map[string]any)
			if !ok {
				continue
			}
			next[key] = change["to"]
		}
		return next
	}
	for k, v := range payload {
		next[k] = v
	}
	return next
}

// Step is one replayable mutation: an ordering key and the event payload.
type Step struct {
	Version uint64
	Payload map[string]any
}

// Reconstruct sorts steps by version ascending and folds Apply over initial.
// It is the authoritative replay used by forensic tooling; the result must
// match the live projection for an intact history.
func Reconstruct(initial map[string]any, steps []Step) map[string]any {
	ordered := make([]Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	state := initial
	if state == nil {
		state = map[string]any{}
	}
	for _, step := range ordered {
		state = Apply(state, step.Payload)
	}
	return state
}

// Checksum hashes the canonical payload concatenated with the previous event
// id, or ChecksumRoot when there is none.
func Checksum(payload any, previousEventID string) (string, error) {
	canonical, err := hashing.Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("checksum payload: %w", err)
	}
	if previousEventID == "" {
		previousEventID = ChecksumRoot
	}
	return hashing.Sum(append(canonical, []byte(previousEventID)...)), nil
}
