// Package vclock implements the vector clocks and conflict verdicts that
// order concurrent writes to a single entity.
package vclock

import "strings"

// Clock maps an actor identifier to its logical counter. A nil Clock behaves
// as the zero clock.
type Clock map[string]uint64

// ActorID builds the canonical actor identifier from a principal and an
// optional device.
func ActorID(principalID, deviceID string) string {
	if deviceID == "" {
		return principalID
	}
	return principalID + "#" + deviceID
}

// Copy returns an independent copy of c.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Counter returns the counter for actor, zero if absent.
func (c Clock) Counter(actor string) uint64 {
	return c[actor]
}

// Tick returns a copy of c with actor's counter incremented.
func Tick(c Clock, actor string) Clock {
	out := c.Copy()
	out[actor]++
	return out
}

// Merge returns the per-key maximum of a and b.
func Merge(a, b Clock) Clock {
	out := a.Copy()
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Equal reports whether a and b have identical counters, treating missing
// keys as zero.
func Equal(a, b Clock) bool {
	for k, v := range a {
		if b[k] != v && v != 0 {
			return false
		}
	}
	for k, v := range b {
		if a[k] != v && v != 0 {
			return false
		}
	}
	return true
}

// HappensBefore reports whether a strictly precedes b: every counter of a is
// at most b's, and at least one is strictly less.
func HappensBefore(a, b Clock) bool {
	strict := false
	for k, av := range a {
		bv := b[k]
		if av > bv {
			return false
		}
		if av < bv {
			strict = true
		}
	}
	for k, bv := range b {
		if _, seen := a[k]; !seen && bv > 0 {
			strict = true
		}
	}
	return strict
}

// Concurrent reports whether neither clock precedes the other.
func Concurrent(a, b Clock) bool {
	return !HappensBefore(a, b) && !HappensBefore(b, a)
}

// Verdict is the outcome of reconciling a proposed write against current
// entity state.
type Verdict int

const (
	// VerdictApply means the writer has seen the current state.
	VerdictApply Verdict = iota
	// VerdictStale means the writer is behind current state; the write is
	// discarded without mutation.
	VerdictStale
	// VerdictConflict means the write is concurrent with current state and
	// goes through conflict resolution.
	VerdictConflict
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "APPLY"
	case VerdictStale:
		return "STALE"
	case VerdictConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Reconcile decides how a proposed write with clock proposed lands against an
// entity currently at clock current.
//
// An exact clock match is a replay of an already-applied write and resolves
// STALE rather than CONFLICT.
func Reconcile(current, proposed Clock) Verdict {
	switch {
	case Equal(current, proposed):
		return VerdictStale
	case HappensBefore(current, proposed):
		return VerdictApply
	case HappensBefore(proposed, current):
		return VerdictStale
	default:
		return VerdictConflict
	}
}

// Compare orders two actor identifiers; used as the deterministic tiebreak
// when wall clocks collide.
func Compare(actorA, actorB string) int {
	return strings.Compare(actorA, actorB)
}
