package anchor

import "errors"

var (
	// ErrNotAnchored is returned when an event's sequence lies past the last
	// sealed range.
	ErrNotAnchored = errors.New("anchor: event is not covered by an anchor")

	// ErrMismatch is returned when a root or inclusion proof disagrees with
	// recomputation from the stored events.
	ErrMismatch = errors.New("anchor: root does not match recomputation")

	// ErrRangeGap is returned when the ledger range to seal is missing
	// events.
	ErrRangeGap = errors.New("anchor: ledger range is incomplete")
)
