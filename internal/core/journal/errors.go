package journal

import "errors"

var (
	// ErrEntryNotFound is returned when no entry exists under the given id.
	ErrEntryNotFound = errors.New("journal entry not found")

	// ErrBadSubmission is returned when an enqueue request is malformed.
	ErrBadSubmission = errors.New("invalid journal submission")
)
