package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrQuarantined is returned for appends to a quarantined tenant.
	ErrQuarantined = errors.New("ledger: tenant is quarantined")

	// ErrEventNotFound is returned when a sequence, id, or hash lookup
	// misses.
	ErrEventNotFound = errors.New("ledger: event not found")

	// ErrIntegrity is the match target for all integrity violations.
	ErrIntegrity = errors.New("ledger: integrity violation")

	// ErrInvalidAppend is returned for appends with missing required fields.
	ErrInvalidAppend = errors.New("ledger: invalid append request")
)

// IntegrityError reports where and why a chain disagreed with recomputation.
type IntegrityError struct {
	Tenant string
	Seq    uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("ledger integrity violation on tenant %s at seq %d: %s", e.Tenant, e.Seq, e.Reason)
	}
	return fmt.Sprintf("ledger integrity violation on tenant %s: %s", e.Tenant, e.Reason)
}

// Is makes errors.Is(err, ErrIntegrity) match.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
