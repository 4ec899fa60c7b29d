package entity

import "errors"

var (
	// ErrNotFound is returned when no entity exists under the requested key.
	ErrNotFound = errors.New("entity not found")

	// ErrExists is returned when a create targets an id that is already
	// stored for the tenant and type.
	ErrExists = errors.New("entity already exists")

	// ErrDeleted is returned when a write targets a soft-deleted entity.
	ErrDeleted = errors.New("entity is deleted")

	// ErrValidation wraps descriptor validation failures.
	ErrValidation = errors.New("entity validation failed")

	// ErrUnknownType is returned for entity types with no descriptor.
	ErrUnknownType = errors.New("unknown entity type")
)
