package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidTransition is returned when a guarded status update matched no row
	// because the stored status does not allow the requested transition.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned when an insert collides with an existing key
	ErrConflict = errors.New("entity conflict detected")
)

// IsNotFoundError checks if an error is a "not found" error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidTransition checks if an error is a rejected status transition
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
