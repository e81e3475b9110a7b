package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates a request rejected before any state was mutated.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict indicates a write that collides with existing state.
	ErrConflict = errors.New("conflict")
)
