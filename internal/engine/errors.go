package engine

import "errors"

var (
	// ErrLeaseMismatch means the caller does not own the current lease. The
	// usual cause is a reclaim that handed the instance to another agent.
	ErrLeaseMismatch = errors.New("lease mismatch")

	// ErrInvalidTransition means the requested status change is not allowed
	// from the instance's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidRequest means the request is malformed or references
	// something the project does not define.
	ErrInvalidRequest = errors.New("invalid request")
)
