package service

import "errors"

var (
	// ErrInvalidParent means the parent is missing or no longer accepts
	// children (closing or done).
	ErrInvalidParent = errors.New("invalid parent")

	// ErrInvalidTransition means the requested state change is not an edge
	// of the node lifecycle, or touches a frozen terminal result.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPermission means the principal may not mutate the node.
	ErrPermission = errors.New("permission denied")

	// ErrInvalidInput means the draft or patch is malformed.
	ErrInvalidInput = errors.New("invalid input")
)
