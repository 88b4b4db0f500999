package domain

import "errors"

var (
	// ErrValidation is wrapped by every Validate failure.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition rejects a status change that is not a lifecycle
	// edge.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrUnknownEngine   = errors.New("unknown engine")
	ErrUnsupportedKind = errors.New("engine does not support media kind")
)
