package model

import "errors"

var (
	// ErrNotFound reports an unknown thread or record id.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict reports a transition that already happened or cannot happen.
	// Callers treat it as an idempotent no-op.
	ErrStateConflict = errors.New("state conflict")

	// ErrValidation reports malformed input or a malformed draft. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrTransient reports a timeout or rate limit from a capability. Retried with backoff.
	ErrTransient = errors.New("transient capability failure")
)
