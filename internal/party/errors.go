package party

import "errors"

// Lifecycle error taxonomy. Handlers map these onto HTTP statuses; the client
// SDK maps the statuses back onto its own sentinels.
var (
	// ErrNotFound means no active party matches the given code, token or id.
	ErrNotFound = errors.New("party not found")
	// ErrExpired means the party exists but is past its TTL. Surfaced to
	// clients the same as ErrNotFound so old join codes leak nothing.
	ErrExpired = errors.New("party expired")
	// ErrCapacityExceeded means the party already has the maximum number of
	// active members.
	ErrCapacityExceeded = errors.New("party is full")
	// ErrPermissionDenied means a non-host called a host-only operation.
	ErrPermissionDenied = errors.New("only the party host may do this")
	// ErrCodeGenerationExhausted means a unique join code could not be
	// allocated within the bounded attempt count.
	ErrCodeGenerationExhausted = errors.New("could not allocate a unique join code")
	// ErrCodeTaken is returned by the store when an insert collides with
	// another active party's join code. The service retries on it.
	ErrCodeTaken = errors.New("join code already in use")
)
