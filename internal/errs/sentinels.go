// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across local, remote and store layers.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied indicates the remote rejected the call by policy.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConstraint indicates a remote constraint violation (unique, foreign key, check).
	ErrConstraint = errors.New("constraint violation")

	// ErrTransient indicates a network, timeout or availability failure worth retrying.
	ErrTransient = errors.New("transient failure")

	// ErrValidation indicates input rejected locally before any remote call.
	ErrValidation = errors.New("validation")

	// ErrCapacity indicates a bounded collection is full.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrInUse indicates a record is still referenced and cannot be removed.
	ErrInUse = errors.New("in use")

	// ErrUnavailable indicates a requested time range is blocked.
	ErrUnavailable = errors.New("time range unavailable")

	// ErrNoProfile indicates an operation needs a loaded profile.
	ErrNoProfile = errors.New("no profile")

	// ErrUnauthorized indicates a missing or invalid account identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStoreUnavailable indicates the local database could not be opened or used.
	ErrStoreUnavailable = errors.New("local store unavailable")
)
