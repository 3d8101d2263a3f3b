// Package apperr defines the error taxonomy shared by the lifecycle services,
// the realtime layer and the HTTP handlers. Specific errors wrap one of the
// sentinels below so callers can classify them with errors.Is.
package apperr

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("conflict")
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrInvalidInput marks a well-formed request with unusable values.
	ErrInvalidInput = errors.New("invalid input")
)
