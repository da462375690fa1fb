package errors

import "errors"

// Request errors. These reject a whole request or a single action.
var (
	ErrAuthentication     = errors.New("authentication required")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("task not found")
	ErrMalformedBatch     = errors.New("malformed sync batch")
)

// Storage/transport errors.
var (
	ErrPersistence   = errors.New("storage unavailable")
	ErrTransport     = errors.New("sync request failed")
	ErrRoundInFlight = errors.New("sync round already in flight")
)
