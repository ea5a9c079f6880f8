package tracking

import "errors"

// Sentinel errors for the tracking endpoints.
var (
	ErrInvalidToken       = errors.New("invalid link")
	ErrBlockedDestination = errors.New("destination not allowed")
	ErrNotFound           = errors.New("not found")
)
