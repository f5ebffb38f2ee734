package service

import "errors"

// Sentinel errors returned by Service operations.
var (
	ErrNotStarted      = errors.New("service not started")
	ErrSessionNotFound = errors.New("tracking session not found")
	ErrInvalidAction   = errors.New("invalid week action")
	ErrInvalidFix      = errors.New("invalid fix")
)
