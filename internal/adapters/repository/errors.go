package repository

import "errors"

// Sentinel kinds for presence store errors.
var (
	ErrInvalidRecord  = errors.New("invalid presence record")
	ErrClosed         = errors.New("presence store closed")
	ErrUnknownBackend = errors.New("unknown presence store backend")
)
