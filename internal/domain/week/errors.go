package week

import "errors"

// Sentinel kinds for week errors.
var (
	ErrUnknownZone   = errors.New("unknown time zone")
	ErrInvalidCursor = errors.New("invalid week cursor")
)
