package geofence

import "errors"

// Sentinel kinds for registry errors.
var (
	ErrInvalidGeofence = errors.New("invalid geofence")
	ErrDuplicateName   = errors.New("duplicate geofence name")
	ErrEmptyRegistry   = errors.New("geofence file has no entries")
)
