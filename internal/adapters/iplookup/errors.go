package iplookup

import "errors"

// Sentinel kinds for address lookup errors.
var (
	ErrNoAddress       = errors.New("no public address available")
	ErrInvalidResponse = errors.New("invalid lookup response")
)
