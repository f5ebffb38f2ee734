package geolocation

import (
	"errors"
	"strings"
)

// Sentinel kinds for location failures.
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("location request timed out")
	ErrUnavailable         = errors.New("geolocation unavailable")
)

var codes = []struct {
	code string
	err  error
}{
	{"PermissionDenied", ErrPermissionDenied},
	{"PositionUnavailable", ErrPositionUnavailable},
	{"Timeout", ErrTimeout},
	{"Unavailable", ErrUnavailable},
}

// Code returns the stable name of a location error: "PermissionDenied",
// "PositionUnavailable", "Timeout", "Unavailable", or "Unknown".
// A nil error has the empty code.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Unknown"
}

// ParseCode maps a code name back to its sentinel, case-insensitively.
func ParseCode(code string) (error, bool) { //nolint:revive // error is the value, not a failure
	for _, c := range codes {
		if strings.EqualFold(code, c.code) {
			return c.err, true
		}
	}
	return nil, false
}
