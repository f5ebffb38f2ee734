package tracker

import (
	"errors"
	"fmt"

	"github.com/okian/fleetwatch/internal/adapters/geolocation"
)

// Sentinel kinds for tracker errors.
var (
	ErrGeolocationUnavailable = fmt.Errorf("tracker: %w", geolocation.ErrUnavailable)
	ErrUnauthenticated        = errors.New("tracker: no user identity")
	ErrHeartbeatFailed        = errors.New("tracker: heartbeat failed")
	ErrStopped                = errors.New("tracker: stopped during start")
)

// ErrorCode names err the way status consumers display it.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "Unauthenticated"
	case errors.Is(err, ErrHeartbeatFailed):
		return "HeartbeatFailed"
	case errors.Is(err, ErrStopped):
		return "Stopped"
	default:
		return geolocation.Code(err)
	}
}
