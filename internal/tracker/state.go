package tracker

import (
	"time"

	"github.com/okian/fleetwatch/internal/domain/geo"
)

// State is the tracker lifecycle position.
type State int

// Tracker states. Error means the latest heartbeat failed while tracking
// continues.
const (
	Idle State = iota
	Starting
	Active
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Identity is who a tracker reports as.
type Identity struct {
	UserID      string `json:"userId" validate:"required"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	// Terminal is the home terminal used when the device is outside every geofence.
	Terminal    string `json:"terminal"`
}

// Status is a snapshot of a tracker. Silent is set while timer heartbeats
// are withheld for lack of fixes.
type Status struct {
	State         State
	LastFix       *geo.Fix
	LastHeartbeat time.Time
	HeartbeatAge  time.Duration
	Terminal      string
	Silent        bool
	Err           error
	WatchErr      error
}

// Tracking reports whether the tracker is running from the caller's view.
func (s Status) Tracking() bool { return s.State != Idle }

// ErrorCode is ErrorCode(s.Err).
func (s Status) ErrorCode() string { return ErrorCode(s.Err) }
