package agent

import "time"

// Fleet defaults.
const (
	defaultInspectors = 10
	defaultNamespace  = "fleetwatch-agent"
	defaultLoopRadius = 0.5
	defaultSpeed      = 1.4
	loopWaypoints     = 12
)

// Timing defaults.
const (
	defaultInterval      = 10 * time.Second
	defaultPeriod        = time.Second
	defaultStatsInterval = 30 * time.Second
	defaultStopTimeout   = 10 * time.Second
)
