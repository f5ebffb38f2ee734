package agent

import "time"

// Config holds configuration for a simulated fleet.
type Config struct {
	Inspectors    int           // Number of simulated inspectors
	Terminals     []string      // Terminals to circle; empty means every registered terminal
	Namespace     string        // Seed for deterministic user ids
	LoopRadius    float64       // Loop radius as a fraction of the terminal's geofence radius
	Speed         float64       // Travel speed in m/s
	Interval      time.Duration // Heartbeat interval
	Period        time.Duration // Location update period
	StartRate     float64       // Trackers started per second; 0 starts all at once
	Duration      time.Duration // Run time; 0 runs until cancelled
	StatsInterval time.Duration // How often progress is logged
	StopTimeout   time.Duration // Upper bound for stopping every tracker
}

// Stats holds run statistics.
type Stats struct {
	Inspectors int
	Started    int
	Failed     int
	Tracking   int
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
}

// DefaultConfig returns the settings used by cmd/agent.
func DefaultConfig() Config {
	return Config{
		Inspectors:    defaultInspectors,
		Namespace:     defaultNamespace,
		LoopRadius:    defaultLoopRadius,
		Speed:         defaultSpeed,
		Interval:      defaultInterval,
		Period:        defaultPeriod,
		StatsInterval: defaultStatsInterval,
		StopTimeout:   defaultStopTimeout,
	}
}
