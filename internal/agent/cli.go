package agent

import "os"

// ShowHelp prints usage information for the agent.
func ShowHelp() {
	_, _ = os.Stdout.WriteString(`Fleetwatch Field Agent
======================

Runs simulated inspectors that walk loops around terminals and publish
presence heartbeats straight into the shared presence store.

Usage:
  go run ./cmd/agent [options]

Options:
  -inspectors int
        Number of simulated inspectors (default 10)
  -terminals string
        Comma separated terminals to circle (default: every terminal)
  -namespace string
        Seed for deterministic inspector ids (default "fleetwatch-agent")
  -interval duration
        Heartbeat interval (default 10s)
  -period duration
        Location update period (default 1s)
  -speed float
        Walking speed in m/s (default 1.4)
  -rate float
        Inspectors started per second, 0 starts all at once (default 0)
  -duration duration
        Stop after this long, 0 runs until interrupted (default 0)
  -stats duration
        Progress log interval (default 30s)
  -help
        Show this help message

The store, geofence file and address lookup endpoints come from the same
FLEETWATCH_* environment and config file the server reads.

Examples:
  # Twenty inspectors against a local redis
  FLEETWATCH_STORE=redis FLEETWATCH_REDIS_ADDR=localhost:6379 go run ./cmd/agent -inspectors 20

  # Two minutes around the north terminal, one new inspector per second
  go run ./cmd/agent -terminals NORTH -rate 1 -duration 2m
`)
}
