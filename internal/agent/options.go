package agent

import (
	"github.com/okian/fleetwatch/internal/adapters/iplookup"
	"github.com/okian/fleetwatch/internal/domain/geofence"
	"github.com/okian/fleetwatch/pkg/logger"
)

// Option configures an Agent.
type Option func(*Agent)

// WithRegistry sets the terminals inspectors circle and detect against.
func WithRegistry(r *geofence.Registry) Option {
	return func(a *Agent) {
		if r != nil {
			a.registry = r
		}
	}
}

// WithResolver sets the network address resolver shared by every tracker.
func WithResolver(r iplookup.Resolver) Option {
	return func(a *Agent) {
		if r != nil {
			a.resolver = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}
