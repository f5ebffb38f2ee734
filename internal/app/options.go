package service

import (
	"time"

	"github.com/okian/fleetwatch/internal/adapters/geolocation"
	"github.com/okian/fleetwatch/internal/adapters/repository"
	"github.com/okian/fleetwatch/internal/domain/geofence"
	"github.com/okian/fleetwatch/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegistry sets the geofence registry used for detection and by trackers.
func WithRegistry(r *geofence.Registry) Option {
	return func(s *Service) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithStore sets the shared presence store. The caller keeps ownership and
// closes it after Stop.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithHeartbeatInterval sets the tracker heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStaleAfter sets when presence entries are reported stale.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithDeviceTimeout sets how long a tracking session keeps refreshing its
// record after the device's last push. The default is two heartbeat
// intervals.
func WithDeviceTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.deviceTimeout = d
		}
	}
}

// WithFixOptions sets how trackers wait for their first fix.
func WithFixOptions(o geolocation.Options) Option {
	return func(s *Service) {
		s.fixOptions = o
	}
}

// WithLocation sets the default zone for week windows.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithClock sets the source of "now" for trackers, weeks and presence ages.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
