package tracker

import (
	"time"

	"github.com/okian/fleetwatch/internal/adapters/geolocation"
	"github.com/okian/fleetwatch/internal/adapters/iplookup"
	"github.com/okian/fleetwatch/internal/domain/geofence"
	"github.com/okian/fleetwatch/pkg/logger"
)

const (
	defaultInterval      = 10 * time.Second
	defaultDebounceSlack = time.Second
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithInterval sets the heartbeat period.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithDebounceSlack sets how much earlier than a full interval a location
// update may trigger a heartbeat.
func WithDebounceSlack(d time.Duration) Option {
	return func(t *Tracker) {
		if d >= 0 {
			t.slack = d
		}
	}
}

// WithSilenceLimit stops timer heartbeats once the provider has delivered no
// fix for d. The next fix resumes them. Zero disables the limit.
func WithSilenceLimit(d time.Duration) Option {
	return func(t *Tracker) {
		if d >= 0 {
			t.silence = d
		}
	}
}

// WithFixOptions sets the bounds for every location request.
func WithFixOptions(o geolocation.Options) Option {
	return func(t *Tracker) { t.fixOptions = o }
}

// WithResolver sets the public address resolver.
func WithResolver(r iplookup.Resolver) Option {
	return func(t *Tracker) {
		if r != nil {
			t.resolver = r
		}
	}
}

// WithRegistry sets the geofences used to pick the reported terminal.
func WithRegistry(r *geofence.Registry) Option {
	return func(t *Tracker) {
		if r != nil {
			t.registry = r
		}
	}
}

// WithDeviceInfo attaches device details to every heartbeat.
func WithDeviceInfo(info map[string]string) Option {
	return func(t *Tracker) { t.deviceInfo = info }
}

// WithClock sets the clock used for heartbeat timestamps and the debounce.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}
