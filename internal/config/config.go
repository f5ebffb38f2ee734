// Package config defines service configuration and how it is loaded.
//
// Conventions:
// - Keys are flat snake_case and match the koanf tags below.
// - Durations are configured in milliseconds; use the accessor methods.
// - Load validates; a Config built by hand should call Validate.
package config

import (
	"time"

	"github.com/okian/fleetwatch/internal/adapters/iplookup"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr" validate:"required"`

	// Store selects the presence backend: memory, redis or postgres.
	Store string `koanf:"store" validate:"oneof=memory redis postgres"`

	RedisAddr     string `koanf:"redis_addr" validate:"required_if=Store redis"`
	RedisPassword string `koanf:"redis_password"`
	RedisPrefix   string `koanf:"redis_prefix" validate:"required"`

	// DatabaseURL is a libpq-style DSN for the postgres backend.
	DatabaseURL string `koanf:"database_url" validate:"required_if=Store postgres"`

	// HeartbeatIntervalMS is how often a tracker refreshes its record.
	HeartbeatIntervalMS int `koanf:"heartbeat_interval_ms" validate:"gt=1000"`

	// StaleAfterMS marks a record stale in presence views. Zero means twice
	// the heartbeat interval.
	StaleAfterMS int `koanf:"stale_after_ms" validate:"gte=0"`

	// DeviceTimeoutMS is how long a server-side session keeps refreshing its
	// record without a push from the device. Zero means twice the heartbeat
	// interval.
	DeviceTimeoutMS int `koanf:"device_timeout_ms" validate:"gte=0"`

	FixTimeoutMS int `koanf:"fix_timeout_ms" validate:"gt=0"`
	FixMaxAgeMS  int `koanf:"fix_max_age_ms" validate:"gte=0"`

	// IPLookupURLs are tried in order to learn an agent's public address.
	IPLookupURLs      []string `koanf:"ip_lookup_urls" validate:"dive,url"`
	IPLookupTimeoutMS int      `koanf:"ip_lookup_timeout_ms" validate:"gt=0"`
	IPCacheTTLMS      int      `koanf:"ip_cache_ttl_ms" validate:"gte=0"`

	// GeofenceFile optionally replaces the built-in terminal list.
	GeofenceFile string `koanf:"geofence_file"`

	// Timezone is the IANA zone used for week windows when a request has none.
	Timezone string `koanf:"timezone" validate:"omitempty,timezone"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		Addr:                ":9080",
		Store:               "memory",
		RedisPrefix:         "fleetwatch",
		HeartbeatIntervalMS: 10_000,
		FixTimeoutMS:        10_000,
		FixMaxAgeMS:         5_000,
		IPLookupURLs:        append([]string(nil), iplookup.DefaultEndpoints...),
		IPLookupTimeoutMS:   3_000,
		IPCacheTTLMS:        60_000,
		Timezone:            "UTC",
	}
}

// HeartbeatInterval returns the tracker heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return ms(c.HeartbeatIntervalMS)
}

// StaleAfter returns the presence staleness window.
func (c *Config) StaleAfter() time.Duration {
	if c.StaleAfterMS == 0 {
		return 2 * c.HeartbeatInterval()
	}
	return ms(c.StaleAfterMS)
}

// DeviceTimeout returns how long a silent device keeps its record fresh.
func (c *Config) DeviceTimeout() time.Duration {
	if c.DeviceTimeoutMS == 0 {
		return 2 * c.HeartbeatInterval()
	}
	return ms(c.DeviceTimeoutMS)
}

// FixTimeout returns how long a tracker waits for its first fix.
func (c *Config) FixTimeout() time.Duration { return ms(c.FixTimeoutMS) }

// FixMaxAge returns the oldest cached fix a tracker accepts.
func (c *Config) FixMaxAge() time.Duration { return ms(c.FixMaxAgeMS) }

// IPLookupTimeout returns the per-endpoint address lookup timeout.
func (c *Config) IPLookupTimeout() time.Duration { return ms(c.IPLookupTimeoutMS) }

// IPCacheTTL returns how long a resolved address is reused.
func (c *Config) IPCacheTTL() time.Duration { return ms(c.IPCacheTTLMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
