package config

import (
	"fmt"

	"github.com/okian/fleetwatch/internal/adapters/geolocation"
	"github.com/okian/fleetwatch/internal/adapters/iplookup"
	"github.com/okian/fleetwatch/internal/adapters/repository"
	"github.com/okian/fleetwatch/internal/domain/geofence"
)

// StoreConfig returns the presence store selection.
func (c *Config) StoreConfig() repository.Config {
	return repository.Config{
		Backend:       c.Store,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisPrefix:   c.RedisPrefix,
		DatabaseURL:   c.DatabaseURL,
	}
}

// Registry loads GeofenceFile, or returns the built-in terminals when unset.
func (c *Config) Registry() (*geofence.Registry, error) {
	if c.GeofenceFile == "" {
		return geofence.DefaultRegistry(), nil
	}
	reg, err := geofence.LoadFile(c.GeofenceFile)
	if err != nil {
		return nil, fmt.Errorf("%w: geofence_file: %w", ErrInvalidConfig, err)
	}
	return reg, nil
}

// FixOptions bounds every location request.
func (c *Config) FixOptions() geolocation.Options {
	opts := geolocation.DefaultOptions()
	opts.Timeout = c.FixTimeout()
	opts.MaximumAge = c.FixMaxAge()
	return opts
}

// ResolverOptions configures the HTTP address resolver.
func (c *Config) ResolverOptions() []iplookup.Option {
	return []iplookup.Option{
		iplookup.WithEndpoints(c.IPLookupURLs...),
		iplookup.WithTimeout(c.IPLookupTimeout()),
		iplookup.WithCacheTTL(c.IPCacheTTL()),
	}
}
