// Package geolocation provides location sources for the presence tracker.
package geolocation

import (
	"context"
	"time"

	"github.com/okian/fleetwatch/internal/domain/geo"
)

// Options bound a location request.
type Options struct {
	// Timeout is the longest a request may wait for a fix.
	Timeout time.Duration
	// MaximumAge is the oldest cached fix a request may return.
	MaximumAge time.Duration
	// HighAccuracy asks the device for its best fix.
	HighAccuracy bool
}

// DefaultOptions are the bounds used for every tracker request.
func DefaultOptions() Options {
	return Options{Timeout: 10 * time.Second, MaximumAge: 5 * time.Second, HighAccuracy: true}
}

// Reading is one continuous update: a fix, or the error that replaced it.
type Reading struct {
	Fix geo.Fix
	Err error
}

// Provider is a platform location API.
type Provider interface {
	// CurrentPosition returns one fix within opts bounds.
	CurrentPosition(ctx context.Context, opts Options) (geo.Fix, error)
	// Watch streams updates until ctx ends, then closes the channel.
	Watch(ctx context.Context, opts Options) (<-chan Reading, error)
}
