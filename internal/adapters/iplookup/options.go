package iplookup

import (
	"net/http"
	"time"

	"github.com/okian/fleetwatch/pkg/logger"
)

// Option configures an HTTPResolver.
type Option func(*HTTPResolver)

// WithEndpoints replaces the endpoint list. Order is preserved.
func WithEndpoints(endpoints ...string) Option {
	return func(r *HTTPResolver) {
		if len(endpoints) > 0 {
			r.endpoints = append([]string(nil), endpoints...)
		}
	}
}

// WithTimeout sets the per-endpoint timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *HTTPResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithCacheTTL reuses a successful answer for d. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(r *HTTPResolver) {
		if d >= 0 {
			r.cacheTTL = d
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *HTTPResolver) {
		if c != nil {
			r.client = c
		}
	}
}

// WithClock sets the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(r *HTTPResolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *HTTPResolver) {
		if l != nil {
			r.logger = l
		}
	}
}
