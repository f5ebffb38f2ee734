package repository

import "github.com/okian/fleetwatch/pkg/logger"

const (
	defaultSubscriberCapacity = 1024
	defaultRedisPrefix        = "fleetwatch"
)

type settings struct {
	subscriberCapacity int
	redisPrefix        string
	logger             logger.Logger
}

func newSettings(opts []Option) settings {
	s := settings{
		subscriberCapacity: defaultSubscriberCapacity,
		redisPrefix:        defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("repository")
	}
	return s
}

// Option configures a store.
type Option func(*settings)

// WithSubscriberCapacity bounds the number of undelivered events per
// subscription. Events beyond it are dropped and counted.
func WithSubscriberCapacity(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.subscriberCapacity = n
		}
	}
}

// WithRedisPrefix sets the key prefix used by the redis backend.
func WithRedisPrefix(prefix string) Option {
	return func(s *settings) {
		if prefix != "" {
			s.redisPrefix = prefix
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}
