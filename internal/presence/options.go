package presence

import (
	"time"

	"github.com/okian/fleetwatch/pkg/logger"
)

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithStaleAfter sets the heartbeat age after which an entry is stale.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}
