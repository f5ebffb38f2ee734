package ws

import (
	"net/http"

	"github.com/okian/fleetwatch/pkg/logger"
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithCheckOrigin replaces the origin check. The default accepts any origin.
func WithCheckOrigin(check func(*http.Request) bool) Option {
	return func(h *Hub) {
		if check != nil {
			h.upgrader.CheckOrigin = check
		}
	}
}
