package api

import (
	"net/http"
	"time"

	"github.com/okian/fleetwatch/internal/adapters/http/ws"
	"github.com/okian/fleetwatch/internal/presence"
)

// PresenceDependencies defines the interface for the live presence list.
type PresenceDependencies interface {
	Presence() ([]presence.Entry, error)
}

// PresenceHandler handles presence requests.
type PresenceHandler struct {
	deps PresenceDependencies
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(deps PresenceDependencies) *PresenceHandler {
	return &PresenceHandler{deps: deps}
}

// HandleList handles GET /presence requests. The body has the same shape as
// the frames on /presence/ws.
func (h *PresenceHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	entries, err := h.deps.Presence()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws.NewSnapshot(entries, time.Now()))
}
