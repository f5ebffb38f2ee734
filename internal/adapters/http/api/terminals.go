package api

import (
	"net/http"
	"strconv"

	service "github.com/okian/fleetwatch/internal/app"
	"github.com/okian/fleetwatch/internal/domain/geo"
	"github.com/okian/fleetwatch/internal/domain/geofence"
)

// TerminalDependencies defines the interface for terminal lookups.
type TerminalDependencies interface {
	Terminals() []geofence.Geofence
	DetectTerminal(p geo.Coordinate) service.Detection
}

// TerminalHandler handles terminal requests.
type TerminalHandler struct {
	deps TerminalDependencies
}

// NewTerminalHandler creates a new terminal handler.
func NewTerminalHandler(deps TerminalDependencies) *TerminalHandler {
	return &TerminalHandler{deps: deps}
}

type terminalsResponse struct {
	Count     int                 `json:"count"`
	Terminals []geofence.Geofence `json:"terminals"`
}

// HandleList handles GET /terminals requests.
func (h *TerminalHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	all := h.deps.Terminals()
	writeJSON(w, http.StatusOK, terminalsResponse{Count: len(all), Terminals: all})
}

type detectQuery struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lon float64 `validate:"gte=-180,lte=180"`
}

// HandleDetect handles GET /terminals/detect?lat=&lon= requests.
func (h *TerminalHandler) HandleDetect(w http.ResponseWriter, r *http.Request) {
	const op = "api.detect_terminal"
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	p := detectQuery{Lat: lat, Lon: lon}
	if err := validate.Struct(p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, h.deps.DetectTerminal(geo.Coordinate{Lat: p.Lat, Lon: p.Lon}))
}
