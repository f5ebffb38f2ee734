package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/okian/fleetwatch/internal/adapters/geolocation"
	"github.com/okian/fleetwatch/internal/adapters/iplookup"
	service "github.com/okian/fleetwatch/internal/app"
	"github.com/okian/fleetwatch/internal/domain/geo"
	"github.com/okian/fleetwatch/internal/tracker"
)

// TrackingDependencies defines the interface for server-side tracking sessions.
type TrackingDependencies interface {
	StartTracking(ctx context.Context, req service.StartRequest) (tracker.Status, error)
	PushFix(ctx context.Context, userID string, fix geo.Fix, address string) error
	ReportFixError(ctx context.Context, userID string, err error) error
	StopTracking(ctx context.Context, userID string)
	TrackingStatus(userID string) (tracker.Status, error)
}

// TrackingHandler handles tracking session requests.
type TrackingHandler struct {
	deps TrackingDependencies
}

// NewTrackingHandler creates a new tracking handler.
func NewTrackingHandler(deps TrackingDependencies) *TrackingHandler {
	return &TrackingHandler{deps: deps}
}

// fixRequest is one device reading: a position, or the error code the
// device's location API reported instead.
type fixRequest struct {
	Lat       *float64   `json:"lat" validate:"required_without=Error,omitempty,gte=-90,lte=90"`
	Lon       *float64   `json:"lon" validate:"required_without=Error,omitempty,gte=-180,lte=180"`
	Accuracy  float64    `json:"accuracy" validate:"gte=0"`
	Timestamp *time.Time `json:"timestamp"`
	Error     string     `json:"error" validate:"omitempty,oneof=PermissionDenied PositionUnavailable Timeout Unavailable"`
}

func (f fixRequest) fix() geo.Fix {
	out := geo.Fix{AccuracyMeters: f.Accuracy}
	if f.Lat != nil {
		out.Lat = *f.Lat
	}
	if f.Lon != nil {
		out.Lon = *f.Lon
	}
	if f.Timestamp != nil {
		out.Timestamp = *f.Timestamp
	}
	return out
}

type startRequest struct {
	DisplayName string            `json:"displayName" validate:"max=200"`
	Role        string            `json:"role" validate:"max=100"`
	Terminal    string            `json:"terminal" validate:"max=100"`
	DeviceInfo  map[string]string `json:"deviceInfo" validate:"max=32,dive,keys,max=64,endkeys,max=256"`
	Fix         *fixRequest       `json:"fix"`
}

type statusResponse struct {
	UserID         string     `json:"userId"`
	State          string     `json:"state"`
	Tracking       bool       `json:"tracking"`
	Terminal       string     `json:"terminal,omitempty"`
	LastFix        *geo.Fix   `json:"lastFix,omitempty"`
	LastHeartbeat  *time.Time `json:"lastHeartbeat,omitempty"`
	HeartbeatAgeMs int64      `json:"heartbeatAgeMs"`
	Silent         bool       `json:"silent"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	Error          string     `json:"error,omitempty"`
	WatchError     string     `json:"watchError,omitempty"`
}

func newStatusResponse(userID string, st tracker.Status) statusResponse {
	resp := statusResponse{
		UserID:         userID,
		State:          st.State.String(),
		Tracking:       st.Tracking(),
		Terminal:       st.Terminal,
		LastFix:        st.LastFix,
		HeartbeatAgeMs: st.HeartbeatAge.Milliseconds(),
		Silent:         st.Silent,
		ErrorCode:      st.ErrorCode(),
	}
	if !st.LastHeartbeat.IsZero() {
		hb := st.LastHeartbeat
		resp.LastHeartbeat = &hb
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	if st.WatchErr != nil {
		resp.WatchError = st.WatchErr.Error()
	}
	return resp
}

// decode reads an optional JSON body into v and validates it.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return validate.Struct(v)
}

// HandleStart handles POST /tracking/{userID}/start requests.
func (h *TrackingHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	const op = "api.start_tracking"
	userID := chi.URLParam(r, "userID")

	var req startRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	start := service.StartRequest{
		Identity: tracker.Identity{
			UserID:      userID,
			DisplayName: req.DisplayName,
			Role:        req.Role,
			Terminal:    req.Terminal,
		},
		DeviceInfo: req.DeviceInfo,
		Address:    iplookup.ClientAddress(r),
	}
	if req.Fix != nil {
		if req.Fix.Error != "" {
			writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
			return
		}
		fix := req.Fix.fix()
		start.Fix = &fix
	}

	st, err := h.deps.StartTracking(r.Context(), start)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(userID, st))
}

// HandleFix handles POST /tracking/{userID}/fixes requests.
func (h *TrackingHandler) HandleFix(w http.ResponseWriter, r *http.Request) {
	const op = "api.push_fix"
	userID := chi.URLParam(r, "userID")

	var req fixRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	var err error
	if req.Error != "" {
		fixErr, _ := geolocation.ParseCode(req.Error)
		err = h.deps.ReportFixError(r.Context(), userID, fixErr)
	} else {
		err = h.deps.PushFix(r.Context(), userID, req.fix(), iplookup.ClientAddress(r))
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleStatus handles GET /tracking/{userID} requests.
func (h *TrackingHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	st, err := h.deps.TrackingStatus(userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(userID, st))
}

// HandleStop handles DELETE /tracking/{userID} requests.
func (h *TrackingHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.deps.StopTracking(r.Context(), chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}
