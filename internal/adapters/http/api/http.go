// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/okian/fleetwatch/internal/adapters/geolocation"
	"github.com/okian/fleetwatch/internal/adapters/http/swagger"
	service "github.com/okian/fleetwatch/internal/app"
	"github.com/okian/fleetwatch/internal/domain/week"
	"github.com/okian/fleetwatch/internal/tracker"
	"github.com/okian/fleetwatch/pkg/logger"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	TerminalDependencies
	WeekDependencies
	PresenceDependencies
	TrackingDependencies
	StatsProvider
}

var validate = validator.New()

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	terminalHandler *TerminalHandler
	weekHandler     *WeekHandler
	presenceHandler *PresenceHandler
	trackingHandler *TrackingHandler

	stream http.Handler
	logger logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithPresenceStream mounts h (the WebSocket hub) at GET /presence/ws.
func WithPresenceStream(h http.Handler) Option {
	return func(s *Server) {
		s.stream = h
	}
}

// WithLogger sets the request logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		healthHandler:   NewHealthHandler(),
		statsHandler:    NewStatsHandler(deps),
		terminalHandler: NewTerminalHandler(deps),
		weekHandler:     NewWeekHandler(deps),
		presenceHandler: NewPresenceHandler(deps),
		trackingHandler: NewTrackingHandler(deps),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("api")
	}
	return s
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)

	r.Get("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	r.Handle("/metrics", s.healthHandler.MetricsHandler())
	r.Get("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	swagger.Register(r)

	r.Get("/terminals", MetricsMiddleware(s.terminalHandler.HandleList, "terminals"))
	r.Get("/terminals/detect", MetricsMiddleware(s.terminalHandler.HandleDetect, "terminals_detect"))

	r.Get("/weeks", MetricsMiddleware(s.weekHandler.HandleWindow, "weeks"))
	r.Get("/weeks/navigate", MetricsMiddleware(s.weekHandler.HandleNavigate, "weeks_navigate"))

	r.Get("/presence", MetricsMiddleware(s.presenceHandler.HandleList, "presence"))
	if s.stream != nil {
		// Not wrapped: the upgrade needs the raw connection.
		r.Handle("/presence/ws", s.stream)
	}

	r.Post("/tracking/{userID}/start", MetricsMiddleware(s.trackingHandler.HandleStart, "tracking_start"))
	r.Post("/tracking/{userID}/fixes", MetricsMiddleware(s.trackingHandler.HandleFix, "tracking_fixes"))
	r.Get("/tracking/{userID}", MetricsMiddleware(s.trackingHandler.HandleStatus, "tracking_status"))
	r.Delete("/tracking/{userID}", MetricsMiddleware(s.trackingHandler.HandleStop, "tracking_stop"))

	return r
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error(r.Context(), "handler panic",
					logger.String("path", r.URL.Path),
					logger.Any("panic", v))
				writeError(w, http.StatusInternalServerError, "internal_error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError maps service sentinels to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, service.ErrInvalidFix),
		errors.Is(err, service.ErrInvalidAction),
		errors.Is(err, week.ErrInvalidCursor),
		errors.Is(err, week.ErrUnknownZone):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, ErrNotFound), errors.Is(err, service.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, tracker.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", err)
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	case geolocation.Code(err) != "" && geolocation.Code(err) != "Unknown":
		// Location failures are the device's, not ours.
		writeError(w, http.StatusUnprocessableEntity, geolocation.Code(err), err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}
