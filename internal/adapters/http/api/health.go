package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/fleetwatch/pkg/metrics"
)

// HealthHandler handles health and metrics requests.
type HealthHandler struct{}

// NewHealthHandler creates a new health handler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// HandleHealth handles GET /healthz requests.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MetricsHandler serves the service's own Prometheus registry.
func (h *HealthHandler) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})
}
