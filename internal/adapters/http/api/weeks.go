package api

import (
	"net/http"
	"time"

	service "github.com/okian/fleetwatch/internal/app"
	"github.com/okian/fleetwatch/internal/domain/week"
)

// WeekDependencies defines the interface for week calculations.
type WeekDependencies interface {
	WeekWindow(at time.Time, zone string) (week.Window, error)
	NavigateWeek(cursor, action, zone string) (service.WeekView, error)
}

// WeekHandler handles week requests.
type WeekHandler struct {
	deps WeekDependencies
}

// NewWeekHandler creates a new week handler.
func NewWeekHandler(deps WeekDependencies) *WeekHandler {
	return &WeekHandler{deps: deps}
}

// HandleWindow handles GET /weeks?at=&tz= requests. at is RFC3339 and
// defaults to now.
func (h *WeekHandler) HandleWindow(w http.ResponseWriter, r *http.Request) {
	const op = "api.week_window"
	q := r.URL.Query()
	var at time.Time
	if raw := q.Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
			return
		}
		at = parsed
	}
	win, err := h.deps.WeekWindow(at, q.Get("tz"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

type navigateQuery struct {
	Action string `validate:"omitempty,oneof=prev next current"`
}

// HandleNavigate handles GET /weeks/navigate?cursor=&action=&tz= requests.
func (h *WeekHandler) HandleNavigate(w http.ResponseWriter, r *http.Request) {
	const op = "api.navigate_week"
	q := r.URL.Query()
	nav := navigateQuery{Action: q.Get("action")}
	if err := validate.Struct(nav); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	view, err := h.deps.NavigateWeek(q.Get("cursor"), nav.Action, q.Get("tz"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
