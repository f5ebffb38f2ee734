// Package service wires the presence pipeline together and implements the
// operations behind the HTTP API.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/fleetwatch/internal/adapters/geolocation"
	"github.com/okian/fleetwatch/internal/adapters/iplookup"
	"github.com/okian/fleetwatch/internal/adapters/repository"
	"github.com/okian/fleetwatch/internal/domain/geo"
	"github.com/okian/fleetwatch/internal/domain/geofence"
	"github.com/okian/fleetwatch/internal/domain/model"
	"github.com/okian/fleetwatch/internal/domain/week"
	"github.com/okian/fleetwatch/internal/presence"
	"github.com/okian/fleetwatch/internal/tracker"
	"github.com/okian/fleetwatch/pkg/logger"
	"github.com/okian/fleetwatch/pkg/metrics"
)

// Week navigation actions accepted by NavigateWeek.
const (
	ActionStay    = ""
	ActionPrev    = "prev"
	ActionNext    = "next"
	ActionCurrent = "current"
)

// Detection is the result of placing a point against the terminal geofences.
type Detection struct {
	Inside         bool   `json:"inside"`
	Terminal       string `json:"terminal,omitempty"`
	DistanceMeters int    `json:"distanceMeters,omitempty"`
	Closest        string `json:"closest"`
}

// WeekView is one step of week navigation.
type WeekView struct {
	Window     week.Window `json:"window"`
	Cursor     string      `json:"cursor"`
	CanAdvance bool        `json:"canAdvance"`
	FiscalYear int         `json:"fiscalYear"`
}

// StartRequest opens a server-side tracking session for a remote device.
type StartRequest struct {
	Identity   tracker.Identity
	DeviceInfo map[string]string
	// Address is the client address observed on the request.
	Address string
	// Fix optionally seeds the session so Start does not wait for a push.
	Fix *geo.Fix
}

// session is a tracker fed by fixes pushed over HTTP.
type session struct {
	tracker  *tracker.Tracker
	provider *geolocation.PushProvider
	address  *iplookup.Static
}

// Service implements the API dependencies for the presence dashboard.
type Service struct {
	mu sync.RWMutex

	// Core components
	registry   *geofence.Registry
	store      repository.Store
	subscriber *presence.Subscriber
	sessions   map[string]*session
	listeners  []func([]presence.Entry)

	// Configuration
	interval      time.Duration
	staleAfter    time.Duration
	deviceTimeout time.Duration
	fixOptions    geolocation.Options
	location      *time.Location
	now           func() time.Time

	// State
	started bool
	cancel  context.CancelFunc

	logger logger.Logger
}

// New constructs a new Service. Without WithStore it runs on a private
// in-memory store.
func New(opts ...Option) *Service {
	s := &Service{
		registry:   geofence.DefaultRegistry(),
		sessions:   make(map[string]*session),
		interval:   10 * time.Second,
		fixOptions: geolocation.DefaultOptions(),
		location:   time.UTC,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		s.store = repository.NewMemoryStore()
	}
	if s.staleAfter == 0 {
		s.staleAfter = 2 * s.interval
	}
	if s.deviceTimeout == 0 {
		s.deviceTimeout = 2 * s.interval
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	return s
}

// Start loads the presence view and follows the store's change feed.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.logger.Info(ctx, "starting presence service...")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := presence.New(s.store, presence.WithStaleAfter(s.staleAfter))
	for _, fn := range s.listeners {
		sub.OnChange(s.adapt(fn))
	}
	if err := sub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start presence subscriber: %w", err)
	}

	s.subscriber = sub
	s.cancel = cancel
	s.started = true
	s.logger.Info(ctx, "presence service started",
		logger.Int("terminals", s.registry.Len()),
		logger.Duration("heartbeatInterval", s.interval),
		logger.Duration("staleAfter", s.staleAfter),
		logger.Duration("deviceTimeout", s.deviceTimeout),
	)
	return nil
}

// Stop ends every tracking session, removing their records, and stops the
// presence view. The store stays open.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	sub, cancel := s.subscriber, s.cancel
	s.subscriber, s.cancel = nil, nil
	s.started = false
	s.mu.Unlock()

	ctx := context.Background()
	s.logger.Info(ctx, "stopping presence service...", logger.Int("sessions", len(sessions)))

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			sess.close(ctx)
		}(sess)
	}
	wg.Wait()
	metrics.UpdateTrackingSessions(0)

	if err := sub.Close(); err != nil {
		s.logger.Warn(ctx, "presence subscriber close failed", logger.Error(err))
	}
	cancel()
	s.logger.Info(ctx, "presence service stopped")
}

// OnPresenceChange registers fn to receive the annotated presence list after
// every change. Registrations survive restarts.
func (s *Service) OnPresenceChange(fn func([]presence.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	if s.subscriber != nil {
		s.subscriber.OnChange(s.adapt(fn))
	}
}

func (s *Service) adapt(fn func([]presence.Entry)) presence.Listener {
	return func(recs []model.PresenceRecord) {
		fn(presence.Annotate(recs, s.now(), s.staleAfter))
	}
}

// StartTracking opens a tracking session for req.Identity and starts its
// tracker. Starting a user who already has a session refreshes the observed
// address and returns the current status. A session whose device pushes
// nothing for the device timeout stops refreshing its record until the next
// push.
func (s *Service) StartTracking(ctx context.Context, req StartRequest) (tracker.Status, error) {
	if req.Fix != nil && !req.Fix.Valid() {
		return tracker.Status{}, ErrInvalidFix
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return tracker.Status{}, ErrNotStarted
	}
	if existing, ok := s.sessions[req.Identity.UserID]; ok {
		s.mu.Unlock()
		if req.Address != "" {
			existing.address.Set(req.Address)
		}
		if req.Fix != nil {
			existing.provider.Push(*req.Fix)
		}
		return existing.tracker.Status(), nil
	}

	provider := geolocation.NewPushProvider(geolocation.WithPushClock(s.now))
	address := iplookup.NewStatic(req.Address)
	sess := &session{
		provider: provider,
		address:  address,
		tracker: tracker.New(req.Identity, provider, s.store,
			tracker.WithInterval(s.interval),
			tracker.WithSilenceLimit(s.deviceTimeout),
			tracker.WithFixOptions(s.fixOptions),
			tracker.WithResolver(address),
			tracker.WithRegistry(s.registry),
			tracker.WithDeviceInfo(req.DeviceInfo),
			tracker.WithClock(s.now),
			tracker.WithLogger(s.logger.Named("tracker")),
		),
	}
	if req.Identity.UserID != "" {
		s.sessions[req.Identity.UserID] = sess
	}
	n := len(s.sessions)
	s.mu.Unlock()
	metrics.UpdateTrackingSessions(n)

	if req.Fix != nil {
		provider.Push(*req.Fix)
	}

	// Start may wait for the device's first push, so it runs unlocked.
	if err := sess.tracker.Start(ctx); err != nil {
		s.forget(req.Identity.UserID, sess)
		provider.Close()
		return sess.tracker.Status(), err
	}

	s.logger.Info(ctx, "tracking session started",
		logger.String("userId", req.Identity.UserID),
		logger.String("terminal", sess.tracker.Status().Terminal),
	)
	return sess.tracker.Status(), nil
}

// PushFix delivers a fix reported by the user's device.
func (s *Service) PushFix(_ context.Context, userID string, fix geo.Fix, address string) error {
	if !fix.Valid() {
		return ErrInvalidFix
	}
	sess, err := s.session(userID)
	if err != nil {
		return err
	}
	if address != "" {
		sess.address.Set(address)
	}
	sess.provider.Push(fix)
	return nil
}

// ReportFixError records a location error reported by the user's device,
// such as a revoked permission.
func (s *Service) ReportFixError(_ context.Context, userID string, fixErr error) error {
	sess, err := s.session(userID)
	if err != nil {
		return err
	}
	sess.provider.Fail(fixErr)
	return nil
}

// StopTracking ends the user's session and deletes their record. Stopping a
// user without a session does nothing.
func (s *Service) StopTracking(ctx context.Context, userID string) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	delete(s.sessions, userID)
	n := len(s.sessions)
	s.mu.Unlock()
	if !ok {
		return
	}
	metrics.UpdateTrackingSessions(n)
	sess.close(ctx)
}

// TrackingStatus returns the status of the user's session.
func (s *Service) TrackingStatus(userID string) (tracker.Status, error) {
	sess, err := s.session(userID)
	if err != nil {
		return tracker.Status{}, err
	}
	return sess.tracker.Status(), nil
}

func (s *Service) session(userID string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, userID)
	}
	return sess, nil
}

// forget drops sess if it is still the user's session.
func (s *Service) forget(userID string, sess *session) {
	s.mu.Lock()
	if s.sessions[userID] == sess {
		delete(s.sessions, userID)
	}
	n := len(s.sessions)
	s.mu.Unlock()
	metrics.UpdateTrackingSessions(n)
}

func (sess *session) close(ctx context.Context) {
	sess.tracker.Stop(ctx)
	sess.provider.Close()
}

// Terminals returns the geofences in registry order.
func (s *Service) Terminals() []geofence.Geofence {
	return s.registry.All()
}

// DetectTerminal places p against the terminal geofences.
func (s *Service) DetectTerminal(p geo.Coordinate) Detection {
	d := Detection{Closest: string(s.registry.Closest(p))}
	if m, ok := s.registry.Detect(p); ok {
		d.Inside = true
		d.Terminal = string(m.Terminal)
		d.DistanceMeters = m.DistanceMeters
		metrics.RecordTerminalDetection("inside")
	} else {
		metrics.RecordTerminalDetection("outside")
	}
	return d
}

// WeekWindow returns the ISO week containing at in zone. An empty zone uses
// the service default; a zero instant means now.
func (s *Service) WeekWindow(at time.Time, zone string) (week.Window, error) {
	loc, err := s.zone(zone)
	if err != nil {
		return week.Window{}, err
	}
	if at.IsZero() {
		at = s.now()
	}
	return week.For(at, loc), nil
}

// NavigateWeek applies action to a serialized cursor and returns the new
// position. An empty cursor starts at the current week in zone.
func (s *Service) NavigateWeek(cursor, action, zone string) (WeekView, error) {
	var (
		c   *week.Cursor
		err error
	)
	if cursor == "" {
		loc, zerr := s.zone(zone)
		if zerr != nil {
			return WeekView{}, zerr
		}
		c = week.NewCursor(loc, week.WithClock(s.now))
	} else {
		c, err = week.ParseCursor(cursor, week.WithClock(s.now))
		if err != nil {
			return WeekView{}, err
		}
	}

	switch action {
	case ActionStay:
	case ActionPrev:
		c.Previous()
	case ActionNext:
		c.Next()
	case ActionCurrent:
		c.Current()
	default:
		return WeekView{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	w := c.Window()
	return WeekView{
		Window:     w,
		Cursor:     c.String(),
		CanAdvance: c.CanAdvance(),
		FiscalYear: week.FiscalWeekYear(w.WeekNumber, w.Start.Month(), w.Start.Year()),
	}, nil
}

func (s *Service) zone(zone string) (*time.Location, error) {
	if zone == "" {
		return s.location, nil
	}
	return week.LoadZone(zone)
}

// Presence returns the live presence list, newest heartbeat first.
func (s *Service) Presence() ([]presence.Entry, error) {
	s.mu.RLock()
	sub := s.subscriber
	s.mu.RUnlock()
	if sub == nil {
		return nil, ErrNotStarted
	}
	return sub.Entries(s.now(), s.staleAfter), nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":             s.started,
		"terminals":           s.registry.Len(),
		"trackingSessions":    len(s.sessions),
		"heartbeatIntervalMs": s.interval.Milliseconds(),
		"staleAfterMs":        s.staleAfter.Milliseconds(),
		"deviceTimeoutMs":     s.deviceTimeout.Milliseconds(),
	}

	if s.started {
		stats["presenceRecords"] = s.subscriber.Len()
		metrics.UpdateTrackingSessions(len(s.sessions))
	}

	return stats
}
