// Package tracker keeps one user's presence record alive while they are on
// shift.
//
// A Tracker takes an initial fix, writes a heartbeat straight away, and then
// follows continuous location updates plus a fallback timer. Heartbeats are
// debounced against the last successful one so a chatty device does not
// flood the shared store. With a silence limit the timer stops refreshing a
// device that has sent nothing for that long, and its record goes stale.
// Stop deletes the user's record.
package tracker

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
	"github.com/okian/fleetwatch/pkg/logger"
	"github.com/okian/fleetwatch/pkg/metrics"
)

// Tracker runs the presence heartbeat for one identity.
type Tracker struct {
	identity   Identity
	provider   geolocation.Provider
	writer     repository.Writer
	resolver   iplookup.Resolver
	registry   *geofence.Registry
	deviceInfo map[string]string
	interval   time.Duration
	slack      time.Duration
	silence    time.Duration
	fixOptions geolocation.Options
	now        func() time.Time
	logger     logger.Logger

	mu            sync.Mutex
	state         State
	lastFix       *geo.Fix
	lastHeartbeat time.Time
	lastReading   time.Time
	silent        bool
	terminal      string
	err           error
	watchErr      error
	cancel        context.CancelFunc
	done          chan struct{}
}

// New returns an idle tracker. provider may be nil on devices without
// location support; Start then fails with ErrGeolocationUnavailable.
func New(identity Identity, provider geolocation.Provider, writer repository.Writer, opts ...Option) *Tracker {
	t := &Tracker{
		identity:   identity,
		provider:   provider,
		writer:     writer,
		resolver:   iplookup.ResolverFunc(func(context.Context) (string, error) { return "", iplookup.ErrNoAddress }),
		registry:   geofence.DefaultRegistry(),
		interval:   defaultInterval,
		slack:      defaultDebounceSlack,
		fixOptions: geolocation.DefaultOptions(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logger.Get().Named("tracker")
	}
	return t
}

// Start begins tracking. It returns once the initial heartbeat has been
// attempted. Calling Start on a running tracker does nothing.
//
// Location failures (permission denied, position unavailable, timeout) leave
// the tracker Idle with the error recorded in Status and send no heartbeat.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Idle {
		t.mu.Unlock()
		return nil
	}
	if t.provider == nil {
		t.err = ErrGeolocationUnavailable
		t.mu.Unlock()
		return ErrGeolocationUnavailable
	}
	if t.identity.UserID == "" {
		t.err = ErrUnauthenticated
		t.mu.Unlock()
		return ErrUnauthenticated
	}
	// The session outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	t.state, t.err, t.watchErr = Starting, nil, nil
	t.lastFix, t.lastHeartbeat, t.lastReading = nil, time.Time{}, time.Time{}
	t.terminal, t.silent = "", false
	t.cancel, t.done = cancel, done
	t.mu.Unlock()

	fix, err := t.initialFix(ctx, runCtx)
	if err != nil {
		t.abortStart(done, err)
		metrics.RecordFixError(geolocation.Code(err))
		t.logger.Warn(ctx, "tracking not started",
			logger.String("userId", t.identity.UserID),
			logger.String("code", ErrorCode(err)),
			logger.Error(err))
		return fmt.Errorf("initial fix: %w", err)
	}

	t.mu.Lock()
	t.lastFix = &fix
	t.lastReading = t.now()
	t.mu.Unlock()

	// The initial heartbeat happens before any continuous update is read.
	t.heartbeat(runCtx, fix)

	watch, err := t.provider.Watch(runCtx, t.fixOptions)
	if err != nil {
		t.logger.Warn(ctx, "continuous updates unavailable, using timer only",
			logger.String("userId", t.identity.UserID),
			logger.Error(err))
		t.mu.Lock()
		t.watchErr = err
		t.mu.Unlock()
	}

	t.mu.Lock()
	if runCtx.Err() != nil {
		t.mu.Unlock()
		close(done)
		return ErrStopped
	}
	t.mu.Unlock()

	go t.run(runCtx, watch, done)

	t.logger.Info(ctx, "tracking started",
		logger.String("userId", t.identity.UserID),
		logger.Duration("interval", t.interval))
	return nil
}

// initialFix asks for one fix, giving up early if the tracker is stopped.
func (t *Tracker) initialFix(ctx, runCtx context.Context) (geo.Fix, error) {
	fixCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	fix, err := t.provider.CurrentPosition(fixCtx, t.fixOptions)
	if err != nil && runCtx.Err() != nil {
		return geo.Fix{}, ErrStopped
	}
	return fix, err
}

func (t *Tracker) abortStart(done chan struct{}, err error) {
	t.mu.Lock()
	if t.done == done {
		t.state = Idle
		t.err = err
		t.cancel()
		t.cancel, t.done = nil, nil
	}
	t.mu.Unlock()
	close(done)
}

// Stop ends tracking and deletes the user's record. Delete failures are
// logged, not returned. Stop is idempotent and safe after a failed Start.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	if t.state == Idle || t.cancel == nil {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	cancel()
	t.state = Idle
	t.mu.Unlock()

	<-done

	if err := t.writer.Delete(ctx, t.identity.UserID); err != nil {
		t.logger.Warn(ctx, "presence cleanup failed",
			logger.String("userId", t.identity.UserID),
			logger.Error(err))
	}
	t.logger.Info(ctx, "tracking stopped", logger.String("userId", t.identity.UserID))
}

// Status returns a snapshot of the tracker.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		State:         t.state,
		LastHeartbeat: t.lastHeartbeat,
		Terminal:      t.terminal,
		Silent:        t.silent,
		Err:           t.err,
		WatchErr:      t.watchErr,
	}
	if t.lastFix != nil {
		fix := *t.lastFix
		s.LastFix = &fix
	}
	if !t.lastHeartbeat.IsZero() {
		s.HeartbeatAge = t.now().Sub(t.lastHeartbeat)
	}
	return s
}

// Identity returns who the tracker reports as.
func (t *Tracker) Identity() Identity { return t.identity }

// run serializes continuous updates and timer ticks so the debounce check
// and the last heartbeat time share one critical section.
func (t *Tracker) run(ctx context.Context, watch <-chan geolocation.Reading, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case r, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			if r.Err != nil {
				metrics.RecordFixError(geolocation.Code(r.Err))
				t.logger.Warn(ctx, "location update failed",
					logger.String("userId", t.identity.UserID),
					logger.Error(r.Err))
				t.mu.Lock()
				t.watchErr = r.Err
				t.mu.Unlock()
				continue
			}
			t.mu.Lock()
			fix := r.Fix
			t.lastFix = &fix
			t.lastReading = t.now()
			resumed := t.silent
			t.silent = false
			t.watchErr = nil
			t.mu.Unlock()
			if resumed {
				t.logger.Info(ctx, "device reporting again",
					logger.String("userId", t.identity.UserID))
			}
			if !t.due() {
				metrics.RecordHeartbeatDebounced()
				continue
			}
			t.heartbeat(ctx, fix)

		case <-ticker.C:
			t.mu.Lock()
			last := t.lastFix
			quiet := t.silence > 0 && t.now().Sub(t.lastReading) > t.silence
			announce := quiet && !t.silent
			if quiet {
				t.silent = true
			}
			t.mu.Unlock()
			if quiet {
				metrics.RecordHeartbeatWithheld()
				if announce {
					t.logger.Warn(ctx, "device silent, heartbeats withheld",
						logger.String("userId", t.identity.UserID),
						logger.Duration("limit", t.silence))
				}
				continue
			}
			if last == nil || !t.due() {
				continue
			}
			t.heartbeat(ctx, *last)
		}
	}
}

// due reports whether enough time has passed since the last successful
// heartbeat.
func (t *Tracker) due() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastHeartbeat.IsZero() {
		return true
	}
	guard := t.interval - t.slack
	if guard < 0 {
		guard = 0
	}
	return t.now().Sub(t.lastHeartbeat) >= guard
}

func (t *Tracker) heartbeat(ctx context.Context, fix geo.Fix) {
	began := time.Now()

	var sourceIP *string
	if addr, err := t.resolver.Resolve(ctx); err == nil {
		sourceIP = &addr
	} else {
		t.logger.Debug(ctx, "public address unknown", logger.Error(err))
	}

	terminal := t.terminalFor(fix.Coordinate)
	rec := model.PresenceRecord{
		UserID:         t.identity.UserID,
		DisplayName:    t.identity.DisplayName,
		Role:           t.identity.Role,
		Terminal:       terminal,
		Lat:            fix.Lat,
		Lon:            fix.Lon,
		AccuracyMeters: fix.AccuracyMeters,
		LastHeartbeat:  t.now().UTC(),
		SourceIP:       sourceIP,
		DeviceInfo:     t.deviceInfo,
	}
	err := t.writer.Upsert(ctx, rec)

	t.mu.Lock()
	defer t.mu.Unlock()
	// Stop cancels ctx under the lock before moving to Idle.
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.state = Error
		t.err = fmt.Errorf("%w: %w", ErrHeartbeatFailed, err)
		metrics.RecordHeartbeatFailed()
		metrics.RecordErrorByComponent("tracker", "upsert")
		t.logger.Warn(ctx, "heartbeat failed",
			logger.String("userId", t.identity.UserID),
			logger.Error(err))
		return
	}
	t.state = Active
	t.err = nil
	t.lastHeartbeat = rec.LastHeartbeat
	t.terminal = terminal
	metrics.RecordHeartbeatSent(float64(time.Since(began).Microseconds()) / 1000)
	t.logger.Debug(ctx, "heartbeat sent",
		logger.String("userId", t.identity.UserID),
		logger.String("terminal", terminal))
}

// terminalFor picks the geofence the device is in, else the home terminal,
// else the nearest geofence.
func (t *Tracker) terminalFor(c geo.Coordinate) string {
	if m, ok := t.registry.Detect(c); ok {
		metrics.RecordTerminalDetection("matched")
		return string(m.Terminal)
	}
	metrics.RecordTerminalDetection("unmatched")
	if t.identity.Terminal != "" {
		return t.identity.Terminal
	}
	return string(t.registry.Closest(c))
}
