// Package agent runs a fleet of simulated inspectors. Each inspector is a
// presence tracker walking a loop around a terminal and writing heartbeats
// straight to the shared presence store.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/okian/fleetwatch/internal/adapters/geolocation"
	"github.com/okian/fleetwatch/internal/adapters/iplookup"
	"github.com/okian/fleetwatch/internal/adapters/repository"
	"github.com/okian/fleetwatch/internal/domain/geofence"
	"github.com/okian/fleetwatch/internal/tracker"
	"github.com/okian/fleetwatch/pkg/logger"
)

// Agent owns the simulated inspectors.
type Agent struct {
	cfg      Config
	writer   repository.Writer
	registry *geofence.Registry
	resolver iplookup.Resolver
	logger   logger.Logger

	mu       sync.Mutex
	running  bool
	trackers []*tracker.Tracker
	stats    Stats
}

// New validates cfg and returns an agent that writes through writer.
func New(cfg Config, writer repository.Writer, opts ...Option) (*Agent, error) {
	if cfg.Inspectors < 1 {
		return nil, ErrNoInspectors
	}
	a := &Agent{
		cfg:      withDefaults(cfg),
		writer:   writer,
		registry: geofence.DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logger.Get().Named("agent")
	}
	if a.resolver == nil {
		a.resolver = iplookup.NewHTTPResolver()
	}
	for _, name := range a.cfg.Terminals {
		if _, ok := a.registry.Lookup(geofence.TerminalID(name)); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTerminal, name)
		}
	}
	return a, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.LoopRadius <= 0 {
		cfg.LoopRadius = def.LoopRadius
	}
	if cfg.Speed <= 0 {
		cfg.Speed = def.Speed
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return cfg
}

// UserID returns the stable id of inspector i under namespace, so restarted
// agents overwrite their previous presence rows instead of adding new ones.
func UserID(namespace string, i int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/inspector/%d", namespace, i))).String()
}

// Run starts every inspector, logs progress, and blocks until ctx is done or
// the configured duration elapses. All trackers are stopped before it returns.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.trackers = nil
	a.stats = Stats{Inspectors: a.cfg.Inspectors, StartTime: time.Now()}
	a.mu.Unlock()

	if a.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Duration)
		defer cancel()
	}

	a.logger.Info(ctx, "starting inspectors",
		logger.Int("inspectors", a.cfg.Inspectors),
		logger.Duration("interval", a.cfg.Interval),
		logger.Float64("startRate", a.cfg.StartRate))

	var starting sync.WaitGroup
	a.launch(ctx, &starting)

	ticker := time.NewTicker(a.cfg.StatsInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			a.logStats(ctx, "progress")
		}
	}

	starting.Wait()
	a.stopAll()

	a.mu.Lock()
	a.running = false
	a.stats.EndTime = time.Now()
	a.stats.Duration = a.stats.EndTime.Sub(a.stats.StartTime)
	a.mu.Unlock()

	a.logStats(context.Background(), "final statistics")
	return nil
}

// launch starts inspectors in the background, paced by StartRate.
func (a *Agent) launch(ctx context.Context, starting *sync.WaitGroup) {
	limit := rate.Inf
	if a.cfg.StartRate > 0 {
		limit = rate.Limit(a.cfg.StartRate)
	}
	limiter := rate.NewLimiter(limit, 1)
	terminals := a.terminals()

	starting.Add(1)
	go func() {
		defer starting.Done()
		for i := 0; i < a.cfg.Inspectors; i++ {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			t := a.newTracker(i, terminals[i%len(terminals)])

			a.mu.Lock()
			a.trackers = append(a.trackers, t)
			a.mu.Unlock()

			starting.Add(1)
			go func() {
				defer starting.Done()
				a.start(ctx, t)
			}()
		}
	}()
}

func (a *Agent) start(ctx context.Context, t *tracker.Tracker) {
	err := t.Start(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.stats.Failed++
		a.logger.Warn(ctx, "inspector failed to start",
			logger.String("userId", t.Identity().UserID), logger.Error(err))
		return
	}
	a.stats.Started++
}

func (a *Agent) terminals() []geofence.Geofence {
	if len(a.cfg.Terminals) == 0 {
		return a.registry.All()
	}
	out := make([]geofence.Geofence, 0, len(a.cfg.Terminals))
	for _, name := range a.cfg.Terminals {
		g, _ := a.registry.Lookup(geofence.TerminalID(name))
		out = append(out, g)
	}
	return out
}

func (a *Agent) newTracker(i int, home geofence.Geofence) *tracker.Tracker {
	route := geolocation.NewRouteProvider(
		geolocation.Loop(home.Center(), home.RadiusMeters*a.cfg.LoopRadius, loopWaypoints),
		geolocation.WithSpeed(a.cfg.Speed),
		geolocation.WithPeriod(a.cfg.Period),
	)
	identity := tracker.Identity{
		UserID:      UserID(a.cfg.Namespace, i),
		DisplayName: fmt.Sprintf("Inspector %03d", i+1),
		Role:        "inspector",
		Terminal:    string(home.Name),
	}
	return tracker.New(identity, route, a.writer,
		tracker.WithInterval(a.cfg.Interval),
		tracker.WithResolver(a.resolver),
		tracker.WithRegistry(a.registry),
		tracker.WithDeviceInfo(map[string]string{"agent": a.cfg.Namespace, "platform": "simulated"}),
		tracker.WithLogger(a.logger.Named(identity.UserID)),
	)
}

// stopAll stops every tracker in parallel, bounded by StopTimeout.
func (a *Agent) stopAll() {
	a.mu.Lock()
	trackers := append([]*tracker.Tracker(nil), a.trackers...)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, t := range trackers {
		wg.Add(1)
		go func(t *tracker.Tracker) {
			defer wg.Done()
			t.Stop(ctx)
		}(t)
	}
	wg.Wait()
	a.logger.Info(ctx, "inspectors stopped", logger.Int("count", len(trackers)))
}

// Stats returns a snapshot of the run statistics.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	stats := a.stats
	trackers := append([]*tracker.Tracker(nil), a.trackers...)
	a.mu.Unlock()

	for _, t := range trackers {
		if t.Status().Tracking() {
			stats.Tracking++
		}
	}
	if stats.EndTime.IsZero() && !stats.StartTime.IsZero() {
		stats.Duration = time.Since(stats.StartTime)
	}
	return stats
}

func (a *Agent) logStats(ctx context.Context, msg string) {
	s := a.Stats()
	a.logger.Info(ctx, msg,
		logger.Int("inspectors", s.Inspectors),
		logger.Int("started", s.Started),
		logger.Int("failed", s.Failed),
		logger.Int("tracking", s.Tracking),
		logger.Duration("duration", s.Duration))
}
