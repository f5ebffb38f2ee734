package geolocation

import (
	"context"
	"math"
	"time"

	"github.com/okian/fleetwatch/internal/domain/geo"
)

const (
	defaultSpeed    = 1.4 // walking pace, m/s
	defaultPeriod   = time.Second
	defaultAccuracy = 8.0
)

// RouteProvider simulates a device moving along a closed loop of waypoints
// at constant speed. Its position is a pure function of elapsed time, so
// runs are reproducible under an injected clock.
type RouteProvider struct {
	waypoints []geo.Coordinate
	legs      []float64
	total     float64
	speed     float64
	period    time.Duration
	accuracy  float64
	failure   error
	start     time.Time
	now       func() time.Time
}

// RouteOption configures a RouteProvider.
type RouteOption func(*RouteProvider)

// WithSpeed sets the travel speed in meters per second.
func WithSpeed(mps float64) RouteOption {
	return func(r *RouteProvider) {
		if mps > 0 {
			r.speed = mps
		}
	}
}

// WithPeriod sets how often Watch emits.
func WithPeriod(d time.Duration) RouteOption {
	return func(r *RouteProvider) {
		if d > 0 {
			r.period = d
		}
	}
}

// WithAccuracy sets the reported accuracy radius in meters.
func WithAccuracy(meters float64) RouteOption {
	return func(r *RouteProvider) {
		if meters > 0 {
			r.accuracy = meters
		}
	}
}

// WithFailure makes every request fail with err, e.g. ErrPermissionDenied.
func WithFailure(err error) RouteOption {
	return func(r *RouteProvider) { r.failure = err }
}

// WithRouteClock sets the clock. The route starts at the clock's first reading.
func WithRouteClock(now func() time.Time) RouteOption {
	return func(r *RouteProvider) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouteProvider builds a provider over waypoints, looping back to the first.
func NewRouteProvider(waypoints []geo.Coordinate, opts ...RouteOption) *RouteProvider {
	r := &RouteProvider{
		waypoints: append([]geo.Coordinate(nil), waypoints...),
		speed:     defaultSpeed,
		period:    defaultPeriod,
		accuracy:  defaultAccuracy,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.waypoints {
		d := geo.DistanceMeters(r.waypoints[i], r.waypoints[(i+1)%len(r.waypoints)])
		r.legs = append(r.legs, d)
		r.total += d
	}
	r.start = r.now()
	return r
}

// Loop returns n waypoints on a circle of radius meters around center.
func Loop(center geo.Coordinate, radius float64, n int) []geo.Coordinate {
	if n < 1 {
		n = 1
	}
	out := make([]geo.Coordinate, n)
	latScale := 180 / (math.Pi * geo.EarthRadiusMeters)
	lonScale := latScale / math.Cos(center.Lat*math.Pi/180)
	for i := range out {
		bearing := 2 * math.Pi * float64(i) / float64(n)
		out[i] = geo.Coordinate{
			Lat: center.Lat + radius*math.Cos(bearing)*latScale,
			Lon: center.Lon + radius*math.Sin(bearing)*lonScale,
		}
	}
	return out
}

// Position returns where the device is at t.
func (r *RouteProvider) Position(t time.Time) geo.Coordinate {
	if len(r.waypoints) == 0 {
		return geo.Coordinate{}
	}
	if r.total == 0 {
		return r.waypoints[0]
	}
	traveled := math.Mod(t.Sub(r.start).Seconds()*r.speed, r.total)
	if traveled < 0 {
		traveled += r.total
	}
	for i, leg := range r.legs {
		if traveled <= leg && leg > 0 {
			a, b := r.waypoints[i], r.waypoints[(i+1)%len(r.waypoints)]
			f := traveled / leg
			return geo.Coordinate{Lat: a.Lat + (b.Lat-a.Lat)*f, Lon: a.Lon + (b.Lon-a.Lon)*f}
		}
		traveled -= leg
	}
	return r.waypoints[0]
}

// CurrentPosition implements Provider.
func (r *RouteProvider) CurrentPosition(ctx context.Context, _ Options) (geo.Fix, error) {
	if err := ctx.Err(); err != nil {
		return geo.Fix{}, err
	}
	if r.failure != nil {
		return geo.Fix{}, r.failure
	}
	if len(r.waypoints) == 0 {
		return geo.Fix{}, ErrPositionUnavailable
	}
	return r.fix(r.now()), nil
}

// Watch implements Provider, emitting one fix per period.
func (r *RouteProvider) Watch(ctx context.Context, _ Options) (<-chan Reading, error) {
	if r.failure != nil {
		return nil, r.failure
	}
	if len(r.waypoints) == 0 {
		return nil, ErrPositionUnavailable
	}
	ch := make(chan Reading, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case ch <- Reading{Fix: r.fix(r.now())}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (r *RouteProvider) fix(t time.Time) geo.Fix {
	return geo.Fix{Coordinate: r.Position(t), AccuracyMeters: r.accuracy, Timestamp: t}
}
