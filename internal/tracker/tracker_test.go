package tracker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/fleetwatch/internal/adapters/geolocation"
	"github.com/okian/fleetwatch/internal/adapters/iplookup"
	"github.com/okian/fleetwatch/internal/adapters/repository"
	"github.com/okian/fleetwatch/internal/domain/geo"
	"github.com/okian/fleetwatch/internal/domain/geofence"
	"github.com/okian/fleetwatch/internal/domain/model"
	"github.com/okian/fleetwatch/internal/tracker"
	"github.com/okian/fleetwatch/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

var central = geo.Coordinate{Lat: 14.5995, Lon: 120.9842}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, time.May, 8, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingWriter struct {
	mu      sync.Mutex
	upserts []model.PresenceRecord
	deletes int
	fail    error
}

func (w *recordingWriter) Upsert(_ context.Context, rec model.PresenceRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.upserts = append(w.upserts, rec)
	return nil
}

func (w *recordingWriter) Delete(context.Context, string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deletes++
	return nil
}

func (w *recordingWriter) setFail(err error) {
	w.mu.Lock()
	w.fail = err
	w.mu.Unlock()
}

func (w *recordingWriter) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.upserts), w.deletes
}

func (w *recordingWriter) last() model.PresenceRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.upserts[len(w.upserts)-1]
}

// noWatch answers single requests but cannot stream.
type noWatch struct{ fix geo.Fix }

func (n noWatch) CurrentPosition(context.Context, geolocation.Options) (geo.Fix, error) {
	return n.fix, nil
}

func (noWatch) Watch(context.Context, geolocation.Options) (<-chan geolocation.Reading, error) {
	return nil, geolocation.ErrPositionUnavailable
}

func nudge(i int) float64 { return central.Lat + float64(i)*1e-6 }

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

var inspector = tracker.Identity{UserID: "u1", DisplayName: "Ana", Role: "inspector"}

func TestStartFailures(t *testing.T) {
	Convey("Given a device that denies location permission", t, func() {
		provider := geolocation.NewPushProvider()
		provider.Fail(geolocation.ErrPermissionDenied)
		writer := &recordingWriter{}
		tr := tracker.New(inspector, provider, writer)

		err := tr.Start(context.Background())

		Convey("Then start fails and the tracker stays idle without a heartbeat", func() {
			So(errors.Is(err, geolocation.ErrPermissionDenied), ShouldBeTrue)
			status := tr.Status()
			So(status.State, ShouldEqual, tracker.Idle)
			So(status.Tracking(), ShouldBeFalse)
			So(status.ErrorCode(), ShouldEqual, "PermissionDenied")
			upserts, _ := writer.counts()
			So(upserts, ShouldEqual, 0)
		})

		Convey("Then stop is a safe no-op", func() {
			tr.Stop(context.Background())
			tr.Stop(context.Background())
			_, deletes := writer.counts()
			So(deletes, ShouldEqual, 0)
		})
	})

	Convey("Given a device without geolocation", t, func() {
		tr := tracker.New(inspector, nil, &recordingWriter{})

		Convey("Then start reports it as unavailable", func() {
			err := tr.Start(context.Background())
			So(errors.Is(err, tracker.ErrGeolocationUnavailable), ShouldBeTrue)
			So(errors.Is(err, geolocation.ErrUnavailable), ShouldBeTrue)
			So(tr.Status().ErrorCode(), ShouldEqual, "Unavailable")
		})
	})

	Convey("Given no signed-in user", t, func() {
		tr := tracker.New(tracker.Identity{}, geolocation.NewPushProvider(), &recordingWriter{})

		Convey("Then start is refused", func() {
			So(errors.Is(tr.Start(context.Background()), tracker.ErrUnauthenticated), ShouldBeTrue)
			So(tr.Status().State, ShouldEqual, tracker.Idle)
		})
	})

	Convey("Given a device that never answers", t, func() {
		provider := geolocation.NewPushProvider()
		tr := tracker.New(inspector, provider, &recordingWriter{},
			tracker.WithFixOptions(geolocation.Options{Timeout: 50 * time.Millisecond}))

		Convey("Then start times out", func() {
			err := tr.Start(context.Background())
			So(errors.Is(err, geolocation.ErrTimeout), ShouldBeTrue)
			So(tr.Status().ErrorCode(), ShouldEqual, "Timeout")
		})

		Convey("Then stop interrupts a pending start", func() {
			tr := tracker.New(inspector, provider, &recordingWriter{},
				tracker.WithFixOptions(geolocation.Options{Timeout: 5 * time.Second}))
			result := make(chan error, 1)
			go func() { result <- tr.Start(context.Background()) }()
			So(eventually(func() bool { return tr.Status().State == tracker.Starting }), ShouldBeTrue)

			tr.Stop(context.Background())
			select {
			case err := <-result:
				So(errors.Is(err, tracker.ErrStopped), ShouldBeTrue)
			case <-time.After(time.Second):
				So("start did not return", ShouldBeEmpty)
			}
			So(tr.Status().State, ShouldEqual, tracker.Idle)
		})
	})
}

func TestHeartbeats(t *testing.T) {
	Convey("Given a tracker with a fix inside the CENTRAL geofence", t, func() {
		clock := newClock()
		provider := geolocation.NewPushProvider(geolocation.WithPushClock(clock.Now))
		provider.Push(geo.Fix{Coordinate: central, AccuracyMeters: 5})
		writer := &recordingWriter{}
		tr := tracker.New(inspector, provider, writer,
			tracker.WithClock(clock.Now),
			tracker.WithInterval(10*time.Second),
			tracker.WithResolver(iplookup.NewStatic("203.0.113.8")),
			tracker.WithDeviceInfo(map[string]string{"platform": "android"}),
		)
		ctx := context.Background()
		So(tr.Start(ctx), ShouldBeNil)
		Reset(func() { tr.Stop(ctx) })

		Convey("Then the initial heartbeat is written immediately", func() {
			upserts, _ := writer.counts()
			So(upserts, ShouldEqual, 1)
			rec := writer.last()
			So(rec.UserID, ShouldEqual, "u1")
			So(rec.DisplayName, ShouldEqual, "Ana")
			So(rec.Terminal, ShouldEqual, "CENTRAL")
			So(rec.Lat, ShouldEqual, central.Lat)
			So(rec.AccuracyMeters, ShouldEqual, 5)
			So(*rec.SourceIP, ShouldEqual, "203.0.113.8")
			So(rec.DeviceInfo["platform"], ShouldEqual, "android")
			So(rec.LastHeartbeat, ShouldEqual, clock.Now())

			status := tr.Status()
			So(status.State, ShouldEqual, tracker.Active)
			So(status.Tracking(), ShouldBeTrue)
			So(status.Terminal, ShouldEqual, "CENTRAL")
			So(status.HeartbeatAge, ShouldEqual, time.Duration(0))
		})

		Convey("Then starting again does nothing", func() {
			So(tr.Start(ctx), ShouldBeNil)
			upserts, _ := writer.counts()
			So(upserts, ShouldEqual, 1)
		})

		Convey("When 100 updates arrive within a second", func() {
			for i := 1; i <= 100; i++ {
				clock.Advance(5 * time.Millisecond)
				provider.Push(geo.Fix{Coordinate: geo.Coordinate{Lat: nudge(i), Lon: central.Lon}})
			}
			want := nudge(100)
			So(eventually(func() bool {
				fix := tr.Status().LastFix
				return fix != nil && fix.Lat == want
			}), ShouldBeTrue)

			Convey("Then no extra heartbeat is sent", func() {
				upserts, _ := writer.counts()
				So(upserts, ShouldEqual, 1)
			})

			Convey("Then the next update after an interval is sent", func() {
				clock.Advance(10 * time.Second)
				provider.Push(geo.Fix{Coordinate: central})
				So(eventually(func() bool {
					upserts, _ := writer.counts()
					return upserts == 2
				}), ShouldBeTrue)
			})
		})

		Convey("When an update arrives just inside the debounce slack", func() {
			clock.Advance(9 * time.Second)
			provider.Push(geo.Fix{Coordinate: central})

			Convey("Then it is sent", func() {
				So(eventually(func() bool {
					upserts, _ := writer.counts()
					return upserts == 2
				}), ShouldBeTrue)
			})
		})

		Convey("When the store starts failing", func() {
			writer.setFail(errors.New("connection refused"))
			clock.Advance(10 * time.Second)
			provider.Push(geo.Fix{Coordinate: central})

			Convey("Then the tracker reports the error but keeps tracking", func() {
				So(eventually(func() bool { return tr.Status().State == tracker.Error }), ShouldBeTrue)
				status := tr.Status()
				So(status.Tracking(), ShouldBeTrue)
				So(errors.Is(status.Err, tracker.ErrHeartbeatFailed), ShouldBeTrue)
				So(status.ErrorCode(), ShouldEqual, "HeartbeatFailed")
				So(status.LastFix, ShouldNotBeNil)

				Convey("And recovers on the next successful heartbeat", func() {
					writer.setFail(nil)
					clock.Advance(time.Second)
					provider.Push(geo.Fix{Coordinate: central})
					So(eventually(func() bool { return tr.Status().State == tracker.Active }), ShouldBeTrue)
					So(tr.Status().Err, ShouldBeNil)
				})
			})
		})

		Convey("When the device reports an error mid-session", func() {
			provider.Fail(geolocation.ErrPositionUnavailable)

			Convey("Then tracking continues with the error surfaced", func() {
				So(eventually(func() bool { return tr.Status().WatchErr != nil }), ShouldBeTrue)
				So(tr.Status().Tracking(), ShouldBeTrue)
			})
		})
	})
}

func TestStop(t *testing.T) {
	Convey("Given a tracker writing to a shared store", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		provider := geolocation.NewPushProvider()
		provider.Push(geo.Fix{Coordinate: central})
		tr := tracker.New(inspector, provider, store)
		So(tr.Start(ctx), ShouldBeNil)

		recs, err := store.List(ctx)
		So(err, ShouldBeNil)
		So(len(recs), ShouldEqual, 1)

		Convey("When stop is called twice", func() {
			tr.Stop(ctx)
			tr.Stop(ctx)

			Convey("Then the record is gone and the tracker is idle", func() {
				recs, err := store.List(ctx)
				So(err, ShouldBeNil)
				So(recs, ShouldBeEmpty)
				So(tr.Status().State, ShouldEqual, tracker.Idle)
			})
		})
	})

	Convey("Given a tracker with a counting writer", t, func() {
		ctx := context.Background()
		provider := geolocation.NewPushProvider()
		provider.Push(geo.Fix{Coordinate: central})
		writer := &recordingWriter{}
		tr := tracker.New(inspector, provider, writer)
		So(tr.Start(ctx), ShouldBeNil)

		Convey("Then repeated stops delete once", func() {
			tr.Stop(ctx)
			tr.Stop(ctx)
			_, deletes := writer.counts()
			So(deletes, ShouldEqual, 1)
		})

		Convey("Then the tracker can be started again", func() {
			tr.Stop(ctx)
			So(tr.Start(ctx), ShouldBeNil)
			So(tr.Status().State, ShouldEqual, tracker.Active)
			tr.Stop(ctx)
		})

		Convey("Then a failed restart reports nothing from the previous session", func() {
			So(tr.Status().Terminal, ShouldEqual, "CENTRAL")
			tr.Stop(ctx)
			provider.Fail(geolocation.ErrPermissionDenied)
			So(tr.Start(ctx), ShouldNotBeNil)

			st := tr.Status()
			So(st.Tracking(), ShouldBeFalse)
			So(st.ErrorCode(), ShouldEqual, "PermissionDenied")
			So(st.LastFix, ShouldBeNil)
			So(st.LastHeartbeat.IsZero(), ShouldBeTrue)
			So(st.HeartbeatAge, ShouldEqual, 0)
			So(st.Terminal, ShouldBeEmpty)
		})
	})
}

func TestTimerAndTerminals(t *testing.T) {
	Convey("Given a stationary device and a short interval", t, func() {
		writer := &recordingWriter{}
		tr := tracker.New(inspector, noWatch{fix: geo.Fix{Coordinate: central}}, writer,
			tracker.WithInterval(40*time.Millisecond),
			tracker.WithDebounceSlack(0))
		ctx := context.Background()
		So(tr.Start(ctx), ShouldBeNil)
		defer tr.Stop(ctx)

		Convey("Then the timer keeps heartbeats flowing without updates", func() {
			So(tr.Status().WatchErr, ShouldNotBeNil)
			So(eventually(func() bool {
				upserts, _ := writer.counts()
				return upserts >= 3
			}), ShouldBeTrue)
		})
	})

	Convey("Given a device outside every geofence", t, func() {
		far := geo.Fix{Coordinate: geo.Coordinate{Lat: 14.70, Lon: 121.05}}
		registry := geofence.DefaultRegistry()
		_, inside := registry.Detect(far.Coordinate)
		So(inside, ShouldBeFalse)
		ctx := context.Background()

		Convey("Then the home terminal is reported", func() {
			writer := &recordingWriter{}
			id := inspector
			id.Terminal = "SOUTH"
			tr := tracker.New(id, noWatch{fix: far}, writer)
			So(tr.Start(ctx), ShouldBeNil)
			defer tr.Stop(ctx)
			So(writer.last().Terminal, ShouldEqual, "SOUTH")
		})

		Convey("Then without a home terminal the closest geofence is reported", func() {
			writer := &recordingWriter{}
			tr := tracker.New(inspector, noWatch{fix: far}, writer)
			So(tr.Start(ctx), ShouldBeNil)
			defer tr.Stop(ctx)
			So(writer.last().Terminal, ShouldEqual, string(registry.Closest(far.Coordinate)))
			So(writer.last().SourceIP, ShouldBeNil)
		})
	})
}

func TestSilenceLimit(t *testing.T) {
	Convey("Given a push-fed device with a one minute silence limit", t, func() {
		clock := newClock()
		provider := geolocation.NewPushProvider(geolocation.WithPushClock(clock.Now))
		provider.Push(geo.Fix{Coordinate: central})
		writer := &recordingWriter{}
		tr := tracker.New(inspector, provider, writer,
			tracker.WithClock(clock.Now),
			tracker.WithInterval(20*time.Millisecond),
			tracker.WithDebounceSlack(0),
			tracker.WithSilenceLimit(time.Minute))
		ctx := context.Background()
		So(tr.Start(ctx), ShouldBeNil)
		Reset(func() { tr.Stop(ctx) })

		Convey("When it stays quiet past the limit", func() {
			clock.Advance(30 * time.Second)
			So(eventually(func() bool {
				upserts, _ := writer.counts()
				return upserts >= 2
			}), ShouldBeTrue)
			So(tr.Status().Silent, ShouldBeFalse)

			clock.Advance(31 * time.Second)
			So(eventually(func() bool { return tr.Status().Silent }), ShouldBeTrue)
			settled, _ := writer.counts()
			time.Sleep(100 * time.Millisecond)

			Convey("Then the timer stops refreshing the record", func() {
				upserts, _ := writer.counts()
				So(upserts, ShouldEqual, settled)
				So(clock.Now().Sub(writer.last().LastHeartbeat), ShouldBeGreaterThan, 30*time.Second)
				So(tr.Status().Tracking(), ShouldBeTrue)
			})

			Convey("Then a new fix resumes heartbeats", func() {
				provider.Push(geo.Fix{Coordinate: central})
				So(eventually(func() bool {
					upserts, _ := writer.counts()
					return upserts > settled
				}), ShouldBeTrue)
				So(tr.Status().Silent, ShouldBeFalse)
				So(writer.last().LastHeartbeat, ShouldEqual, clock.Now().UTC())
			})
		})
	})

	Convey("Given a device without a silence limit", t, func() {
		clock := newClock()
		writer := &recordingWriter{}
		tr := tracker.New(inspector, noWatch{fix: geo.Fix{Coordinate: central}}, writer,
			tracker.WithClock(clock.Now),
			tracker.WithInterval(20*time.Millisecond),
			tracker.WithDebounceSlack(0))
		ctx := context.Background()
		So(tr.Start(ctx), ShouldBeNil)
		defer tr.Stop(ctx)

		Convey("Then the timer refreshes it however long it is quiet", func() {
			clock.Advance(time.Hour)
			So(eventually(func() bool {
				upserts, _ := writer.counts()
				return upserts >= 2
			}), ShouldBeTrue)
			So(tr.Status().Silent, ShouldBeFalse)
		})
	})
}
