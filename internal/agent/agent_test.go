package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/fleetwatch/internal/adapters/iplookup"
	"github.com/okian/fleetwatch/internal/adapters/repository"
	"github.com/okian/fleetwatch/internal/agent"
	"github.com/okian/fleetwatch/internal/domain/model"
	"github.com/okian/fleetwatch/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

func fastConfig(n int) agent.Config {
	return agent.Config{
		Inspectors:    n,
		Namespace:     "test-fleet",
		Interval:      50 * time.Millisecond,
		Period:        10 * time.Millisecond,
		Speed:         20,
		StatsInterval: 20 * time.Millisecond,
		StopTimeout:   time.Second,
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func list(store repository.Store) []model.PresenceRecord {
	recs, _ := store.List(context.Background())
	return recs
}

func TestUserID(t *testing.T) {
	Convey("User ids are stable per namespace and index", t, func() {
		So(agent.UserID("fleet", 1), ShouldEqual, agent.UserID("fleet", 1))
		So(agent.UserID("fleet", 1), ShouldNotEqual, agent.UserID("fleet", 2))
		So(agent.UserID("fleet", 1), ShouldNotEqual, agent.UserID("other", 1))
		So(len(agent.UserID("fleet", 0)), ShouldEqual, 36)
	})
}

func TestNew(t *testing.T) {
	Convey("Agent construction", t, func() {
		store := repository.NewMemoryStore()

		Convey("Zero inspectors is rejected", func() {
			_, err := agent.New(agent.Config{}, store)
			So(errors.Is(err, agent.ErrNoInspectors), ShouldBeTrue)
		})

		Convey("An unknown terminal is rejected", func() {
			cfg := fastConfig(1)
			cfg.Terminals = []string{"NOWHERE"}
			_, err := agent.New(cfg, store)
			So(errors.Is(err, agent.ErrUnknownTerminal), ShouldBeTrue)
		})

		Convey("A minimal config is accepted", func() {
			a, err := agent.New(agent.Config{Inspectors: 2}, store)
			So(err, ShouldBeNil)
			So(a.Stats().Inspectors, ShouldEqual, 0)
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given an agent writing to a memory store", t, func() {
		store := repository.NewMemoryStore()

		cfg := fastConfig(3)
		cfg.Terminals = []string{"CENTRAL", "NORTH"}
		a, err := agent.New(cfg, store, agent.WithResolver(iplookup.NewStatic("203.0.113.7")))
		So(err, ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- a.Run(ctx) }()
		stop := sync.OnceValue(func() error {
			cancel()
			return <-done
		})

		Convey("Then every inspector publishes presence near its home terminal", func() {
			So(waitFor(func() bool { return len(list(store)) == 3 }), ShouldBeTrue)

			byUser := map[string]model.PresenceRecord{}
			for _, r := range list(store) {
				byUser[r.UserID] = r
			}
			So(byUser[agent.UserID("test-fleet", 0)].Terminal, ShouldEqual, "CENTRAL")
			So(byUser[agent.UserID("test-fleet", 1)].Terminal, ShouldEqual, "NORTH")
			So(byUser[agent.UserID("test-fleet", 2)].Terminal, ShouldEqual, "CENTRAL")
			So(*byUser[agent.UserID("test-fleet", 0)].SourceIP, ShouldEqual, "203.0.113.7")
			So(byUser[agent.UserID("test-fleet", 1)].Role, ShouldEqual, "inspector")

			So(waitFor(func() bool { return a.Stats().Tracking == 3 }), ShouldBeTrue)

			Convey("And a second concurrent run is refused", func() {
				So(a.Run(context.Background()), ShouldEqual, agent.ErrAlreadyRunning)
			})

			Convey("And cancelling stops every tracker and clears presence", func() {
				So(stop(), ShouldBeNil)
				So(list(store), ShouldBeEmpty)

				s := a.Stats()
				So(s.Started, ShouldEqual, 3)
				So(s.Failed, ShouldEqual, 0)
				So(s.Tracking, ShouldEqual, 0)
				So(s.Duration, ShouldBeGreaterThan, 0)
			})
		})

		Reset(func() {
			_ = stop()
			_ = store.Close()
		})
	})

	Convey("Given an agent with a duration and a start rate", t, func() {
		store := repository.NewMemoryStore()
		defer func() { _ = store.Close() }()

		cfg := fastConfig(2)
		cfg.Duration = 300 * time.Millisecond
		cfg.StartRate = 20
		a, err := agent.New(cfg, store, agent.WithResolver(iplookup.NewStatic("")))
		So(err, ShouldBeNil)

		Convey("Then Run returns on its own once the duration elapses", func() {
			start := time.Now()
			So(a.Run(context.Background()), ShouldBeNil)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 300*time.Millisecond)
			So(a.Stats().Started, ShouldEqual, 2)
			So(list(store), ShouldBeEmpty)
		})
	})
}
