// Package presence maintains a live, freshness-sorted view of the shared
// presence table, driven by its change feed.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/fleetwatch/internal/adapters/repository"
	"github.com/okian/fleetwatch/internal/domain/model"
	"github.com/okian/fleetwatch/pkg/logger"
	"github.com/okian/fleetwatch/pkg/metrics"
)

const (
	defaultStaleAfter      = 20 * time.Second
	subscriberCloseTimeout = 5 * time.Second
)

// Source is the part of a store the subscriber reads.
type Source interface {
	List(ctx context.Context) ([]model.PresenceRecord, error)
	Subscribe(ctx context.Context) (repository.Subscription, error)
}

// Entry is a record annotated with its heartbeat age.
type Entry struct {
	model.PresenceRecord
	Age   time.Duration `json:"age"`
	Stale bool          `json:"stale"`
}

// Listener receives the full sorted list after every change.
type Listener func(records []model.PresenceRecord)

// Subscriber holds one entry per user, newest heartbeat first.
type Subscriber struct {
	source     Source
	staleAfter time.Duration
	logger     logger.Logger

	mu        sync.RWMutex
	records   []model.PresenceRecord
	listeners map[int]Listener
	nextID    int

	sub      repository.Subscription
	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// New returns a subscriber over source. Call Start to load and follow it.
func New(source Source, opts ...Option) *Subscriber {
	s := &Subscriber{
		source:     source,
		staleAfter: defaultStaleAfter,
		listeners:  make(map[int]Listener),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("presence")
	}
	return s
}

// Start follows the table's change feed and loads its current rows until ctx
// ends or Close is called. A failed subscription is returned; a failed load
// leaves the view empty and is only logged.
//
// The feed is opened before the load, so every change after the load is
// still queued and replays on top of it. Events already reflected in the
// load apply again by key and leave the view unchanged.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to presence changes: %w", err)
	}
	s.sub = sub

	recs, err := s.source.List(ctx)
	if err != nil {
		s.logger.Error(ctx, "initial presence load failed", logger.Error(err))
		metrics.RecordErrorByComponent("presence", "initial_load")
		recs = nil
	}
	sortNewestFirst(recs)

	s.mu.Lock()
	s.records = recs
	s.mu.Unlock()
	metrics.UpdatePresenceRecords(len(recs))

	go s.run(ctx, sub.Events())
	s.notify()

	s.logger.Info(ctx, "presence view started", logger.Int("records", len(recs)))
	return nil
}

func (s *Subscriber) run(ctx context.Context, events <-chan model.ChangeEvent) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if s.Apply(event) {
				s.notify()
			}
		}
	}
}

// Apply folds one change event into the view and reports whether it changed
// anything. Insert and update replace the user's entry; delete removes it.
// Events without a user id are ignored.
func (s *Subscriber) Apply(e model.ChangeEvent) bool {
	key := e.Key()
	if key == "" {
		metrics.RecordChangeEventDropped()
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0:0]
	for _, r := range s.records {
		if r.UserID != key {
			kept = append(kept, r)
		}
	}

	switch e.Type {
	case model.ChangeInsert, model.ChangeUpdate:
		s.records = append([]model.PresenceRecord{e.New.Clone()}, kept...)
		sort.SliceStable(s.records, func(i, j int) bool {
			return s.records[i].LastHeartbeat.After(s.records[j].LastHeartbeat)
		})
	case model.ChangeDelete:
		if len(kept) == len(s.records) {
			metrics.RecordChangeEventApplied(string(e.Type))
			return false
		}
		s.records = kept
	}

	metrics.RecordChangeEventApplied(string(e.Type))
	metrics.UpdatePresenceRecords(len(s.records))
	return true
}

// Records returns a copy of the view, newest heartbeat first.
func (s *Subscriber) Records() []model.PresenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.records)
}

// Entries returns the view annotated with heartbeat age as of now. Zero
// staleAfter means the subscriber's default.
func (s *Subscriber) Entries(now time.Time, staleAfter time.Duration) []Entry {
	if staleAfter <= 0 {
		staleAfter = s.staleAfter
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Annotate(s.records, now, staleAfter)
}

// Annotate pairs each record with its heartbeat age as of now. A record is
// stale once that age exceeds staleAfter.
func Annotate(recs []model.PresenceRecord, now time.Time, staleAfter time.Duration) []Entry {
	out := make([]Entry, len(recs))
	for i, r := range recs {
		age := now.Sub(r.LastHeartbeat)
		out[i] = Entry{PresenceRecord: r.Clone(), Age: age, Stale: age > staleAfter}
	}
	return out
}

// Len returns the number of users in the view.
func (s *Subscriber) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// OnChange registers fn for every future change and returns a function that
// unregisters it. Listeners run on the subscriber goroutine and must not block.
func (s *Subscriber) OnChange(fn Listener) (unregister func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Subscriber) notify() {
	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	snapshot := cloneAll(s.records)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Close unsubscribes and waits for the event loop to finish.
func (s *Subscriber) Close() error {
	var err error
	s.once.Do(func() {
		close(s.shutdown)
		if s.sub == nil {
			return
		}
		err = s.sub.Close()
		select {
		case <-s.done:
		case <-time.After(subscriberCloseTimeout):
			err = fmt.Errorf("presence subscriber did not stop within %s", subscriberCloseTimeout)
		}
	})
	return err
}

func sortNewestFirst(recs []model.PresenceRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].LastHeartbeat.After(recs[j].LastHeartbeat)
	})
}

func cloneAll(recs []model.PresenceRecord) []model.PresenceRecord {
	out := make([]model.PresenceRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
