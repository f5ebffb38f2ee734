package repository

import (
	"context"
	"sync"

	"github.com/okian/fleetwatch/internal/adapters/mq/queue"
	"github.com/okian/fleetwatch/internal/domain/model"
	"github.com/okian/fleetwatch/pkg/metrics"
)

// subscription delivers change events through a bounded queue so that a slow
// reader never blocks the writer side.
type subscription struct {
	q      *queue.InMemoryQueue
	events <-chan model.ChangeEvent
	cancel context.CancelFunc

	mu   sync.Mutex
	stop func() bool

	once    sync.Once
	onClose []func()
}

func newSubscription(ctx context.Context, capacity int, onClose ...func()) *subscription {
	q := queue.NewInMemoryQueue(queue.WithCapacity(capacity))
	dctx, cancel := context.WithCancel(ctx)
	s := &subscription{q: q, cancel: cancel, onClose: onClose, stop: func() bool { return false }}
	s.events = q.Dequeue(dctx)
	return s
}

// closeWith ends the subscription when ctx is done. Call it once the
// subscription is fully wired.
func (s *subscription) closeWith(ctx context.Context) {
	s.mu.Lock()
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Unlock()
}

func (s *subscription) Events() <-chan model.ChangeEvent { return s.events }

// deliver hands e to the reader without blocking. It reports false when the
// event was dropped.
func (s *subscription) deliver(ctx context.Context, e model.ChangeEvent) bool {
	if s.q.Enqueue(ctx, e) {
		return true
	}
	metrics.RecordChangeEventDropped()
	return false
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.stop()
		s.mu.Unlock()
		_ = s.q.Close()
		s.cancel()
		for _, fn := range s.onClose {
			fn()
		}
	})
	return nil
}

// fanout copies every published event to each live subscription.
type fanout struct {
	mu       sync.RWMutex
	subs     map[*subscription]struct{}
	capacity int
}

func newFanout(capacity int) *fanout {
	return &fanout{subs: make(map[*subscription]struct{}), capacity: capacity}
}

func (f *fanout) subscribe(ctx context.Context) *subscription {
	var s *subscription
	s = newSubscription(ctx, f.capacity, func() {
		f.mu.Lock()
		delete(f.subs, s)
		f.mu.Unlock()
	})
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	s.closeWith(ctx)
	return s
}

func (f *fanout) publish(ctx context.Context, e model.ChangeEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		s.deliver(ctx, cloneEvent(e))
	}
}

func (f *fanout) closeAll() {
	f.mu.RLock()
	subs := make([]*subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.RUnlock()
	for _, s := range subs {
		_ = s.Close()
	}
}

func cloneEvent(e model.ChangeEvent) model.ChangeEvent {
	out := model.ChangeEvent{Type: e.Type}
	if e.New != nil {
		c := e.New.Clone()
		out.New = &c
	}
	if e.Old != nil {
		c := e.Old.Clone()
		out.Old = &c
	}
	return out
}
