// Package queue buffers presence change events between a store's feed and
// its subscribers.
//
// Each subscription owns one bounded queue so a slow consumer never blocks
// the store's writers; when the queue is full the event is dropped and
// counted.
package queue

import (
	"context"
	"sync"

	"github.com/okian/fleetwatch/internal/domain/model"
	"github.com/okian/fleetwatch/pkg/metrics"
)

const (
	defaultQueueCapacity = 1024
	defaultBufferSize    = 1024
)

// Event is the payload type flowing through the queue.
type Event = model.ChangeEvent

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds an event to the queue.
	// Returns false if the queue is full or closed and the event was not enqueued.
	Enqueue(ctx context.Context, e Event) bool

	// Dequeue returns a channel that receives events as they become available.
	// The channel is closed when the queue is closed and drained, or ctx ends.
	Dequeue(ctx context.Context) <-chan Event

	// Len returns the current number of queued events.
	Len(ctx context.Context) int

	// Close stops accepting events. Already queued events are still delivered.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	events     chan Event
	capacity   int
	bufferSize int
	mu         sync.RWMutex
	closed     bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity:   defaultQueueCapacity,
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.bufferSize < q.capacity {
		q.bufferSize = q.capacity
	}
	q.events = make(chan Event, q.bufferSize)

	metrics.RecordQueueOpened()
	return q
}

// Enqueue adds an event to the queue without blocking.
func (q *InMemoryQueue) Enqueue(ctx context.Context, e Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError("closed")
		return false
	}
	if len(q.events) >= q.capacity {
		metrics.RecordQueueEnqueueError("capacity_exceeded")
		return false
	}

	select {
	case <-ctx.Done():
		metrics.RecordQueueEnqueueError("context_cancelled")
		return false
	default:
	}

	select {
	case q.events <- e:
		metrics.RecordQueueEnqueue()
		return true
	default:
		metrics.RecordQueueEnqueueError("queue_full")
		return false
	}
}

// Dequeue returns a channel that will receive events as they become available.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-q.events:
				if !ok {
					return
				}
				select {
				case out <- event:
					metrics.RecordQueueDequeue()
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Len returns the current number of queued events.
func (q *InMemoryQueue) Len(_ context.Context) int {
	return len(q.events)
}

// Close gracefully shuts down the queue.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.events)
	q.closed = true
	metrics.RecordQueueClosed()
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
