package queue

// Option applies a configuration option to the InMemoryQueue.
type Option func(*InMemoryQueue)

// WithCapacity sets the maximum number of undelivered events.
func WithCapacity(capacity int) Option {
	return func(q *InMemoryQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithBufferSize sets the buffer size for the events channel. It is raised
// to the capacity if smaller.
func WithBufferSize(size int) Option {
	return func(q *InMemoryQueue) {
		if size > 0 {
			q.bufferSize = size
		}
	}
}
