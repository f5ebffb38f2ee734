package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/okian/fleetwatch/internal/domain/model"
	"github.com/okian/fleetwatch/pkg/logger"
)

// MemoryStore is a process-local Store. It is the default backend and the
// one used by tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.PresenceRecord
	feed    *fanout
	closed  bool
	logger  logger.Logger
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := newSettings(opts)
	return &MemoryStore{
		records: make(map[string]model.PresenceRecord),
		feed:    newFanout(s.subscriberCapacity),
		logger:  s.logger,
	}
}

// Upsert implements Writer.
func (m *MemoryStore) Upsert(ctx context.Context, rec model.PresenceRecord) (err error) {
	defer func(start time.Time) { observe(BackendMemory, "upsert", start, err) }(time.Now())
	if err := validate(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	stored := rec.Clone()
	event := model.ChangeEvent{Type: model.ChangeInsert, New: &stored}
	if old, ok := m.records[rec.UserID]; ok {
		event.Type = model.ChangeUpdate
		event.Old = &old
	}
	m.records[rec.UserID] = stored
	// Publishing under the lock keeps per-user event order equal to write order.
	m.feed.publish(ctx, event)
	return nil
}

// Delete implements Writer.
func (m *MemoryStore) Delete(ctx context.Context, userID string) (err error) {
	defer func(start time.Time) { observe(BackendMemory, "delete", start, err) }(time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	old, ok := m.records[userID]
	if !ok {
		return nil
	}
	delete(m.records, userID)
	m.feed.publish(ctx, model.ChangeEvent{Type: model.ChangeDelete, Old: &old})
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) (_ []model.PresenceRecord, err error) {
	defer func(start time.Time) { observe(BackendMemory, "list", start, err) }(time.Now())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	out := make([]model.PresenceRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	m.mu.Unlock()

	sortNewestFirst(out)
	return out, nil
}

// Subscribe implements Store.
func (m *MemoryStore) Subscribe(ctx context.Context) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.feed.subscribe(ctx), nil
}

// Close ends every subscription. Later calls fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.feed.closeAll()
	m.logger.Debug(context.Background(), "memory presence store closed")
	return nil
}

// sortNewestFirst orders by LastHeartbeat descending, then by UserID so
// equal timestamps list deterministically.
func sortNewestFirst(recs []model.PresenceRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].LastHeartbeat.Equal(recs[j].LastHeartbeat) {
			return recs[i].LastHeartbeat.After(recs[j].LastHeartbeat)
		}
		return recs[i].UserID < recs[j].UserID
	})
}
