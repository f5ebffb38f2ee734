// Package repository defines the shared presence store and its backends.
//
// A store holds one PresenceRecord per user and publishes a change event for
// every row that is inserted, updated or deleted. Writers never coordinate:
// upsert by key is the only mutation discipline.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/fleetwatch/internal/domain/model"
	"github.com/okian/fleetwatch/pkg/metrics"
)

// Writer is the part of a store a tracker needs.
type Writer interface {
	// Upsert inserts or replaces the record keyed by rec.UserID.
	Upsert(ctx context.Context, rec model.PresenceRecord) error
	// Delete removes the user's record. Deleting a missing record is not an
	// error and publishes nothing.
	Delete(ctx context.Context, userID string) error
}

// Store is a shared presence table with a change feed.
type Store interface {
	Writer

	// List returns every record ordered by LastHeartbeat, newest first.
	List(ctx context.Context) ([]model.PresenceRecord, error)

	// Subscribe opens a change feed. Events written after Subscribe returns
	// are delivered in write order per user. The subscription ends when ctx
	// is done or Close is called.
	Subscribe(ctx context.Context) (Subscription, error)

	// Close releases backend resources.
	Close() error
}

// Subscription is an open change feed.
type Subscription interface {
	Events() <-chan model.ChangeEvent
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// MaxUserIDLength bounds a user id in bytes.
const MaxUserIDLength = 256

func validate(rec model.PresenceRecord) error {
	if rec.UserID == "" {
		return ErrInvalidRecord
	}
	if len(rec.UserID) > MaxUserIDLength {
		return fmt.Errorf("%w: user id longer than %d bytes", ErrInvalidRecord, MaxUserIDLength)
	}
	return nil
}

// observe records latency and errors of one store call.
func observe(backend, op string, start time.Time, err error) {
	metrics.RecordStoreLatency(backend, op, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		metrics.RecordStoreError(backend, op)
	}
}
