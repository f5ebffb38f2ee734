package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/okian/fleetwatch/internal/domain/model"
	"github.com/okian/fleetwatch/pkg/logger"
	"github.com/okian/fleetwatch/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps presence rows in a hash (field = user id, value = JSON)
// and publishes change events on a pub/sub channel next to it.
type RedisStore struct {
	client   redis.UniversalClient
	key      string
	channel  string
	capacity int
	logger   logger.Logger
}

// NewRedisStore wraps an existing client. The caller keeps ownership of the
// client unless it calls Close on the store.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	s := newSettings(opts)
	return &RedisStore{
		client:   client,
		key:      s.redisPrefix + ":presence",
		channel:  s.redisPrefix + ":presence:changes",
		capacity: s.subscriberCapacity,
		logger:   s.logger,
	}
}

// Upsert implements Writer. The previous row is read first so the published
// event can say whether this was an insert or an update.
func (r *RedisStore) Upsert(ctx context.Context, rec model.PresenceRecord) (err error) {
	defer func(start time.Time) { observe(BackendRedis, "upsert", start, err) }(time.Now())
	if err := validate(rec); err != nil {
		return err
	}

	old, err := r.get(ctx, rec.UserID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode presence record: %w", err)
	}

	event := model.ChangeEvent{Type: model.ChangeInsert, New: &rec}
	if old != nil {
		event.Type = model.ChangeUpdate
		event.Old = old
	}
	return r.write(ctx, event, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, r.key, rec.UserID, payload)
	})
}

// Delete implements Writer.
func (r *RedisStore) Delete(ctx context.Context, userID string) (err error) {
	defer func(start time.Time) { observe(BackendRedis, "delete", start, err) }(time.Now())

	old, err := r.get(ctx, userID)
	if err != nil || old == nil {
		return err
	}
	return r.write(ctx, model.ChangeEvent{Type: model.ChangeDelete, Old: old}, func(pipe redis.Pipeliner) {
		pipe.HDel(ctx, r.key, userID)
	})
}

// List implements Store. Rows that fail to decode are skipped and logged.
func (r *RedisStore) List(ctx context.Context) (_ []model.PresenceRecord, err error) {
	defer func(start time.Time) { observe(BackendRedis, "list", start, err) }(time.Now())

	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	out := make([]model.PresenceRecord, 0, len(raw))
	for field, value := range raw {
		var rec model.PresenceRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			r.logger.Warn(ctx, "skipping undecodable presence row",
				logger.String("userId", field),
				logger.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sortNewestFirst(out)
	return out, nil
}

// Subscribe implements Store. It returns once the server has confirmed the
// channel subscription.
func (r *RedisStore) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	sub := newSubscription(ctx, r.capacity, func() { _ = pubsub.Close() })
	sub.closeWith(ctx)

	go func() {
		for msg := range pubsub.Channel() {
			var event model.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn(ctx, "dropping undecodable change event", logger.Error(err))
				metrics.RecordChangeEventDropped()
				continue
			}
			sub.deliver(ctx, event)
		}
	}()
	return sub, nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) get(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	value, err := r.client.HGet(ctx, r.key, userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read presence %s: %w", userID, err)
	}
	var rec model.PresenceRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, fmt.Errorf("decode presence %s: %w", userID, err)
	}
	return &rec, nil
}

// write applies mutate and publishes event in one MULTI/EXEC.
func (r *RedisStore) write(ctx context.Context, event model.ChangeEvent, mutate func(redis.Pipeliner)) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		mutate(pipe)
		pipe.Publish(ctx, r.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	return nil
}
