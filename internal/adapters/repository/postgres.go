package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/okian/fleetwatch/internal/domain/model"
	"github.com/okian/fleetwatch/pkg/logger"
	"github.com/okian/fleetwatch/pkg/metrics"
)

// NotifyChannel is the LISTEN/NOTIFY channel fed by the presence trigger.
const NotifyChannel = "presence_changes"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS presence_records (
	user_id          TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL DEFAULT '',
	role             TEXT NOT NULL DEFAULT '',
	terminal         TEXT NOT NULL DEFAULT '',
	lat              DOUBLE PRECISION NOT NULL,
	lon              DOUBLE PRECISION NOT NULL,
	accuracy_meters  DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_heartbeat   TIMESTAMPTZ NOT NULL,
	source_ip        TEXT,
	device_info      JSONB
);

CREATE INDEX IF NOT EXISTS presence_records_last_heartbeat_idx
	ON presence_records (last_heartbeat DESC);

CREATE OR REPLACE FUNCTION notify_presence_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('presence_changes', json_build_object(
		'type', lower(TG_OP),
		'user_id', CASE WHEN TG_OP = 'DELETE' THEN OLD.user_id ELSE NEW.user_id END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS presence_records_notify ON presence_records;
CREATE TRIGGER presence_records_notify
	AFTER INSERT OR UPDATE OR DELETE ON presence_records
	FOR EACH ROW EXECUTE FUNCTION notify_presence_change();
`

const upsertSQL = `
INSERT INTO presence_records
	(user_id, display_name, role, terminal, lat, lon, accuracy_meters, last_heartbeat, source_ip, device_info)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (user_id) DO UPDATE SET
	display_name    = EXCLUDED.display_name,
	role            = EXCLUDED.role,
	terminal        = EXCLUDED.terminal,
	lat             = EXCLUDED.lat,
	lon             = EXCLUDED.lon,
	accuracy_meters = EXCLUDED.accuracy_meters,
	last_heartbeat  = EXCLUDED.last_heartbeat,
	source_ip       = EXCLUDED.source_ip,
	device_info     = EXCLUDED.device_info`

const selectSQL = `
SELECT user_id, display_name, role, terminal, lat, lon, accuracy_meters, last_heartbeat, source_ip, device_info
FROM presence_records`

const (
	listSQL = selectSQL + `
ORDER BY last_heartbeat DESC, user_id`
	getSQL = selectSQL + `
WHERE user_id = $1`
)

// PostgresStore keeps presence rows in a table and feeds subscriptions from
// a row trigger through LISTEN/NOTIFY.
type PostgresStore struct {
	pool     *pgxpool.Pool
	capacity int
	logger   logger.Logger
}

// NewPostgresStore connects a pool to dsn.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStoreFromPool(pool, opts...), nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	s := newSettings(opts)
	return &PostgresStore{pool: pool, capacity: s.subscriberCapacity, logger: s.logger}
}

// EnsureSchema creates the table, index, notify function and trigger.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure presence schema: %w", err)
	}
	return nil
}

// Upsert implements Writer.
func (p *PostgresStore) Upsert(ctx context.Context, rec model.PresenceRecord) (err error) {
	defer func(start time.Time) { observe(BackendPostgres, "upsert", start, err) }(time.Now())
	if err := validate(rec); err != nil {
		return err
	}
	var deviceInfo []byte
	if rec.DeviceInfo != nil {
		if deviceInfo, err = json.Marshal(rec.DeviceInfo); err != nil {
			return fmt.Errorf("encode device info: %w", err)
		}
	}
	_, err = p.pool.Exec(ctx, upsertSQL,
		rec.UserID, rec.DisplayName, rec.Role, rec.Terminal,
		rec.Lat, rec.Lon, rec.AccuracyMeters, rec.LastHeartbeat.UTC(),
		rec.SourceIP, deviceInfo,
	)
	if err != nil {
		return fmt.Errorf("upsert presence %s: %w", rec.UserID, err)
	}
	return nil
}

// Delete implements Writer. A missing row deletes nothing and fires no trigger.
func (p *PostgresStore) Delete(ctx context.Context, userID string) (err error) {
	defer func(start time.Time) { observe(BackendPostgres, "delete", start, err) }(time.Now())
	if _, err = p.pool.Exec(ctx, `DELETE FROM presence_records WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete presence %s: %w", userID, err)
	}
	return nil
}

// List implements Store.
func (p *PostgresStore) List(ctx context.Context) (_ []model.PresenceRecord, err error) {
	defer func(start time.Time) { observe(BackendPostgres, "list", start, err) }(time.Now())

	rows, err := p.pool.Query(ctx, listSQL)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PresenceRecord, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	return out, nil
}

// get reads one user's current row.
func (p *PostgresStore) get(ctx context.Context, userID string) (_ model.PresenceRecord, err error) {
	defer func(start time.Time) {
		if errors.Is(err, pgx.ErrNoRows) {
			observe(BackendPostgres, "get", start, nil)
			return
		}
		observe(BackendPostgres, "get", start, err)
	}(time.Now())
	return scanRecord(p.pool.QueryRow(ctx, getSQL, userID))
}

func scanRecord(row pgx.Row) (model.PresenceRecord, error) {
	var (
		rec        model.PresenceRecord
		deviceInfo []byte
	)
	if err := row.Scan(&rec.UserID, &rec.DisplayName, &rec.Role, &rec.Terminal,
		&rec.Lat, &rec.Lon, &rec.AccuracyMeters, &rec.LastHeartbeat,
		&rec.SourceIP, &deviceInfo); err != nil {
		return rec, err
	}
	rec.LastHeartbeat = rec.LastHeartbeat.UTC()
	if len(deviceInfo) > 0 {
		if err := json.Unmarshal(deviceInfo, &rec.DeviceInfo); err != nil {
			return rec, fmt.Errorf("decode device info: %w", err)
		}
	}
	return rec, nil
}

// Subscribe implements Store. It holds one pooled connection in LISTEN for
// the life of the subscription. Notifications carry only the operation and
// user id; inserts and updates are completed with the row as it is when the
// notification is read.
func (p *PostgresStore) Subscribe(ctx context.Context) (Subscription, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	listenCtx, stopListening := context.WithCancel(context.Background())
	done := make(chan struct{})
	sub := newSubscription(ctx, p.capacity, func() {
		stopListening()
		<-done
	})

	go func() {
		defer close(done)
		defer func() {
			// The connection goes back to the pool, so it must stop listening.
			cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(cleanup, "UNLISTEN *"); err != nil {
				conn.Conn().Close(cleanup)
			}
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Error(ctx, "presence listener stopped", logger.Error(err))
					go func() { _ = sub.Close() }()
				}
				return
			}
			event, err := DecodeNotification(n.Payload)
			if err != nil {
				p.logger.Warn(ctx, "dropping undecodable change event", logger.Error(err))
				metrics.RecordChangeEventDropped()
				continue
			}
			if event.Type != model.ChangeDelete {
				rec, err := p.get(listenCtx, event.Key())
				switch {
				case errors.Is(err, pgx.ErrNoRows):
					// Deleted since; its own notification follows.
					continue
				case err != nil:
					p.logger.Warn(ctx, "dropping change event, row read failed",
						logger.String("userId", event.Key()),
						logger.Error(err))
					metrics.RecordChangeEventDropped()
					continue
				}
				event.New = &rec
			}
			sub.deliver(ctx, event)
		}
	}()

	sub.closeWith(ctx)
	return sub, nil
}

// Close closes the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

type notification struct {
	Type   model.ChangeType `json:"type"`
	UserID string           `json:"user_id"`
}

// DecodeNotification parses a trigger payload into a change event keyed by
// user id. Insert and update events carry a New record holding only the user
// id; delete events carry the same in Old.
func DecodeNotification(payload string) (model.ChangeEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.UserID == "" {
		return model.ChangeEvent{}, errors.New("decode notification: no user id")
	}
	key := &model.PresenceRecord{UserID: n.UserID}
	switch n.Type {
	case model.ChangeInsert, model.ChangeUpdate:
		return model.ChangeEvent{Type: n.Type, New: key}, nil
	case model.ChangeDelete:
		return model.ChangeEvent{Type: n.Type, Old: key}, nil
	default:
		return model.ChangeEvent{}, fmt.Errorf("decode notification: unknown type %q", n.Type)
	}
}

// Pool exposes the underlying pool for maintenance queries.
func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }
