package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store against two tables:
//
//	checkpoint_events(run_id text, seq bigserial, type text, step_id text,
//	                   attempt int, payload jsonb, created_at timestamptz)
//	run_leases(run_id text primary key, owner_id text, expires_at timestamptz)
//
// It is the durable checkpoint backend: Append uses a plain synchronous
// INSERT (WAL-fsynced by Postgres before the driver returns), satisfying
// §4.7's requirement that step_succeeded/step_failed be durable before
// the executor proceeds.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens dsn, verifies connectivity, and ensures the
// two backing tables exist.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint_events (
			run_id     TEXT NOT NULL,
			seq        BIGSERIAL,
			type       TEXT NOT NULL,
			step_id    TEXT NOT NULL DEFAULT '',
			attempt    INT NOT NULL DEFAULT 0,
			payload    JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (run_id, seq)
		);
		CREATE TABLE IF NOT EXISTS run_leases (
			run_id     TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, event Event) (int64, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint payload: %w", err)
	}

	var seq int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO checkpoint_events (run_id, type, step_id, attempt, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`, event.RunID, string(event.Type), event.StepID, event.Attempt, payload).Scan(&seq)
	if err != nil {
		return 0, core.NewEngineError("checkpoint.PostgresStore.Append", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}
	return seq, nil
}

type eventRow struct {
	RunID     string    `db:"run_id"`
	Seq       int64     `db:"seq"`
	Type      string    `db:"type"`
	StepID    string    `db:"step_id"`
	Attempt   int       `db:"attempt"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *PostgresStore) Load(ctx context.Context, runID string) ([]Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT run_id, seq, type, step_id, attempt, payload, created_at
		FROM checkpoint_events
		WHERE run_id = $1
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, core.NewEngineError("checkpoint.PostgresStore.Load", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}
	if len(rows) == 0 {
		return nil, core.NewEngineError("checkpoint.PostgresStore.Load", "permanent", "checkpoint_not_found", core.ErrNotFound)
	}

	events := make([]Event, len(rows))
	for i, r := range rows {
		var payload interface{}
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &payload); err != nil {
				return nil, fmt.Errorf("unmarshal checkpoint payload for run %s seq %d: %w", runID, r.Seq, err)
			}
		}
		events[i] = Event{
			RunID:     r.RunID,
			Seq:       r.Seq,
			Type:      EventType(r.Type),
			StepID:    r.StepID,
			Attempt:   r.Attempt,
			Timestamp: r.CreatedAt,
		}
		events[i].Payload = value.FromAny(payload)
	}
	return events, nil
}

// AcquireLease performs an upsert that only succeeds when no other owner
// currently holds an unexpired lease, using Postgres's ON CONFLICT clause
// as the compare-and-swap primitive.
func (s *PostgresStore) AcquireLease(ctx context.Context, runID, ownerID string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_leases (run_id, owner_id, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 second')
		ON CONFLICT (run_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id, expires_at = EXCLUDED.expires_at
		WHERE run_leases.owner_id = EXCLUDED.owner_id OR run_leases.expires_at < now()
	`, runID, ownerID, ttl.Seconds())
	if err != nil {
		return false, core.NewEngineError("checkpoint.PostgresStore.AcquireLease", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, runID, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_leases WHERE run_id = $1 AND owner_id = $2`, runID, ownerID)
	if err != nil {
		return core.NewEngineError("checkpoint.PostgresStore.ReleaseLease", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}
	return nil
}

func (s *PostgresStore) ScanExpiredLeases(ctx context.Context) ([]string, error) {
	var runIDs []string
	err := s.db.SelectContext(ctx, &runIDs, `SELECT run_id FROM run_leases WHERE expires_at < now()`)
	if err != nil {
		return nil, core.NewEngineError("checkpoint.PostgresStore.ScanExpiredLeases", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}
	return runIDs, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
