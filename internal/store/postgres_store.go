package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/usage-sync/internal/usage"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS usage_snapshots (
	enrollment_id  TEXT        NOT NULL,
	billing_period TEXT        NOT NULL,
	records        JSONB       NOT NULL,
	etag           TEXT        NOT NULL DEFAULT '',
	access_key_hash TEXT       NOT NULL DEFAULT '',
	synced_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (enrollment_id, billing_period)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id              TEXT        PRIMARY KEY,
	enrollment_id   TEXT        NOT NULL,
	billing_period  TEXT        NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	duration_ms     BIGINT      NOT NULL,
	status          TEXT        NOT NULL,
	pages           INTEGER     NOT NULL DEFAULT 0,
	record_count    INTEGER     NOT NULL DEFAULT 0,
	divergence      TEXT        NOT NULL DEFAULT '',
	divergence_date DATE,
	error           TEXT        NOT NULL DEFAULT ''
);

ALTER TABLE usage_snapshots ADD COLUMN IF NOT EXISTS access_key_hash TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_sync_runs_key_started
	ON sync_runs (enrollment_id, billing_period, started_at DESC);
`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, key Key) (*Snapshot, error) {
	query := `
		SELECT records, etag, access_key_hash, synced_at
		FROM usage_snapshots
		WHERE enrollment_id = $1 AND billing_period = $2
	`
	var (
		raw  []byte
		snap = Snapshot{Key: key}
	)
	err := s.db.QueryRow(ctx, query, key.EnrollmentID, key.BillingPeriod).Scan(&raw, &snap.ETag, &snap.AccessKeyHash, &snap.SyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal(raw, &snap.Records); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot records: %w", err)
	}
	return &snap, nil
}

func (s *PostgresStore) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	raw, err := encodeRecords(snap.Records)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO usage_snapshots (enrollment_id, billing_period, records, etag, access_key_hash, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (enrollment_id, billing_period)
		DO UPDATE SET records = EXCLUDED.records, etag = EXCLUDED.etag,
			access_key_hash = EXCLUDED.access_key_hash, synced_at = EXCLUDED.synced_at
	`
	_, err = s.db.Exec(ctx, query,
		snap.Key.EnrollmentID, snap.Key.BillingPeriod, raw, snap.ETag, snap.AccessKeyHash, snap.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO sync_runs (id, enrollment_id, billing_period, started_at, duration_ms, status,
			pages, record_count, divergence, divergence_date, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.Exec(ctx, query,
		run.ID, run.Key.EnrollmentID, run.Key.BillingPeriod, run.StartedAt, run.Duration.Milliseconds(),
		string(run.Status), run.Pages, run.RecordCount, run.Divergence, run.DivergenceDate, run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to log sync run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, key Key, limit int) ([]*Run, error) {
	query := `
		SELECT id, started_at, duration_ms, status, pages, record_count, divergence, divergence_date, error
		FROM sync_runs
		WHERE enrollment_id = $1 AND billing_period = $2
		ORDER BY started_at DESC
		LIMIT $3
	`
	rows, err := s.db.Query(ctx, query, key.EnrollmentID, key.BillingPeriod, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := Run{Key: key}
		var (
			durationMs int64
			status     string
		)
		err := rows.Scan(
			&r.ID, &r.StartedAt, &durationMs, &status, &r.Pages, &r.RecordCount,
			&r.Divergence, &r.DivergenceDate, &r.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.Status = RunStatus(status)
		runs = append(runs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}

func encodeRecords(records []usage.Record) ([]byte, error) {
	if records == nil {
		records = []usage.Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot records: %w", err)
	}
	return raw, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
