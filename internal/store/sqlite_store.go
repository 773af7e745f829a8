package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS usage_snapshots (
	enrollment_id  TEXT    NOT NULL,
	billing_period TEXT    NOT NULL,
	records        TEXT    NOT NULL,
	etag           TEXT    NOT NULL DEFAULT '',
	access_key_hash TEXT   NOT NULL DEFAULT '',
	synced_at      INTEGER NOT NULL,
	PRIMARY KEY (enrollment_id, billing_period)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id              TEXT    PRIMARY KEY,
	enrollment_id   TEXT    NOT NULL,
	billing_period  TEXT    NOT NULL,
	started_at      INTEGER NOT NULL,
	duration_ms     INTEGER NOT NULL,
	status          TEXT    NOT NULL,
	pages           INTEGER NOT NULL DEFAULT 0,
	record_count    INTEGER NOT NULL DEFAULT 0,
	divergence      TEXT    NOT NULL DEFAULT '',
	divergence_date TEXT,
	error           TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_key_started
	ON sync_runs (enrollment_id, billing_period, started_at DESC);
`

// SQLiteStore keeps snapshots in a local SQLite file. Timestamps are stored
// as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. Pass ":memory:" for
// a throwaway store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// from splitting per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, key Key) (*Snapshot, error) {
	query := `
		SELECT records, etag, access_key_hash, synced_at
		FROM usage_snapshots
		WHERE enrollment_id = ? AND billing_period = ?
	`
	var (
		raw      string
		syncedAt int64
		snap     = Snapshot{Key: key}
	)
	err := s.db.QueryRowContext(ctx, query, key.EnrollmentID, key.BillingPeriod).Scan(&raw, &snap.ETag, &snap.AccessKeyHash, &syncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &snap.Records); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot records: %w", err)
	}
	snap.SyncedAt = time.Unix(0, syncedAt).UTC()
	return &snap, nil
}

func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	raw, err := encodeRecords(snap.Records)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO usage_snapshots (enrollment_id, billing_period, records, etag, access_key_hash, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (enrollment_id, billing_period)
		DO UPDATE SET records = excluded.records, etag = excluded.etag,
			access_key_hash = excluded.access_key_hash, synced_at = excluded.synced_at
	`
	_, err = s.db.ExecContext(ctx, query,
		snap.Key.EnrollmentID, snap.Key.BillingPeriod, string(raw), snap.ETag, snap.AccessKeyHash, snap.SyncedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LogRun(ctx context.Context, run *Run) error {
	var divergenceDate sql.NullString
	if run.DivergenceDate != nil {
		divergenceDate = sql.NullString{String: run.DivergenceDate.Format(time.DateOnly), Valid: true}
	}

	query := `
		INSERT INTO sync_runs (id, enrollment_id, billing_period, started_at, duration_ms, status,
			pages, record_count, divergence, divergence_date, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Key.EnrollmentID, run.Key.BillingPeriod, run.StartedAt.UnixNano(), run.Duration.Milliseconds(),
		string(run.Status), run.Pages, run.RecordCount, run.Divergence, divergenceDate, run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to log sync run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, key Key, limit int) ([]*Run, error) {
	query := `
		SELECT id, started_at, duration_ms, status, pages, record_count, divergence, divergence_date, error
		FROM sync_runs
		WHERE enrollment_id = ? AND billing_period = ?
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, key.EnrollmentID, key.BillingPeriod, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := Run{Key: key}
		var (
			startedAt      int64
			durationMs     int64
			status         string
			divergenceDate sql.NullString
		)
		err := rows.Scan(
			&r.ID, &startedAt, &durationMs, &status, &r.Pages, &r.RecordCount,
			&r.Divergence, &divergenceDate, &r.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		r.StartedAt = time.Unix(0, startedAt).UTC()
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.Status = RunStatus(status)
		if divergenceDate.Valid {
			d, err := time.Parse(time.DateOnly, divergenceDate.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse divergence date: %w", err)
			}
			r.DivergenceDate = &d
		}
		runs = append(runs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}
