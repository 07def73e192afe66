// Package pgstore implements store.Store on top of PostgreSQL via pgx/v5
// and pgxpool, for production deployments. Query style — pool.Query with
// $n placeholders, manual rows.Scan, ON CONFLICT DO UPDATE upserts —
// follows the teacher's internal/cloud/database access layer.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"apiwatch/internal/bucket"
	"apiwatch/internal/model"
	"apiwatch/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	notification_email TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
	id BIGSERIAL PRIMARY KEY,
	project_id UUID NOT NULL,
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_lookup ON observations(project_id, endpoint, observed_at);

CREATE TABLE IF NOT EXISTS rollups (
	project_id UUID NOT NULL,
	endpoint TEXT NOT NULL,
	bucket_start TIMESTAMPTZ NOT NULL,
	bucket_width_sec BIGINT NOT NULL,
	request_count INTEGER NOT NULL,
	error_count INTEGER NOT NULL,
	p95_latency_ms INTEGER NOT NULL,
	PRIMARY KEY (project_id, endpoint, bucket_start, bucket_width_sec)
);
CREATE INDEX IF NOT EXISTS idx_rollups_range ON rollups(project_id, endpoint, bucket_width_sec, bucket_start);

CREATE TABLE IF NOT EXISTS alert_policies (
	id UUID PRIMARY KEY,
	project_id UUID NOT NULL,
	name TEXT NOT NULL,
	metric TEXT NOT NULL,
	comparison TEXT NOT NULL,
	threshold DOUBLE PRECISION NOT NULL,
	severity TEXT NOT NULL,
	cooldown_minutes INTEGER NOT NULL,
	is_active BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_policies_project ON alert_policies(project_id, is_active);

CREATE TABLE IF NOT EXISTS alert_events (
	id UUID PRIMARY KEY,
	policy_id UUID NOT NULL,
	triggered_at TIMESTAMPTZ NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	resolved BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_events_policy ON alert_events(policy_id, triggered_at DESC);

CREATE TABLE IF NOT EXISTS api_keys (
	id UUID PRIMARY KEY,
	project_id UUID NOT NULL,
	lookup_hash TEXT NOT NULL UNIQUE,
	bcrypt_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	is_active BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_lookup ON api_keys(lookup_hash);

CREATE TABLE IF NOT EXISTS processed_windows (
	window_start TIMESTAMPTZ PRIMARY KEY
);
`

// Store is a Postgres-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, migrates the schema, and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) InsertObservation(ctx context.Context, o model.Observation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO observations (project_id, endpoint, method, status_code, latency_ms, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ProjectID, o.Endpoint, o.Method, o.StatusCode, o.LatencyMS, o.Timestamp.UTC())
	return err
}

func (s *Store) RangeObservationsInBucket(ctx context.Context, projectID uuid.UUID, endpoint string, start time.Time, width bucket.Width) ([]model.Observation, error) {
	end := start.Add(time.Duration(width))
	rows, err := s.pool.Query(ctx, `
		SELECT method, status_code, latency_ms, observed_at FROM observations
		WHERE project_id = $1 AND endpoint = $2 AND observed_at >= $3 AND observed_at < $4`,
		projectID, endpoint, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		if err := rows.Scan(&o.Method, &o.StatusCode, &o.LatencyMS, &o.Timestamp); err != nil {
			return nil, err
		}
		o.ProjectID = projectID
		o.Endpoint = endpoint
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) RangeObservations(ctx context.Context, start, end time.Time) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, endpoint, method, status_code, latency_ms, observed_at FROM observations
		WHERE observed_at >= $1 AND observed_at < $2`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		if err := rows.Scan(&o.ProjectID, &o.Endpoint, &o.Method, &o.StatusCode, &o.LatencyMS, &o.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) rollupLocked(ctx context.Context, tx pgx.Tx, key model.RollupKey) (*model.Rollup, error) {
	row := tx.QueryRow(ctx, `
		SELECT request_count, error_count, p95_latency_ms FROM rollups
		WHERE project_id = $1 AND endpoint = $2 AND bucket_start = $3 AND bucket_width_sec = $4
		FOR UPDATE`,
		key.ProjectID, key.Endpoint, key.BucketStart.UTC(), key.BucketWidth.Seconds())

	var r model.Rollup
	r.Key = key
	if err := row.Scan(&r.RequestCount, &r.ErrorCount, &r.P95LatencyMS); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) Rollup(ctx context.Context, key model.RollupKey) (model.Rollup, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT request_count, error_count, p95_latency_ms FROM rollups
		WHERE project_id = $1 AND endpoint = $2 AND bucket_start = $3 AND bucket_width_sec = $4`,
		key.ProjectID, key.Endpoint, key.BucketStart.UTC(), key.BucketWidth.Seconds())

	var r model.Rollup
	r.Key = key
	if err := row.Scan(&r.RequestCount, &r.ErrorCount, &r.P95LatencyMS); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Rollup{}, store.ErrNotFound
		}
		return model.Rollup{}, err
	}
	return r, nil
}

// UpsertRollup runs the read-merge-write inside a transaction with a
// row-level lock (SELECT ... FOR UPDATE) on the target key, so concurrent
// upserts to the same bucket serialize the way store.Store requires.
func (s *Store) UpsertRollup(ctx context.Context, key model.RollupKey, fresh model.Rollup, merge store.RollupMerge) (model.Rollup, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Rollup{}, err
	}
	defer tx.Rollback(ctx)

	existing, err := s.rollupLocked(ctx, tx, key)
	if err != nil {
		return model.Rollup{}, err
	}
	merged := merge(existing, fresh)

	_, err = tx.Exec(ctx, `
		INSERT INTO rollups (project_id, endpoint, bucket_start, bucket_width_sec, request_count, error_count, p95_latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, endpoint, bucket_start, bucket_width_sec) DO UPDATE SET
			request_count = excluded.request_count,
			error_count = excluded.error_count,
			p95_latency_ms = excluded.p95_latency_ms`,
		key.ProjectID, key.Endpoint, key.BucketStart.UTC(), key.BucketWidth.Seconds(),
		merged.RequestCount, merged.ErrorCount, merged.P95LatencyMS)
	if err != nil {
		return model.Rollup{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Rollup{}, err
	}
	return merged, nil
}

func (s *Store) RangeRollups(ctx context.Context, projectID uuid.UUID, endpoint string, start, end time.Time, width bucket.Width) ([]model.Rollup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bucket_start, request_count, error_count, p95_latency_ms FROM rollups
		WHERE project_id = $1 AND endpoint = $2 AND bucket_width_sec = $3 AND bucket_start >= $4 AND bucket_start < $5
		ORDER BY bucket_start ASC`,
		projectID, endpoint, width.Seconds(), start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Rollup
	for rows.Next() {
		var r model.Rollup
		r.Key = model.RollupKey{ProjectID: projectID, Endpoint: endpoint, BucketWidth: width}
		if err := rows.Scan(&r.Key.BucketStart, &r.RequestCount, &r.ErrorCount, &r.P95LatencyMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListActivePolicies(ctx context.Context, projectID uuid.UUID) ([]model.AlertPolicy, error) {
	query := `SELECT id, project_id, name, metric, comparison, threshold, severity, cooldown_minutes, is_active
		FROM alert_policies WHERE is_active = true`
	args := []any{}
	if projectID != uuid.Nil {
		query += " AND project_id = $1"
		args = append(args, projectID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AlertPolicy
	for rows.Next() {
		var p model.AlertPolicy
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Metric, &p.Comparison, &p.Threshold, &p.Severity, &p.CooldownMinutes, &p.IsActive); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) LatestAlertEvent(ctx context.Context, policyID uuid.UUID) (model.AlertEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, triggered_at, value, resolved FROM alert_events
		WHERE policy_id = $1 ORDER BY triggered_at DESC LIMIT 1`, policyID)

	var e model.AlertEvent
	e.PolicyID = policyID
	if err := row.Scan(&e.ID, &e.TriggeredAt, &e.Value, &e.Resolved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AlertEvent{}, store.ErrNotFound
		}
		return model.AlertEvent{}, err
	}
	return e, nil
}

// InsertAlertEvent runs the re-read-and-insert inside one transaction that
// holds a per-policy advisory lock, so two evaluators racing the same
// cooldown window serialize rather than both inserting, including when the
// policy has no events yet.
func (s *Store) InsertAlertEvent(ctx context.Context, policyID uuid.UUID, notBefore time.Time, event model.AlertEvent) (model.AlertEvent, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.AlertEvent{}, false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, policyID.String()); err != nil {
		return model.AlertEvent{}, false, err
	}

	row := tx.QueryRow(ctx, `
		SELECT id, triggered_at, value, resolved FROM alert_events
		WHERE policy_id = $1 ORDER BY triggered_at DESC LIMIT 1 FOR UPDATE`, policyID)

	var existing model.AlertEvent
	existing.PolicyID = policyID
	err = row.Scan(&existing.ID, &existing.TriggeredAt, &existing.Value, &existing.Resolved)
	switch {
	case err == nil && existing.TriggeredAt.After(notBefore):
		return existing, false, nil
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return model.AlertEvent{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO alert_events (id, policy_id, triggered_at, value, resolved) VALUES ($1, $2, $3, $4, $5)`,
		event.ID, policyID, event.TriggeredAt.UTC(), event.Value, event.Resolved)
	if err != nil {
		return model.AlertEvent{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.AlertEvent{}, false, err
	}
	return event, true, nil
}

func (s *Store) RecentAlertEvents(ctx context.Context, projectID uuid.UUID, limit int) ([]model.AlertEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.policy_id, e.triggered_at, e.value, e.resolved
		FROM alert_events e JOIN alert_policies p ON p.id = e.policy_id
		WHERE p.project_id = $1
		ORDER BY e.triggered_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AlertEvent
	for rows.Next() {
		var e model.AlertEvent
		if err := rows.Scan(&e.ID, &e.PolicyID, &e.TriggeredAt, &e.Value, &e.Resolved); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM observations WHERE observed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CreateProject(ctx context.Context, p model.Project) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, name, notification_email, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.NotificationEmail, p.CreatedAt.UTC())
	return err
}

func (s *Store) Project(ctx context.Context, id uuid.UUID) (model.Project, error) {
	row := s.pool.QueryRow(ctx, `SELECT name, notification_email, created_at FROM projects WHERE id = $1`, id)
	var p model.Project
	p.ID = id
	if err := row.Scan(&p.Name, &p.NotificationEmail, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Project{}, store.ErrNotFound
		}
		return model.Project{}, err
	}
	return p, nil
}

func (s *Store) CreatePolicy(ctx context.Context, p model.AlertPolicy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_policies (id, project_id, name, metric, comparison, threshold, severity, cooldown_minutes, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.ProjectID, p.Name, p.Metric, p.Comparison, p.Threshold, p.Severity, p.CooldownMinutes, p.IsActive)
	return err
}

func (s *Store) CreateAPIKey(ctx context.Context, k model.APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, project_id, lookup_hash, bcrypt_hash, created_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		k.ID, k.ProjectID, k.LookupHash, k.BCryptHash, k.CreatedAt.UTC(), k.IsActive)
	return err
}

func (s *Store) FindAPIKeyByLookupHash(ctx context.Context, lookupHash string) (model.APIKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, bcrypt_hash, created_at, is_active FROM api_keys
		WHERE lookup_hash = $1`, lookupHash)

	var k model.APIKey
	k.LookupHash = lookupHash
	if err := row.Scan(&k.ID, &k.ProjectID, &k.BCryptHash, &k.CreatedAt, &k.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, store.ErrNotFound
		}
		return model.APIKey{}, err
	}
	return k, nil
}

// TryMarkWindowProcessed relies on the primary key on window_start to
// detect a duplicate mark: ON CONFLICT DO NOTHING makes the insert a no-op
// for a window already recorded, and RowsAffected tells the caller which
// case occurred without a separate existence check.
func (s *Store) TryMarkWindowProcessed(ctx context.Context, windowStart time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO processed_windows (window_start) VALUES ($1)
		ON CONFLICT (window_start) DO NOTHING`, windowStart.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) LastProcessedWindow(ctx context.Context) (time.Time, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT window_start FROM processed_windows ORDER BY window_start DESC LIMIT 1`)
	var windowStart time.Time
	if err := row.Scan(&windowStart); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return windowStart, true, nil
}
