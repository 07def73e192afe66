// Package sqlitestore implements store.Store on top of modernc.org/sqlite,
// for embedded deployments and tests. Schema and pragma choices follow the
// teacher's InitDatabase: WAL journal mode, NORMAL synchronous, a
// busy_timeout in the DSN rather than relying on sqlite's default lock
// retry.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"apiwatch/internal/bucket"
	"apiwatch/internal/model"
	"apiwatch/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	notification_email TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_lookup ON observations(project_id, endpoint, timestamp);

CREATE TABLE IF NOT EXISTS rollups (
	project_id TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	bucket_start TEXT NOT NULL,
	bucket_width_sec INTEGER NOT NULL,
	request_count INTEGER NOT NULL,
	error_count INTEGER NOT NULL,
	p95_latency_ms INTEGER NOT NULL,
	PRIMARY KEY (project_id, endpoint, bucket_start, bucket_width_sec)
);
CREATE INDEX IF NOT EXISTS idx_rollups_range ON rollups(project_id, endpoint, bucket_width_sec, bucket_start);

CREATE TABLE IF NOT EXISTS alert_policies (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	metric TEXT NOT NULL,
	comparison TEXT NOT NULL,
	threshold REAL NOT NULL,
	severity TEXT NOT NULL,
	cooldown_minutes INTEGER NOT NULL,
	is_active INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_policies_project ON alert_policies(project_id, is_active);

CREATE TABLE IF NOT EXISTS alert_events (
	id TEXT PRIMARY KEY,
	policy_id TEXT NOT NULL,
	triggered_at TEXT NOT NULL,
	value REAL NOT NULL,
	resolved INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_events_policy ON alert_events(policy_id, triggered_at DESC);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	lookup_hash TEXT NOT NULL UNIQUE,
	bcrypt_hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	is_active INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_lookup ON api_keys(lookup_hash);

CREATE TABLE IF NOT EXISTS processed_windows (
	window_start TEXT PRIMARY KEY
);
`

// timeLayout is fixed-width (always nine fractional digits, UTC "Z"), so
// the stored strings sort and compare in chronological order in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a sqlite-backed store.Store. Writes are serialized through a
// mutex since sqlite allows only one writer at a time even under WAL; reads
// proceed concurrently against the same *sql.DB.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex // guards writes, mirroring the teacher's single-writer DBWriter
}

// Open creates/migrates the schema at path and returns a ready Store. Pass
// ":memory:" for an ephemeral in-process database (tests).
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil && path != ":memory:" {
		return nil, fmt.Errorf("sqlitestore: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("sqlitestore: set synchronous: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("sqlitestore: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) InsertObservation(ctx context.Context, o model.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (project_id, endpoint, method, status_code, latency_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.ProjectID.String(), o.Endpoint, o.Method, o.StatusCode, o.LatencyMS, o.Timestamp.UTC().Format(timeLayout))
	return err
}

func (s *Store) RangeObservationsInBucket(ctx context.Context, projectID uuid.UUID, endpoint string, start time.Time, width bucket.Width) ([]model.Observation, error) {
	end := start.Add(time.Duration(width))
	rows, err := s.db.QueryContext(ctx, `
		SELECT method, status_code, latency_ms, timestamp FROM observations
		WHERE project_id = ? AND endpoint = ? AND timestamp >= ? AND timestamp < ?`,
		projectID.String(), endpoint, start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var ts string
		if err := rows.Scan(&o.Method, &o.StatusCode, &o.LatencyMS, &ts); err != nil {
			return nil, err
		}
		o.ProjectID = projectID
		o.Endpoint = endpoint
		o.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) RangeObservations(ctx context.Context, start, end time.Time) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, endpoint, method, status_code, latency_ms, timestamp FROM observations
		WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var projectIDStr, ts string
		if err := rows.Scan(&projectIDStr, &o.Endpoint, &o.Method, &o.StatusCode, &o.LatencyMS, &ts); err != nil {
			return nil, err
		}
		if o.ProjectID, err = uuid.Parse(projectIDStr); err != nil {
			return nil, err
		}
		if o.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) rollupTx(ctx context.Context, key model.RollupKey) (*model.Rollup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_count, error_count, p95_latency_ms FROM rollups
		WHERE project_id = ? AND endpoint = ? AND bucket_start = ? AND bucket_width_sec = ?`,
		key.ProjectID.String(), key.Endpoint, key.BucketStart.UTC().Format(timeLayout), key.BucketWidth.Seconds())

	var r model.Rollup
	r.Key = key
	if err := row.Scan(&r.RequestCount, &r.ErrorCount, &r.P95LatencyMS); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) Rollup(ctx context.Context, key model.RollupKey) (model.Rollup, error) {
	r, err := s.rollupTx(ctx, key)
	if err != nil {
		return model.Rollup{}, err
	}
	if r == nil {
		return model.Rollup{}, store.ErrNotFound
	}
	return *r, nil
}

func (s *Store) UpsertRollup(ctx context.Context, key model.RollupKey, fresh model.Rollup, merge store.RollupMerge) (model.Rollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.rollupTx(ctx, key)
	if err != nil {
		return model.Rollup{}, err
	}
	merged := merge(existing, fresh)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollups (project_id, endpoint, bucket_start, bucket_width_sec, request_count, error_count, p95_latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, endpoint, bucket_start, bucket_width_sec) DO UPDATE SET
			request_count = excluded.request_count,
			error_count = excluded.error_count,
			p95_latency_ms = excluded.p95_latency_ms`,
		key.ProjectID.String(), key.Endpoint, key.BucketStart.UTC().Format(timeLayout), key.BucketWidth.Seconds(),
		merged.RequestCount, merged.ErrorCount, merged.P95LatencyMS)
	if err != nil {
		return model.Rollup{}, err
	}
	return merged, nil
}

func (s *Store) RangeRollups(ctx context.Context, projectID uuid.UUID, endpoint string, start, end time.Time, width bucket.Width) ([]model.Rollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_start, request_count, error_count, p95_latency_ms FROM rollups
		WHERE project_id = ? AND endpoint = ? AND bucket_width_sec = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start ASC`,
		projectID.String(), endpoint, width.Seconds(), start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Rollup
	for rows.Next() {
		var r model.Rollup
		var ts string
		if err := rows.Scan(&ts, &r.RequestCount, &r.ErrorCount, &r.P95LatencyMS); err != nil {
			return nil, err
		}
		r.Key = model.RollupKey{ProjectID: projectID, Endpoint: endpoint, BucketWidth: width}
		r.Key.BucketStart, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListActivePolicies(ctx context.Context, projectID uuid.UUID) ([]model.AlertPolicy, error) {
	query := `SELECT id, project_id, name, metric, comparison, threshold, severity, cooldown_minutes, is_active
		FROM alert_policies WHERE is_active = 1`
	args := []any{}
	if projectID != uuid.Nil {
		query += " AND project_id = ?"
		args = append(args, projectID.String())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AlertPolicy
	for rows.Next() {
		var p model.AlertPolicy
		var idStr, projIDStr string
		var active int
		if err := rows.Scan(&idStr, &projIDStr, &p.Name, &p.Metric, &p.Comparison, &p.Threshold, &p.Severity, &p.CooldownMinutes, &active); err != nil {
			return nil, err
		}
		if p.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		if p.ProjectID, err = uuid.Parse(projIDStr); err != nil {
			return nil, err
		}
		p.IsActive = active != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) LatestAlertEvent(ctx context.Context, policyID uuid.UUID) (model.AlertEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, triggered_at, value, resolved FROM alert_events
		WHERE policy_id = ? ORDER BY triggered_at DESC LIMIT 1`, policyID.String())

	var e model.AlertEvent
	var idStr, ts string
	var resolved int
	if err := row.Scan(&idStr, &ts, &e.Value, &resolved); err != nil {
		if err == sql.ErrNoRows {
			return model.AlertEvent{}, store.ErrNotFound
		}
		return model.AlertEvent{}, err
	}
	var err error
	if e.ID, err = uuid.Parse(idStr); err != nil {
		return model.AlertEvent{}, err
	}
	if e.TriggeredAt, err = time.Parse(timeLayout, ts); err != nil {
		return model.AlertEvent{}, err
	}
	e.PolicyID = policyID
	e.Resolved = resolved != 0
	return e, nil
}

func (s *Store) InsertAlertEvent(ctx context.Context, policyID uuid.UUID, notBefore time.Time, event model.AlertEvent) (model.AlertEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.LatestAlertEvent(ctx, policyID)
	if err != nil && err != store.ErrNotFound {
		return model.AlertEvent{}, false, err
	}
	if err == nil && existing.TriggeredAt.After(notBefore) {
		// Another evaluator pass already fired inside our cooldown window.
		return existing, false, nil
	}

	resolved := 0
	if event.Resolved {
		resolved = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_events (id, policy_id, triggered_at, value, resolved) VALUES (?, ?, ?, ?, ?)`,
		event.ID.String(), policyID.String(), event.TriggeredAt.UTC().Format(timeLayout), event.Value, resolved)
	if err != nil {
		return model.AlertEvent{}, false, err
	}
	return event, true, nil
}

func (s *Store) RecentAlertEvents(ctx context.Context, projectID uuid.UUID, limit int) ([]model.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.policy_id, e.triggered_at, e.value, e.resolved
		FROM alert_events e JOIN alert_policies p ON p.id = e.policy_id
		WHERE p.project_id = ?
		ORDER BY e.triggered_at DESC LIMIT ?`, projectID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AlertEvent
	for rows.Next() {
		var e model.AlertEvent
		var idStr, policyIDStr, ts string
		var resolved int
		if err := rows.Scan(&idStr, &policyIDStr, &ts, &e.Value, &resolved); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		if e.PolicyID, err = uuid.Parse(policyIDStr); err != nil {
			return nil, err
		}
		if e.TriggeredAt, err = time.Parse(timeLayout, ts); err != nil {
			return nil, err
		}
		e.Resolved = resolved != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM observations WHERE timestamp < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreateProject(ctx context.Context, p model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, notification_email, created_at) VALUES (?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.NotificationEmail, p.CreatedAt.UTC().Format(timeLayout))
	return err
}

func (s *Store) Project(ctx context.Context, id uuid.UUID) (model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, notification_email, created_at FROM projects WHERE id = ?`, id.String())
	var p model.Project
	var ts string
	if err := row.Scan(&p.Name, &p.NotificationEmail, &ts); err != nil {
		if err == sql.ErrNoRows {
			return model.Project{}, store.ErrNotFound
		}
		return model.Project{}, err
	}
	var err error
	if p.CreatedAt, err = time.Parse(timeLayout, ts); err != nil {
		return model.Project{}, err
	}
	p.ID = id
	return p, nil
}

func (s *Store) CreatePolicy(ctx context.Context, p model.AlertPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	if p.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_policies (id, project_id, name, metric, comparison, threshold, severity, cooldown_minutes, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.ProjectID.String(), p.Name, p.Metric, p.Comparison, p.Threshold, p.Severity, p.CooldownMinutes, active)
	return err
}

func (s *Store) CreateAPIKey(ctx context.Context, k model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	if k.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, project_id, lookup_hash, bcrypt_hash, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID.String(), k.ProjectID.String(), k.LookupHash, k.BCryptHash, k.CreatedAt.UTC().Format(timeLayout), active)
	return err
}

func (s *Store) FindAPIKeyByLookupHash(ctx context.Context, lookupHash string) (model.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, bcrypt_hash, created_at, is_active FROM api_keys WHERE lookup_hash = ?`, lookupHash)

	var k model.APIKey
	var idStr, projectIDStr, ts string
	var active int
	if err := row.Scan(&idStr, &projectIDStr, &k.BCryptHash, &ts, &active); err != nil {
		if err == sql.ErrNoRows {
			return model.APIKey{}, store.ErrNotFound
		}
		return model.APIKey{}, err
	}
	var err error
	if k.ID, err = uuid.Parse(idStr); err != nil {
		return model.APIKey{}, err
	}
	if k.ProjectID, err = uuid.Parse(projectIDStr); err != nil {
		return model.APIKey{}, err
	}
	if k.CreatedAt, err = time.Parse(timeLayout, ts); err != nil {
		return model.APIKey{}, err
	}
	k.LookupHash = lookupHash
	k.IsActive = active != 0
	return k, nil
}

// TryMarkWindowProcessed relies on the window_start primary key to reject a
// duplicate insert: the unique-constraint violation is exactly the signal
// that this window was already processed.
func (s *Store) TryMarkWindowProcessed(ctx context.Context, windowStart time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO processed_windows (window_start) VALUES (?)`, windowStart.UTC().Format(timeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) LastProcessedWindow(ctx context.Context) (time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT window_start FROM processed_windows ORDER BY window_start DESC LIMIT 1`)
	var ts string
	if err := row.Scan(&ts); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	windowStart, err := time.Parse(timeLayout, ts)
	if err != nil {
		return time.Time{}, false, err
	}
	return windowStart, true, nil
}

// isUniqueViolation reports whether err came from a UNIQUE/PRIMARY KEY
// constraint violation. modernc.org/sqlite surfaces this as a plain error
// whose message names the constraint, so unlike pgstore there's no typed
// error to assert against.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
