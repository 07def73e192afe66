// Package store defines the persistence contract the aggregator, evaluator,
// and API layer depend on. Two backends implement it: pgstore (Postgres,
// via pgx) for production, and sqlitestore (modernc.org/sqlite) for
// embedded deployments and tests. Neither backend type is referenced
// outside its own subpackage; callers depend only on the Store interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"apiwatch/internal/bucket"
	"apiwatch/internal/model"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// RollupMerge is applied to the existing rollup (if any) and the newly
// computed one for the same key, and must return the row to persist. The
// aggregator upserts each bucket twice: once with a merge that adds the
// window's request/error counts to the existing row, and once with a merge
// that replaces p95 with a value recomputed from every observation in the
// bucket. Counts are therefore not idempotent: re-aggregating a window that
// was already applied adds its counts a second time.
type RollupMerge func(existing *model.Rollup, fresh model.Rollup) model.Rollup

// Store is the persistence contract for the aggregation and alerting core.
// Implementations must make UpsertRollup atomic per key: concurrent
// upserts to the same (project, endpoint, bucket_start, bucket_width) must
// serialize, since the aggregator makes no ordering guarantee across
// windows and relies on the store to make same-key writes safe.
type Store interface {
	// InsertObservation appends one raw observation.
	InsertObservation(ctx context.Context, o model.Observation) error

	// RangeObservations returns every observation, across all projects,
	// whose timestamp falls in the half-open window [start, end). The
	// aggregator snapshots a tick's window with this call, then groups the
	// result in memory by (project, endpoint, bucket_start) per width.
	RangeObservations(ctx context.Context, start, end time.Time) ([]model.Observation, error)

	// RangeObservationsInBucket returns every observation for
	// (projectID, endpoint) whose timestamp falls in [start, start+width).
	// Used by the aggregator to recompute p95 over the full bucket
	// contents, not just a single batch.
	RangeObservationsInBucket(ctx context.Context, projectID uuid.UUID, endpoint string, start time.Time, width bucket.Width) ([]model.Observation, error)

	// UpsertRollup computes the row to persist by calling merge with the
	// existing row for key (nil if none) and fresh, then stores the
	// result. Returns the persisted rollup.
	UpsertRollup(ctx context.Context, key model.RollupKey, fresh model.Rollup, merge RollupMerge) (model.Rollup, error)

	// Rollup fetches the current rollup for key, or ErrNotFound.
	Rollup(ctx context.Context, key model.RollupKey) (model.Rollup, error)

	// RangeRollups returns rollups for a project/endpoint within
	// [start, end) at the given width, ordered by bucket_start ascending.
	RangeRollups(ctx context.Context, projectID uuid.UUID, endpoint string, start, end time.Time, width bucket.Width) ([]model.Rollup, error)

	// ListActivePolicies returns every active alert policy for a project,
	// or for every project when projectID is uuid.Nil.
	ListActivePolicies(ctx context.Context, projectID uuid.UUID) ([]model.AlertPolicy, error)

	// LatestAlertEvent returns the most recent event for a policy, or
	// ErrNotFound if the policy has never fired.
	LatestAlertEvent(ctx context.Context, policyID uuid.UUID) (model.AlertEvent, error)

	// InsertAlertEvent atomically re-reads the policy's latest event and
	// inserts the new one only if the caller's view of the cooldown still
	// holds at write time, guarding against a second evaluator instance
	// racing the same window. Implementations must perform the re-read and
	// insert under one lock or transaction. It returns (event, true, nil)
	// on success, or (existing, false, nil) if another event already
	// supersedes it.
	InsertAlertEvent(ctx context.Context, policyID uuid.UUID, notBefore time.Time, event model.AlertEvent) (model.AlertEvent, bool, error)

	// RecentAlertEvents returns up to limit events for a project, most
	// recent first.
	RecentAlertEvents(ctx context.Context, projectID uuid.UUID, limit int) ([]model.AlertEvent, error)

	// DeleteObservationsBefore deletes raw observations older than cutoff
	// and reports how many rows were removed. Used by the retention job.
	DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Project/Policy management used by the API layer.
	CreateProject(ctx context.Context, p model.Project) error
	Project(ctx context.Context, id uuid.UUID) (model.Project, error)
	CreatePolicy(ctx context.Context, p model.AlertPolicy) error

	// CreateAPIKey persists a newly generated ingestion credential.
	CreateAPIKey(ctx context.Context, k model.APIKey) error

	// FindAPIKeyByLookupHash returns the key whose LookupHash matches, or
	// ErrNotFound. Callers must still verify the presented plaintext
	// against BCryptHash before trusting the result.
	FindAPIKeyByLookupHash(ctx context.Context, lookupHash string) (model.APIKey, error)

	// TryMarkWindowProcessed atomically marks the one-minute aggregation
	// window starting at windowStart as processed. It returns true the
	// first time a given windowStart is marked, and false on every
	// subsequent call for the same windowStart — the scheduler uses this
	// ledger to survive restarts and ticker jitter without re-aggregating
	// (and thus double-counting) a window it already finished.
	TryMarkWindowProcessed(ctx context.Context, windowStart time.Time) (bool, error)

	// LastProcessedWindow returns the start of the most recently marked
	// window, or ok=false if none has been processed yet.
	LastProcessedWindow(ctx context.Context) (windowStart time.Time, ok bool, err error)

	// Close releases underlying resources (connection pools, file
	// handles).
	Close() error
}
