// Package model holds the domain entities shared across the store,
// aggregator, and evaluator: projects, raw observations, rollups, alert
// policies, and alert events. Types here carry no behavior beyond small
// value-object helpers — persistence and business logic live in the
// packages that consume them.
package model

import (
	"time"

	"github.com/google/uuid"

	"apiwatch/internal/bucket"
)

// Project is the tenant boundary: it owns observations, policies, rollups,
// and (transitively via policy) alert events.
type Project struct {
	ID                uuid.UUID
	Name              string
	NotificationEmail string
	CreatedAt         time.Time
}

// Observation is one raw request outcome reported by an instrumented
// client. Append-only; subject to retention cleanup (out of scope for the
// core).
type Observation struct {
	ProjectID  uuid.UUID
	Endpoint   string
	Method     string
	StatusCode int
	LatencyMS  int
	Timestamp  time.Time
}

// IsError reports whether the observation counts as an error for
// error_count purposes (status_code >= 500).
func (o Observation) IsError() bool {
	return o.StatusCode >= 500
}

// RollupKey is the identity key of a rollup row: (project, endpoint,
// bucket_start, bucket_width) is unique.
type RollupKey struct {
	ProjectID   uuid.UUID
	Endpoint    string
	BucketStart time.Time
	BucketWidth bucket.Width
}

// Rollup is the aggregate of all observations falling into one bucket for
// one (project, endpoint) pair.
type Rollup struct {
	Key          RollupKey
	RequestCount int
	ErrorCount   int
	P95LatencyMS int
}

// Valid checks the invariants a rollup must satisfy regardless of how it
// was produced: request_count >= error_count >= 0, and the bucket start is
// aligned to its width.
func (r Rollup) Valid() bool {
	if r.ErrorCount < 0 || r.RequestCount < r.ErrorCount {
		return false
	}
	return r.Key.BucketStart.Unix()%r.Key.BucketWidth.Seconds() == 0
}

// Metric is a derived value an alert policy can threshold on.
type Metric string

const (
	MetricLatencyP95 Metric = "latency_p95"
	MetricErrorRate  Metric = "error_rate"
	MetricThroughput Metric = "throughput"
)

// Comparison is the operator an alert policy's threshold test uses.
type Comparison string

const (
	ComparisonGreaterThan Comparison = ">"
	ComparisonLessThan    Comparison = "<"
)

// Severity is the operator-facing urgency of an alert policy / event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// AlertPolicy is a declarative condition over a derived metric for one
// project. Mutable by the external management surface; the core only
// reads policies as of evaluation time.
type AlertPolicy struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	Name            string
	Metric          Metric
	Comparison      Comparison
	Threshold       float64
	Severity        Severity
	CooldownMinutes int
	IsActive        bool
}

// AlertEvent is an append-only record of a policy firing.
type AlertEvent struct {
	ID          uuid.UUID
	PolicyID    uuid.UUID
	TriggeredAt time.Time
	Value       float64
	Resolved    bool
}

// CooldownUntil returns the instant at which this event's cooldown window
// ends, given the policy's configured cooldown.
func (e AlertEvent) CooldownUntil(cooldownMinutes int) time.Time {
	return e.TriggeredAt.Add(time.Duration(cooldownMinutes) * time.Minute)
}

// APIKey is a per-project ingestion credential. LookupHash is a
// deterministic digest used to find the row in one indexed query;
// BCryptHash is checked afterward so a leaked row still requires the
// plaintext key to pass authentication.
type APIKey struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	LookupHash string
	BCryptHash string
	CreatedAt  time.Time
	IsActive   bool
}
