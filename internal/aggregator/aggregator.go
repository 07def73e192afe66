// Package aggregator turns raw observations into per-bucket rollups. It
// runs once per scheduler tick for each supported bucket width, grounded on
// the teacher's aggregate15MinInternal/aggregateHourlyInternal/
// aggregateDailyInternal trio in cmd/server/db.go: snapshot the tick's
// window of observations, group them in memory by bucket, and upsert each
// group's contribution. request_count and error_count are merged
// additively across passes that touch the same bucket — a bucket is filled
// in by many one-minute ticks over its lifetime — while p95_latency_ms is
// always recomputed from the bucket's full observation set, never merged,
// because nearest-rank percentiles do not compose across partial batches
// the way sums do.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"apiwatch/internal/bucket"
	"apiwatch/internal/model"
	"apiwatch/internal/store"
)

// Aggregator computes rollups for the half-open window [start, end) passed
// to Run across every bucket.Width, reading observations from and writing
// rollups to Store.
type Aggregator struct {
	Store store.Store
}

// New returns an Aggregator backed by s.
func New(s store.Store) *Aggregator {
	return &Aggregator{Store: s}
}

// group accumulates the slice of a bucket contributed by one [start, end)
// window: how many requests and errors landed in the window, independent
// of anything already on the bucket's row.
type group struct {
	key          model.RollupKey
	requestCount int
	errorCount   int
}

// Run reads every observation in [start, end), groups them by
// (project, endpoint, bucket_start) at each supported width, and upserts
// each group's contribution. It returns the rollups it wrote, for callers
// (the evaluator) that want to act on freshly computed buckets without a
// second read.
func (a *Aggregator) Run(ctx context.Context, start, end time.Time) ([]model.Rollup, error) {
	obs, err := a.Store.RangeObservations(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("aggregator: range observations [%s,%s): %w", start, end, err)
	}

	var written []model.Rollup
	for _, w := range bucket.Widths {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		groups := groupByBucket(obs, w)
		for _, g := range groups {
			r, err := a.applyGroup(ctx, g)
			if err != nil {
				return written, fmt.Errorf("aggregator: apply bucket %s/%s@%s: %w", g.key.ProjectID, g.key.Endpoint, g.key.BucketStart, err)
			}
			written = append(written, r)
		}
	}
	return written, nil
}

// groupByBucket buckets obs by (project, endpoint, bucket start) at width
// w, preserving a stable order so results are deterministic across runs.
func groupByBucket(obs []model.Observation, w bucket.Width) []group {
	index := make(map[model.RollupKey]int)
	var groups []group
	for _, o := range obs {
		key := model.RollupKey{
			ProjectID:   o.ProjectID,
			Endpoint:    o.Endpoint,
			BucketStart: bucket.Align(o.Timestamp, w),
			BucketWidth: w,
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{key: key})
		}
		groups[i].requestCount++
		if o.IsError() {
			groups[i].errorCount++
		}
	}
	return groups
}

// applyGroup upserts one bucket's contribution in two steps: first an
// additive merge of request/error counts that leaves whatever p95 is
// already stored untouched, then a full recompute of p95 from every
// observation in the bucket that leaves the counts just written untouched.
// Splitting the write this way lets the existing per-key UpsertRollup
// primitive serve both without a third Store method.
func (a *Aggregator) applyGroup(ctx context.Context, g group) (model.Rollup, error) {
	addCounts := func(existing *model.Rollup, fresh model.Rollup) model.Rollup {
		if existing == nil {
			return fresh
		}
		merged := *existing
		merged.RequestCount += fresh.RequestCount
		merged.ErrorCount += fresh.ErrorCount
		return merged
	}
	withCounts, err := a.Store.UpsertRollup(ctx, g.key, model.Rollup{
		Key:          g.key,
		RequestCount: g.requestCount,
		ErrorCount:   g.errorCount,
	}, addCounts)
	if err != nil {
		return model.Rollup{}, err
	}

	full, err := a.Store.RangeObservationsInBucket(ctx, g.key.ProjectID, g.key.Endpoint, g.key.BucketStart, g.key.BucketWidth)
	if err != nil {
		return model.Rollup{}, err
	}
	latencies := make([]int, 0, len(full))
	for _, o := range full {
		latencies = append(latencies, o.LatencyMS)
	}
	p95 := bucket.P95(latencies)

	overwriteP95 := func(existing *model.Rollup, fresh model.Rollup) model.Rollup {
		merged := withCounts
		if existing != nil {
			merged.RequestCount = existing.RequestCount
			merged.ErrorCount = existing.ErrorCount
		}
		merged.P95LatencyMS = fresh.P95LatencyMS
		return merged
	}
	return a.Store.UpsertRollup(ctx, g.key, model.Rollup{Key: g.key, P95LatencyMS: p95}, overwriteP95)
}
