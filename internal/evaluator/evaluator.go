// Package evaluator tests freshly computed rollups against active alert
// policies and fires alert events, with a cooldown that prevents the same
// policy from re-firing while already in its cooldown window. Grounded on
// the teacher's AlertEngine.checkThreshold / checkCooldown / setCooldown in
// cmd/server/alert_engine.go, generalized from fixed CPU/memory/disk
// thresholds to the policy-driven Metric/Comparison pair this system uses.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"apiwatch/internal/cache"
	"apiwatch/internal/clock"
	"apiwatch/internal/model"
	"apiwatch/internal/store"
)

// Evaluator checks rollups against a project's active policies.
type Evaluator struct {
	Store     store.Store
	Cooldowns *cache.CooldownCache // accelerator only; nil disables it
	Clock     clock.Clock
	Notify    func(ctx context.Context, policy model.AlertPolicy, event model.AlertEvent) // optional
	Log       *slog.Logger
}

// New returns an Evaluator. cooldowns may be nil, in which case every
// evaluation falls back to the store's LatestAlertEvent.
func New(s store.Store, cooldowns *cache.CooldownCache) *Evaluator {
	return &Evaluator{Store: s, Cooldowns: cooldowns, Clock: clock.Real{}}
}

func (e *Evaluator) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

// value extracts the metric a policy thresholds on from a rollup.
func value(m model.Metric, r model.Rollup) (float64, error) {
	switch m {
	case model.MetricLatencyP95:
		return float64(r.P95LatencyMS), nil
	case model.MetricErrorRate:
		if r.RequestCount == 0 {
			return 0, nil
		}
		return float64(r.ErrorCount) / float64(r.RequestCount), nil
	case model.MetricThroughput:
		return float64(r.RequestCount), nil
	default:
		return 0, fmt.Errorf("evaluator: unknown metric %q", m)
	}
}

func breaches(c model.Comparison, v, threshold float64) bool {
	switch c {
	case model.ComparisonGreaterThan:
		return v > threshold
	case model.ComparisonLessThan:
		return v < threshold
	default:
		return false
	}
}

// Evaluate tests rollup against every active policy for its project and
// endpoint-agnostic project-wide policies, firing an alert event for each
// policy that both breaches its threshold and is out of cooldown. It
// returns the number of events fired.
func (e *Evaluator) Evaluate(ctx context.Context, rollup model.Rollup) (int, error) {
	policies, err := e.Store.ListActivePolicies(ctx, rollup.Key.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("evaluator: list policies: %w", err)
	}

	fired := 0
	for _, policy := range policies {
		v, err := value(policy.Metric, rollup)
		if err != nil {
			// Policy misconfiguration (e.g. a metric kind that doesn't
			// exist): logged and skipped, never fatal to the rest of the
			// rollup's policies.
			e.logger().Warn("evaluator: skipping unevaluable policy",
				"policy_id", policy.ID, "project_id", policy.ProjectID, "metric", policy.Metric, "error", err)
			continue
		}
		ok, err := e.evaluateOne(ctx, policy, rollup, v)
		if err != nil {
			return fired, fmt.Errorf("evaluator: policy %s: %w", policy.ID, err)
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, policy model.AlertPolicy, rollup model.Rollup, v float64) (bool, error) {
	if !breaches(policy.Comparison, v, policy.Threshold) {
		return false, nil
	}

	now := e.Clock.Now()
	if e.inCooldown(ctx, policy, now) {
		return false, nil
	}

	event := model.AlertEvent{
		ID:          uuid.New(),
		PolicyID:    policy.ID,
		TriggeredAt: now,
		Value:       v,
	}
	// notBefore is the instant our cooldown check considered valid: any
	// event already stored at or after it means another evaluator pass won
	// the race and this insert must be rejected rather than double-fired.
	notBefore := now.Add(-time.Duration(policy.CooldownMinutes) * time.Minute)
	stored, inserted, err := e.Store.InsertAlertEvent(ctx, policy.ID, notBefore, event)
	if err != nil {
		return false, err
	}
	if !inserted {
		if e.Cooldowns != nil {
			e.Cooldowns.Set(ctx, policy.ID, stored.CooldownUntil(policy.CooldownMinutes), time.Duration(policy.CooldownMinutes)*time.Minute)
		}
		return false, nil
	}

	if e.Cooldowns != nil {
		e.Cooldowns.Set(ctx, policy.ID, event.CooldownUntil(policy.CooldownMinutes), time.Duration(policy.CooldownMinutes)*time.Minute)
	}
	if e.Notify != nil {
		e.Notify(ctx, policy, stored)
	}
	return true, nil
}

// inCooldown reports whether policy fired within its cooldown window as of
// now. The cache is consulted first as an accelerator; a miss or disabled
// cache falls through to the store, which remains the source of truth.
func (e *Evaluator) inCooldown(ctx context.Context, policy model.AlertPolicy, now time.Time) bool {
	if e.Cooldowns != nil {
		if until, ok := e.Cooldowns.Get(ctx, policy.ID); ok {
			return now.Before(until)
		}
	}

	latest, err := e.Store.LatestAlertEvent(ctx, policy.ID)
	if err != nil {
		return false // no prior event (or lookup failure): not in cooldown
	}
	until := latest.CooldownUntil(policy.CooldownMinutes)
	if e.Cooldowns != nil {
		e.Cooldowns.Set(ctx, policy.ID, until, 0)
	}
	return now.Before(until)
}
