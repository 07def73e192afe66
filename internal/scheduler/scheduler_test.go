package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"apiwatch/internal/clock"
)

func TestRunWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r := &Runner{Clock: fc, Log: slog.Default(), Deadline: time.Minute}

	attempts := 0
	job := Job{
		Name:      "aggregate",
		RetryBase: 10 * time.Second,
		MaxAttempts: 3,
		Run: func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient store error")
			}
			return nil
		},
	}

	if err := r.runWithRetry(context.Background(), job); err != nil {
		t.Fatalf("runWithRetry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRunWithRetryExhaustsAttempts(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r := &Runner{Clock: fc, Log: slog.Default(), Deadline: time.Minute}

	attempts := 0
	job := Job{
		Name:      "cleanup",
		RetryBase: 30 * time.Second,
		MaxAttempts: 2,
		Run: func(ctx context.Context) error {
			attempts++
			return errors.New("permanent store error")
		},
	}

	err := r.runWithRetry(context.Background(), job)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRunWithRetryStopsImmediatelyOnFatalError(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r := &Runner{Clock: fc, Log: slog.Default(), Deadline: time.Minute}

	attempts := 0
	job := Job{
		Name:      "aggregate",
		RetryBase: 10 * time.Second,
		MaxAttempts: 5,
		Run: func(ctx context.Context) error {
			attempts++
			return &FatalError{Err: errors.New("malformed window")}
		},
	}

	if err := r.runWithRetry(context.Background(), job); err == nil {
		t.Fatal("expected fatal error to propagate")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on fatal error)", attempts)
	}
}

func TestRunWithRetryRespectsDeadline(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r := &Runner{Clock: fc, Log: slog.Default(), Deadline: time.Minute}

	attempts := 0
	job := Job{
		Name:      "aggregate",
		RetryBase: 10 * time.Second,
		MaxAttempts: 10,
		Run: func(ctx context.Context) error {
			attempts++
			return errors.New("transient")
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already done

	if err := r.runWithRetry(ctx, job); err == nil {
		t.Fatal("expected deadline error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (context already done before first retry wait)", attempts)
	}
}
