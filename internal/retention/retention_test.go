package retention

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"apiwatch/internal/clock"
	"apiwatch/internal/model"
	"apiwatch/internal/store/sqlitestore"
)

func newTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "apiwatch_retention_test_*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	dbPath := tmpFile.Name()
	tmpFile.Close()

	s, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	})
	return s
}

func TestCleanDeletesOnlyOldObservations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := uuid.New()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(now)

	old := model.Observation{ProjectID: projectID, Endpoint: "/e", Method: "GET", StatusCode: 200, LatencyMS: 1, Timestamp: now.Add(-48 * time.Hour)}
	recent := model.Observation{ProjectID: projectID, Endpoint: "/e", Method: "GET", StatusCode: 200, LatencyMS: 1, Timestamp: now.Add(-time.Hour)}
	if err := s.InsertObservation(ctx, old); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := s.InsertObservation(ctx, recent); err != nil {
		t.Fatalf("insert recent: %v", err)
	}

	c := &storeCleaner{store: s, clock: fc, after: 24 * time.Hour}
	n, err := c.Clean(ctx)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}
}
