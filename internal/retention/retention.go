// Package retention bounds raw observation growth, grounded on the
// teacher's cleanupOldDataInternal (cmd/server/db.go): compute a cutoff
// from "now minus a configured window" and delete everything older.
// Rollups are kept indefinitely, same as the teacher keeps its daily
// aggregates forever — only raw observations are pruned.
package retention

import (
	"context"
	"fmt"
	"time"

	"apiwatch/internal/clock"
	"apiwatch/internal/store"
)

// Cleaner deletes raw observations past their retention window.
type Cleaner interface {
	Clean(ctx context.Context) (int64, error)
}

// storeCleaner is the default Cleaner, backed by a store.Store.
type storeCleaner struct {
	store store.Store
	clock clock.Clock
	after time.Duration
}

// New returns a Cleaner that deletes observations older than retain,
// measured from the current time.
func New(s store.Store, retain time.Duration) Cleaner {
	return &storeCleaner{store: s, clock: clock.Real{}, after: retain}
}

func (c *storeCleaner) Clean(ctx context.Context) (int64, error) {
	cutoff := c.clock.Now().Add(-c.after)
	n, err := c.store.DeleteObservationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention: delete before %s: %w", cutoff, err)
	}
	return n, nil
}
