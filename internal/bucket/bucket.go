// Package bucket implements the pure time-bucket arithmetic used by the
// aggregator: aligning a timestamp to a bucket start and computing p95 over
// a set of latencies. Neither function touches I/O or wall-clock time.
package bucket

import (
	"fmt"
	"sort"
	"time"
)

// Width is a supported rollup bucket width.
type Width time.Duration

// Supported bucket widths, per the spec.
const (
	Width1m Width = Width(time.Minute)
	Width5m Width = Width(5 * time.Minute)
	Width1h Width = Width(time.Hour)
)

// Widths lists every bucket width the aggregator produces rollups for, in
// the order the aggregator evaluates them.
var Widths = []Width{Width1m, Width5m, Width1h}

func (w Width) String() string {
	switch w {
	case Width1m:
		return "1m"
	case Width5m:
		return "5m"
	case Width1h:
		return "1h"
	default:
		return fmt.Sprintf("%ds", int(time.Duration(w).Seconds()))
	}
}

// Seconds returns the width in whole seconds.
func (w Width) Seconds() int64 {
	return int64(time.Duration(w).Seconds())
}

// Align returns the start of the bucket of the given width that ts falls
// into. All arithmetic is in UTC epoch seconds: n = floor(ts/width); the
// result is n*width. No local time, no DST.
func Align(ts time.Time, w Width) time.Time {
	secs := ts.Unix()
	width := w.Seconds()
	n := secs / width
	if secs%width != 0 && secs < 0 {
		// floor division for negative epoch seconds (pre-1970 timestamps);
		// Go's integer division truncates toward zero, floor needs a nudge.
		n--
	}
	return time.Unix(n*width, 0).UTC()
}

// P95 returns the 95th-percentile latency using the nearest-rank variant
// preserved from the source system: sort ascending, i = max(0,
// floor(len*0.95)-1), return latencies[i]. An empty slice returns 0. The
// input is not mutated.
func P95(latencies []int) int {
	n := len(latencies)
	if n == 0 {
		return 0
	}
	sorted := make([]int, n)
	copy(sorted, latencies)
	sort.Ints(sorted)

	i := int(float64(n)*0.95) - 1
	if i < 0 {
		i = 0
	}
	return sorted[i]
}
