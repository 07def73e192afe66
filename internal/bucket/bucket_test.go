package bucket

import (
	"testing"
	"time"
)

func TestAlign(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)

	cases := []struct {
		width Width
		want  time.Time
	}{
		{Width1m, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Width5m, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Width1h, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got := Align(ts, c.width)
		if !got.Equal(c.want) {
			t.Errorf("Align(%v, %v) = %v, want %v", ts, c.width, got, c.want)
		}
	}
}

func TestAlignIsIdempotentAndMultipleOfWidth(t *testing.T) {
	ts := time.Date(2024, 3, 7, 13, 47, 12, 0, time.UTC)
	for _, w := range Widths {
		start := Align(ts, w)
		if start.Unix()%w.Seconds() != 0 {
			t.Errorf("bucket_start %v not aligned to width %v", start, w)
		}
		if again := Align(start, w); !again.Equal(start) {
			t.Errorf("Align not idempotent: Align(Align(ts)) = %v, want %v", again, start)
		}
	}
}

func TestP95Empty(t *testing.T) {
	if got := P95(nil); got != 0 {
		t.Errorf("P95(nil) = %d, want 0", got)
	}
	if got := P95([]int{}); got != 0 {
		t.Errorf("P95([]) = %d, want 0", got)
	}
}

func TestP95OffsetRule(t *testing.T) {
	// S2: 20 observations with latencies 1..20. p95 = latencies[floor(20*0.95)-1] = latencies[18] = 19.
	latencies := make([]int, 20)
	for i := range latencies {
		latencies[i] = i + 1
	}
	if got := P95(latencies); got != 19 {
		t.Errorf("P95(1..20) = %d, want 19", got)
	}
}

func TestP95SingleValue(t *testing.T) {
	if got := P95([]int{42}); got != 42 {
		t.Errorf("P95([42]) = %d, want 42", got)
	}
}

func TestP95UnsortedInputNotMutated(t *testing.T) {
	in := []int{5, 1, 4, 2, 3}
	cp := append([]int(nil), in...)
	P95(in)
	for i := range in {
		if in[i] != cp[i] {
			t.Fatalf("P95 mutated its input: got %v, want %v", in, cp)
		}
	}
}
