package observability

import (
	"testing"
	"time"
)

func TestJitterSummaryEmpty(t *testing.T) {
	j := NewJitterTracker(8)
	if s := j.Summary(); s != (JitterSummary{}) {
		t.Fatalf("Summary() = %+v, want zero", s)
	}
}

func TestJitterSummaryStatistics(t *testing.T) {
	j := NewJitterTracker(16)
	for _, us := range []int{10, 20, 30, 40} {
		j.Add(time.Duration(us) * time.Microsecond)
	}
	s := j.Summary()
	if s.Count != 4 {
		t.Fatalf("Count = %d, want 4", s.Count)
	}
	if d := s.Mean - 25*time.Microsecond; d < -time.Nanosecond || d > time.Nanosecond {
		t.Fatalf("Mean = %s, want 25us", s.Mean)
	}
	if s.StdDev <= 0 {
		t.Fatalf("StdDev = %s, want > 0", s.StdDev)
	}
	if d := s.Max - 40*time.Microsecond; d < -time.Nanosecond || d > time.Nanosecond {
		t.Fatalf("Max = %s, want 40us", s.Max)
	}
	if s.P99 < 30*time.Microsecond || s.P99 > s.Max {
		t.Fatalf("P99 = %s, want within [30us, %s]", s.P99, s.Max)
	}
}

func TestJitterWindowKeepsRecentSamples(t *testing.T) {
	j := NewJitterTracker(2)
	j.Add(time.Second)
	j.Add(time.Microsecond)
	j.Add(time.Microsecond)

	s := j.Summary()
	if s.Count != 2 {
		t.Fatalf("Count = %d, want 2", s.Count)
	}
	if s.Max > 2*time.Microsecond {
		t.Fatalf("Max = %s, old sample not evicted", s.Max)
	}
}

func TestJitterSingleSampleHasNoSpread(t *testing.T) {
	j := NewJitterTracker(4)
	j.Add(5 * time.Microsecond)
	if s := j.Summary(); s.StdDev != 0 {
		t.Fatalf("StdDev = %s, want 0", s.StdDev)
	}
}
