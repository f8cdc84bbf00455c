package timectrl

import (
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	done := tc.Start(15*time.Millisecond, nil)
	<-done

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
}

func TestTimeControllerStopEndsUnboundedRun(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Millisecond, RealTime)

	stop := make(chan struct{})
	done := tc.Start(0, stop)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("controller did not stop")
	}
}

func TestTicksToMicros(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Millisecond, Accelerated)
	tc.TickRate = 32768

	tc.Advance(2 * time.Second)

	if got := tc.Ticks(); got != 65536 {
		t.Fatalf("Ticks() = %d, want 65536", got)
	}
	if got := Micros(tc); got != 2_000_000 {
		t.Fatalf("Micros() = %d, want 2000000", got)
	}
}

func TestAdvanceNotifiesListenersAndWaiters(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Millisecond, Accelerated)

	var seen []time.Time
	tc.AddListener(func(now time.Time) { seen = append(seen, now) })

	ch := tc.After(3 * time.Millisecond)

	tc.Advance(2 * time.Millisecond)
	select {
	case <-ch:
		t.Fatalf("After fired early")
	default:
	}

	tc.Advance(2 * time.Millisecond)
	select {
	case got := <-ch:
		if want := start.Add(4 * time.Millisecond); !got.Equal(want) {
			t.Fatalf("After delivered %v, want %v", got, want)
		}
	default:
		t.Fatalf("After did not fire once the deadline passed")
	}

	if len(seen) != 2 {
		t.Fatalf("listener calls = %d, want 2", len(seen))
	}
}
