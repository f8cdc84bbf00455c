package timectrl

import (
	"sync"
	"time"
)

// SimClock is node time as seen by the simulated radio, which waits on it
// to raise asynchronous completions.
type SimClock interface {
	// Now returns the current node time.
	Now() time.Time
	// After returns a channel that receives the node time once d has
	// elapsed in node time.
	After(d time.Duration) <-chan time.Time
}

// CPUTime is the monotonic hardware tick counter of the node.
type CPUTime interface {
	// Ticks returns the number of ticks since the clock started.
	Ticks() uint64
	// TicksToMicros converts a tick count into microseconds.
	TicksToMicros(ticks uint64) uint64
}

// Micros returns the current CPU time of c in microseconds.
func Micros(c CPUTime) uint64 {
	return c.TicksToMicros(c.Ticks())
}

// DefaultTickRate is the CPU timer frequency in Hz.
const DefaultTickRate = 1_000_000

// Mode describes how the TimeController advances node time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives node time and notifies registered listeners.
// It implements SimClock and CPUTime.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode
	// TickRate is the CPU timer frequency in Hz.
	TickRate uint64

	currentTime time.Time
	waiters     []waiter

	listeners []func(time.Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		TickRate:    DefaultTickRate,
		currentTime: start,
	}
}

// Now returns the current node time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// After returns a channel that receives the node time once d has elapsed.
// The channel fires when a later Advance, SetTime or tick moves time past the
// deadline. Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	tc.waiters = append(tc.waiters, waiter{at: at, ch: ch})
	return ch
}

// Ticks returns the tick count elapsed since StartTime. Implements CPUTime.
func (tc *TimeController) Ticks() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	elapsed := tc.currentTime.Sub(tc.StartTime)
	if elapsed < 0 {
		return 0
	}
	sec := uint64(elapsed / time.Second)
	rem := uint64(elapsed % time.Second)
	return sec*tc.rate() + rem*tc.rate()/uint64(time.Second)
}

// TicksToMicros converts ticks into microseconds. Implements CPUTime.
func (tc *TimeController) TicksToMicros(ticks uint64) uint64 {
	return ticks * 1_000_000 / tc.rate()
}

func (tc *TimeController) rate() uint64 {
	if tc.TickRate == 0 {
		return DefaultTickRate
	}
	return tc.TickRate
}

// AddListener registers a callback invoked on every tick or Advance.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// SetTime moves the current time to t without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	fired := tc.releaseWaitersLocked()
	tc.mu.Unlock()
	deliver(fired, t)
}

// Advance moves time forward by d and notifies listeners once.
func (tc *TimeController) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(d)
	now := tc.currentTime
	fired := tc.releaseWaitersLocked()
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	deliver(fired, now)
	for _, fn := range listeners {
		fn(now)
	}
	return now
}

func (tc *TimeController) releaseWaitersLocked() []chan time.Time {
	var fired []chan time.Time
	kept := tc.waiters[:0]
	for _, w := range tc.waiters {
		if !w.at.After(tc.currentTime) {
			fired = append(fired, w.ch)
			continue
		}
		kept = append(kept, w)
	}
	tc.waiters = kept
	return fired
}

func deliver(chs []chan time.Time, now time.Time) {
	for _, ch := range chs {
		ch <- now
	}
}

// Start runs the controller for the specified duration in a separate goroutine.
// A duration <= 0 runs until stop is closed. It returns a channel that is
// closed when the controller finishes.
func (tc *TimeController) Start(duration time.Duration, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		elapsed := time.Duration(0)

		var tickC <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tickC = ticker.C
		}

		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if tickC != nil {
				select {
				case <-stop:
					return
				case <-tickC:
				}
			} else {
				select {
				case <-stop:
					return
				default:
				}
			}

			tc.Advance(tc.Tick)
			elapsed += tc.Tick
		}
	}()
	return done
}
