package tdma

import (
	"sort"
	"sync"

	"github.com/signalsfoundry/tdma-ranging-node/timectrl"
)

// TimerID identifies a scheduled timer.
type TimerID uint64

// TimerQueue runs one-shot callbacks at device times read from a CPUTime
// clock. RunDue is called by the goroutine that advances the clock; the
// callbacks run on that goroutine with no lock held.
type TimerQueue struct {
	clock timectrl.CPUTime

	mu      sync.Mutex
	counter TimerID
	timers  []*timer // ordered by at, FIFO among equal deadlines
	index   map[TimerID]*timer
}

type timer struct {
	id        TimerID
	at        uint64
	f         func()
	cancelled bool
}

// NewTimerQueue creates a timer queue backed by clock.
func NewTimerQueue(clock timectrl.CPUTime) *TimerQueue {
	return &TimerQueue{
		clock: clock,
		index: make(map[TimerID]*timer),
	}
}

// Now returns the current device time in microseconds.
func (q *TimerQueue) Now() uint64 { return timectrl.Micros(q.clock) }

// Schedule registers f to run once the clock reaches at microseconds.
func (q *TimerQueue) Schedule(at uint64, f func()) TimerID {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.counter++
	t := &timer{id: q.counter, at: at, f: f}

	i := sort.Search(len(q.timers), func(i int) bool {
		return q.timers[i].at > at
	})
	q.timers = append(q.timers, nil)
	copy(q.timers[i+1:], q.timers[i:])
	q.timers[i] = t

	q.index[t.id] = t
	return t.id
}

// Cancel drops a timer. It is a no-op if the timer already ran.
func (q *TimerQueue) Cancel(id TimerID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return
	}
	// Removal from q.timers is lazy; RunDue skips cancelled timers.
	t.cancelled = true
	delete(q.index, id)
}

// Len returns the number of live timers.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

func (q *TimerQueue) popDueLocked(now uint64) *timer {
	for len(q.timers) > 0 {
		t := q.timers[0]
		if t.cancelled {
			q.timers = q.timers[1:]
			continue
		}
		if t.at > now {
			return nil
		}
		q.timers = q.timers[1:]
		delete(q.index, t.id)
		return t
	}
	return nil
}

// RunDue runs every timer whose deadline is at or before the current time,
// including timers scheduled by the callbacks it runs. It returns the number
// of callbacks run.
func (q *TimerQueue) RunDue() int {
	n := 0
	for {
		now := q.Now()
		q.mu.Lock()
		t := q.popDueLocked(now)
		q.mu.Unlock()
		if t == nil {
			return n
		}
		if t.f != nil {
			t.f()
		}
		n++
	}
}
