package tdma

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/tdma-ranging-node/internal/eventq"
	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
	"github.com/signalsfoundry/tdma-ranging-node/timectrl"
)

func testConfig() Config {
	return Config{
		NSlots:      4,
		FramePeriod: 100 * time.Millisecond,
		SlotLead:    time.Millisecond,
		RxLead:      150 * time.Microsecond,
		TxGuard:     10 * time.Microsecond,
	}
}

func newTestScheduler(t *testing.T, clock timectrl.CPUTime, opts ...Option) *Scheduler {
	t.Helper()
	s, err := NewScheduler(testConfig(), clock, opts...)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func TestAssignSlot_MostRecentHandlerFiresOnce(t *testing.T) {
	s := newTestScheduler(t, newClock())
	ctx := context.Background()

	first := make([]int, 4)
	second := make([]int, 4)
	for idx := 0; idx < 4; idx++ {
		idx := idx
		if err := s.AssignSlot(idx, SlotFunc(func(context.Context, *Slot) { first[idx]++ }), nil); err != nil {
			t.Fatalf("AssignSlot(%d): %v", idx, err)
		}
		if err := s.AssignSlot(idx, SlotFunc(func(context.Context, *Slot) { second[idx]++ }), nil); err != nil {
			t.Fatalf("AssignSlot(%d) again: %v", idx, err)
		}
	}

	for idx := 0; idx < 4; idx++ {
		s.Fire(ctx, idx)
		if first[idx] != 0 || second[idx] != 1 {
			t.Fatalf("slot %d: first=%d second=%d, want 0 and 1", idx, first[idx], second[idx])
		}
	}
}

func TestAssignSlot_OutOfRangeLeavesTableUnchanged(t *testing.T) {
	s := newTestScheduler(t, newClock())
	noop := SlotFunc(func(context.Context, *Slot) {})
	if err := s.AssignSlot(1, noop, "ctx"); err != nil {
		t.Fatalf("AssignSlot(1): %v", err)
	}

	for _, idx := range []int{-1, 4, 100} {
		err := s.AssignSlot(idx, noop, nil)
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("AssignSlot(%d) err = %v, want ErrIndexOutOfRange", idx, err)
		}
	}

	assigned := s.Assigned()
	if len(assigned) != 1 || assigned[0] != 1 {
		t.Fatalf("Assigned() = %v, want [1]", assigned)
	}
	if got := s.Slot(1).Context; got != "ctx" {
		t.Fatalf("Slot(1).Context = %v, want ctx", got)
	}
}

func TestFireFrame_IncreasingOrderSkipsOpenSlots(t *testing.T) {
	s := newTestScheduler(t, newClock())

	var order []int
	record := SlotFunc(func(_ context.Context, sl *Slot) { order = append(order, sl.Idx) })
	for _, idx := range []int{3, 0, 1} {
		if err := s.AssignSlot(idx, record, nil); err != nil {
			t.Fatalf("AssignSlot(%d): %v", idx, err)
		}
	}

	s.FireFrame(context.Background())
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 3 {
		t.Fatalf("order = %v, want [0 1 3]", order)
	}
}

func TestSlotTiming(t *testing.T) {
	s := newTestScheduler(t, newClock())

	if got := s.SlotWidth(); got != 25*time.Millisecond {
		t.Fatalf("SlotWidth() = %s, want 25ms", got)
	}
	if got := s.SlotStartOffset(2); got != 50*time.Millisecond {
		t.Fatalf("SlotStartOffset(2) = %s, want 50ms", got)
	}

	s.SetEpoch(1000)
	cases := []struct {
		idx  int
		from uint64
		want uint64
	}{
		{2, 0, 51_000},
		{2, 51_000, 51_000},
		{2, 51_001, 151_000},
		{0, 1_000_000, 1_001_000},
	}
	for _, tc := range cases {
		if got := s.NextActivation(tc.idx, tc.from); got != tc.want {
			t.Fatalf("NextActivation(%d, %d) = %d, want %d", tc.idx, tc.from, got, tc.want)
		}
	}

	s.SetEpoch(500_000)
	if got := s.NextActivation(1, 0); got != 25_000 {
		t.Fatalf("NextActivation before epoch = %d, want 25000", got)
	}
}

func TestSlotAt(t *testing.T) {
	s := newTestScheduler(t, newClock())
	s.SetEpoch(1000)
	cases := []struct {
		t    uint64
		want int
	}{
		{1000, 0},
		{25_999, 0},
		{26_000, 1},
		{176_000, 3},
		{999, 3},
		{0, 3},
	}
	for _, tc := range cases {
		if got := s.SlotAt(tc.t); got != tc.want {
			t.Fatalf("SlotAt(%d) = %d, want %d", tc.t, got, tc.want)
		}
	}
}

func TestDelayedStartsFollowActivation(t *testing.T) {
	s := newTestScheduler(t, newClock())

	var rx, tx uint64
	err := s.AssignSlot(2, SlotFunc(func(_ context.Context, sl *Slot) {
		rx = sl.RxStart()
		tx = sl.TxStart()
	}), nil)
	if err != nil {
		t.Fatalf("AssignSlot: %v", err)
	}

	s.Fire(context.Background(), 2)
	if rx != 49_850 {
		t.Fatalf("RxStart() = %d, want 49850", rx)
	}
	if tx != 50_010 {
		t.Fatalf("TxStart() = %d, want 50010", tx)
	}
	if s.FrameStart() != 0 {
		t.Fatalf("FrameStart() = %d, want 0", s.FrameStart())
	}
}

func TestRxTimeout(t *testing.T) {
	if RxTimeoutPadding != 0x1000 {
		t.Fatalf("RxTimeoutPadding = %#x, want 0x1000", RxTimeoutPadding)
	}
	if got := RxTimeout(200, 100); got != 300+0x1000 {
		t.Fatalf("RxTimeout(200, 100) = %d, want %d", got, 300+0x1000)
	}
	if got := RxTimeout(0xF000, 0x1000); got != 0xFFFF {
		t.Fatalf("RxTimeout saturates to %#x, want 0xffff", got)
	}
}

func TestNewScheduler_RejectsBadConfig(t *testing.T) {
	bad := []Config{
		{NSlots: 0, FramePeriod: time.Second},
		{NSlots: 4},
		{NSlots: 4, FramePeriod: time.Second, SlotLead: time.Second},
		{NSlots: 4, FramePeriod: time.Second, RxLead: -time.Microsecond},
	}
	for i, cfg := range bad {
		if _, err := NewScheduler(cfg, newClock()); err == nil {
			t.Fatalf("case %d: NewScheduler(%+v) succeeded", i, cfg)
		}
	}
}

type fakeRecorder struct {
	activations []int
	lateness    []time.Duration
	skipped     map[int]uint64
}

func (r *fakeRecorder) ObserveSlotActivation(idx int, lateness time.Duration) {
	r.activations = append(r.activations, idx)
	r.lateness = append(r.lateness, lateness)
}

func (r *fakeRecorder) AddSkippedActivations(idx int, n uint64) {
	if r.skipped == nil {
		r.skipped = make(map[int]uint64)
	}
	r.skipped[idx] += n
}

type harness struct {
	clock  *timectrl.TimeController
	timers *TimerQueue
	queue  *eventq.Queue
	sched  *Scheduler
	rec    *fakeRecorder
}

func newHarness(t *testing.T, slots ...int) (*harness, *[]int) {
	t.Helper()
	h := &harness{clock: newClock(), rec: &fakeRecorder{}}
	h.timers = NewTimerQueue(h.clock)
	h.queue = eventq.New(8)
	h.sched = newTestScheduler(t, h.clock, WithRecorder(h.rec))
	h.clock.AddListener(func(time.Time) { h.timers.RunDue() })

	var order []int
	for _, idx := range slots {
		if err := h.sched.AssignSlot(idx, SlotFunc(func(_ context.Context, sl *Slot) {
			order = append(order, sl.Idx)
		}), nil); err != nil {
			t.Fatalf("AssignSlot(%d): %v", idx, err)
		}
	}
	if err := h.sched.Start(h.timers, h.queue); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h, &order
}

// step advances the clock one millisecond at a time, draining the run queue
// after every step.
func (h *harness) step(n int, drain bool) {
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Millisecond)
		if drain {
			h.queue.Drain(context.Background())
		}
	}
}

func TestStart_ActivatesSlotsEveryFrame(t *testing.T) {
	h, order := newHarness(t, 1, 2, 3)

	h.step(100, true)
	if got := *order; len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("first frame order = %v, want [1 2 3]", got)
	}

	h.step(100, true)
	if len(*order) != 6 {
		t.Fatalf("activations after two frames = %d, want 6", len(*order))
	}
	for i, l := range h.rec.lateness {
		if l != 0 {
			t.Fatalf("activation %d lateness = %s, want 0", i, l)
		}
	}
	if h.sched.FrameStart() != 100_000 {
		t.Fatalf("FrameStart() = %d, want 100000", h.sched.FrameStart())
	}
}

func TestStart_PendingActivationIsSkipped(t *testing.T) {
	h, order := newHarness(t, 1)

	h.step(200, false)
	if h.queue.Len() != 1 {
		t.Fatalf("queue Len() = %d, want 1", h.queue.Len())
	}
	if h.rec.skipped[1] != 1 {
		t.Fatalf("skipped = %d, want 1", h.rec.skipped[1])
	}

	h.queue.Drain(context.Background())
	if len(*order) != 1 {
		t.Fatalf("activations = %d, want 1", len(*order))
	}
	if h.rec.lateness[0] != 176*time.Millisecond {
		t.Fatalf("lateness = %s, want 176ms", h.rec.lateness[0])
	}
}

func TestSetEpoch_RearmsTimers(t *testing.T) {
	h, order := newHarness(t, 1)
	h.sched.SetEpoch(10_000)

	h.step(30, true)
	if len(*order) != 0 {
		t.Fatalf("slot fired on the stale epoch")
	}
	h.step(4, true)
	if len(*order) != 1 {
		t.Fatalf("activations = %d, want 1 at the realigned boundary", len(*order))
	}
	if h.sched.SlotStart(1) != 35_000 {
		t.Fatalf("SlotStart(1) = %d, want 35000", h.sched.SlotStart(1))
	}
}

func TestSetEpoch_DropsStaleActivation(t *testing.T) {
	h, order := newHarness(t, 1)

	// slot 1's timer fires at 24ms and posts the 25ms boundary
	h.step(24, false)
	if h.queue.Len() != 1 {
		t.Fatalf("queue Len() = %d, want 1", h.queue.Len())
	}
	h.sched.SetEpoch(10_000)
	if h.timers.Len() != 1 {
		t.Fatalf("timers Len() = %d, want 1 after the old timer was cancelled", h.timers.Len())
	}

	h.queue.Drain(context.Background())
	if len(*order) != 0 {
		t.Fatalf("activation posted for the old epoch ran")
	}
	if h.rec.skipped[1] != 1 {
		t.Fatalf("skipped = %d, want 1", h.rec.skipped[1])
	}

	h.step(11, true)
	if len(*order) != 1 || h.sched.SlotStart(1) != 35_000 {
		t.Fatalf("activations = %d at %d, want 1 at 35000", len(*order), h.sched.SlotStart(1))
	}
}

func TestActivationCarriesSlotLogger(t *testing.T) {
	var buf bytes.Buffer
	s := newTestScheduler(t, newClock(), WithLogger(logging.New(logging.Config{Format: "json", Output: &buf})))
	if err := s.AssignSlot(2, SlotFunc(func(ctx context.Context, _ *Slot) {
		logging.FromContext(ctx, nil).Info(ctx, "in slot")
	}), nil); err != nil {
		t.Fatalf("AssignSlot: %v", err)
	}

	s.Fire(context.Background(), 2)
	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, `"msg":"in slot"`) || !strings.Contains(line, `"slot":2`) {
		t.Fatalf("action log line = %q, want msg and slot 2", line)
	}
}

func TestStart_Twice(t *testing.T) {
	h, _ := newHarness(t)
	if err := h.sched.Start(h.timers, h.queue); err == nil {
		t.Fatalf("second Start succeeded")
	}
}
