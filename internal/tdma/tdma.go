// Package tdma partitions a repeating frame period into fixed-width slots and
// activates each slot's action as the node clock crosses the slot boundary.
package tdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/tdma-ranging-node/internal/eventq"
	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
	"github.com/signalsfoundry/tdma-ranging-node/timectrl"
)

// ErrIndexOutOfRange is returned by AssignSlot for an index outside [0, N).
var ErrIndexOutOfRange = errors.New("tdma: slot index out of range")

// EventKind is the kind of the deferred event that activates a slot.
const EventKind = "tdma.slot"

// Config holds the frame timing parameters. They are fixed for the lifetime
// of a Scheduler.
type Config struct {
	// NSlots is the number of slots per frame.
	NSlots int
	// FramePeriod is the duration of one frame.
	FramePeriod time.Duration
	// SlotLead is how long before the slot boundary the slot action is run,
	// leaving time to arm a delayed radio start.
	SlotLead time.Duration
	// RxLead is subtracted from the slot boundary for receive actions so the
	// receiver is on before the preamble of a frame sent at the boundary.
	RxLead time.Duration
	// TxGuard is added to the slot boundary for transmit actions.
	TxGuard time.Duration
}

// Validate checks that the configuration describes a usable frame.
func (c Config) Validate() error {
	if c.NSlots <= 0 {
		return fmt.Errorf("tdma: nslots must be positive, got %d", c.NSlots)
	}
	if c.FramePeriod <= 0 {
		return fmt.Errorf("tdma: frame period must be positive, got %s", c.FramePeriod)
	}
	if c.FramePeriod/time.Duration(c.NSlots) < time.Microsecond {
		return fmt.Errorf("tdma: slot width below 1us (period %s, %d slots)", c.FramePeriod, c.NSlots)
	}
	if c.SlotLead < 0 || c.RxLead < 0 || c.TxGuard < 0 {
		return errors.New("tdma: leads must not be negative")
	}
	if c.SlotLead >= c.FramePeriod {
		return fmt.Errorf("tdma: slot lead %s must be shorter than the frame period", c.SlotLead)
	}
	return nil
}

// SlotAction is the behaviour bound to a slot.
type SlotAction interface {
	RunSlot(ctx context.Context, slot *Slot)
}

// SlotFunc adapts a function to SlotAction.
type SlotFunc func(ctx context.Context, slot *Slot)

func (f SlotFunc) RunSlot(ctx context.Context, slot *Slot) { f(ctx, slot) }

// Slot is one registered slot of the frame.
type Slot struct {
	Idx    int
	Action SlotAction
	// Parent is the scheduler the slot belongs to. It is used for timing
	// lookups only.
	Parent *Scheduler
	// Context is passed through to the action unchanged.
	Context any
}

// RxStart is the delayed receive start of the slot's current activation.
func (sl *Slot) RxStart() uint64 { return sl.Parent.RxSlotStart(sl.Idx) }

// TxStart is the delayed transmit start of the slot's current activation.
func (sl *Slot) TxStart() uint64 { return sl.Parent.TxSlotStart(sl.Idx) }

// Recorder receives slot activation measurements.
type Recorder interface {
	// ObserveSlotActivation reports how late a timer-driven activation ran
	// relative to its intended firing time.
	ObserveSlotActivation(idx int, lateness time.Duration)
	// AddSkippedActivations reports activations that could not be delivered
	// because the previous one was still pending or the timer fell behind.
	AddSkippedActivations(idx int, n uint64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSlotActivation(int, time.Duration) {}
func (nopRecorder) AddSkippedActivations(int, uint64)        {}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithRecorder attaches an activation recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// Scheduler owns the slot table and the frame timing.
//
// AssignSlot, Fire and the timing accessors are called from the run loop
// only. The epoch and the arming generation are atomics because the timer
// goroutine reads them when rescheduling.
type Scheduler struct {
	cfg      Config
	clock    timectrl.CPUTime
	recorder Recorder
	log      logging.Logger

	slots  []*Slot
	events []eventq.Event

	periodUs   uint64
	widthUs    uint64
	frameStart uint64

	epoch      atomic.Uint64
	generation atomic.Uint64

	timers *TimerQueue
	queue  *eventq.Queue

	mu    sync.Mutex
	armed []TimerID // live timer per slot, for cancellation on SetEpoch
}

// NewScheduler builds a scheduler with an empty slot table.
func NewScheduler(cfg Config, clock timectrl.CPUTime, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		return nil, errors.New("tdma: clock is required")
	}
	s := &Scheduler{
		cfg:      cfg,
		clock:    clock,
		recorder: nopRecorder{},
		log:      logging.Noop(),
		slots:    make([]*Slot, cfg.NSlots),
		events:   make([]eventq.Event, cfg.NSlots),
		armed:    make([]TimerID, cfg.NSlots),
		periodUs: durationMicros(cfg.FramePeriod),
	}
	s.widthUs = s.periodUs / uint64(cfg.NSlots)
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.events {
		s.events[i].Init(EventKind, s.handleSlotEvent, i)
	}
	return s, nil
}

// Config returns the frame timing parameters.
func (s *Scheduler) Config() Config { return s.cfg }

// NSlots returns the number of slots per frame.
func (s *Scheduler) NSlots() int { return s.cfg.NSlots }

// AssignSlot registers action for slot idx, replacing any previous action.
// It does not arm the slot; activation is driven by Start or Fire.
func (s *Scheduler) AssignSlot(idx int, action SlotAction, userCtx any) error {
	if idx < 0 || idx >= len(s.slots) {
		return fmt.Errorf("assign slot %d of %d: %w", idx, len(s.slots), ErrIndexOutOfRange)
	}
	if action == nil {
		panic("tdma: nil slot action")
	}
	s.slots[idx] = &Slot{Idx: idx, Action: action, Parent: s, Context: userCtx}
	return nil
}

// Slot returns the slot registered at idx, or nil.
func (s *Scheduler) Slot(idx int) *Slot {
	if idx < 0 || idx >= len(s.slots) {
		return nil
	}
	return s.slots[idx]
}

// Assigned returns the indices of all registered slots in increasing order.
func (s *Scheduler) Assigned() []int {
	var out []int
	for i, sl := range s.slots {
		if sl != nil {
			out = append(out, i)
		}
	}
	return out
}

// Fire activates slot idx for its next boundary at least SlotLead ahead of
// the current time. An unassigned slot is skipped silently.
func (s *Scheduler) Fire(ctx context.Context, idx int) {
	if idx < 0 || idx >= len(s.slots) {
		return
	}
	now := timectrl.Micros(s.clock) + durationMicros(s.cfg.SlotLead)
	s.activate(ctx, idx, s.NextActivation(idx, now))
}

// FireFrame activates every slot once in increasing index order.
func (s *Scheduler) FireFrame(ctx context.Context) {
	for idx := range s.slots {
		s.Fire(ctx, idx)
	}
}

func (s *Scheduler) activate(ctx context.Context, idx int, start uint64) {
	sl := s.slots[idx]
	if sl == nil {
		return
	}
	s.frameStart = start - s.offsetMicros(idx)
	ctx, log := logging.WithSlotLogger(ctx, s.log, idx)
	log.Debug(ctx, "slot activated",
		logging.Utime(timectrl.Micros(s.clock)),
		logging.Uint64("start", start),
	)
	sl.Action.RunSlot(ctx, sl)
}

func (s *Scheduler) handleSlotEvent(ctx context.Context, ev *eventq.Event) {
	idx := ev.Arg().(int)
	start := ev.Stamp()
	if s.NextActivation(idx, start) != start {
		// posted for an epoch SetEpoch has since replaced
		s.recorder.AddSkippedActivations(idx, 1)
		s.log.Debug(ctx, "stale slot activation dropped",
			logging.Utime(start),
			logging.Int("slot", idx),
		)
		return
	}
	due := saturatingSub(start, durationMicros(s.cfg.SlotLead))
	if now := timectrl.Micros(s.clock); now > due {
		s.recorder.ObserveSlotActivation(idx, time.Duration(now-due)*time.Microsecond)
	} else {
		s.recorder.ObserveSlotActivation(idx, 0)
	}
	s.activate(ctx, idx, start)
}

func durationMicros(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Microsecond)
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
