package tdma

import (
	"context"
	"errors"

	"github.com/signalsfoundry/tdma-ranging-node/internal/eventq"
	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
)

// Start arms a periodic timer for every assigned slot. Each timer fires
// SlotLead before the slot boundary and posts the slot's preallocated event
// to queue, so the action runs on the run loop. Slots assigned after Start
// are not armed.
func (s *Scheduler) Start(timers *TimerQueue, queue *eventq.Queue) error {
	if timers == nil || queue == nil {
		return errors.New("tdma: start requires a timer queue and an event queue")
	}
	if s.timers != nil {
		return errors.New("tdma: scheduler already started")
	}
	s.timers = timers
	s.queue = queue
	s.armAll(s.generation.Load())
	return nil
}

// SetEpoch realigns the frame to a new epoch in device microseconds. Timers
// armed for the previous epoch are cancelled; one already running lapses
// without rescheduling, and an activation it posted is dropped on arrival.
func (s *Scheduler) SetEpoch(epoch uint64) {
	s.epoch.Store(epoch)
	gen := s.generation.Add(1)
	if s.timers != nil {
		s.cancelArmed()
		s.armAll(gen)
	}
}

func (s *Scheduler) cancelArmed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, id := range s.armed {
		if id != 0 {
			s.timers.Cancel(id)
			s.armed[idx] = 0
		}
	}
}

func (s *Scheduler) armAll(gen uint64) {
	lead := durationMicros(s.cfg.SlotLead)
	now := s.timers.Now()
	for _, idx := range s.Assigned() {
		s.schedule(idx, s.NextActivation(idx, now+lead), gen)
	}
}

func (s *Scheduler) schedule(idx int, at, gen uint64) {
	lead := durationMicros(s.cfg.SlotLead)
	ev := &s.events[idx]
	id := s.timers.Schedule(saturatingSub(at, lead), func() {
		if s.generation.Load() != gen {
			return
		}
		if err := s.queue.PostStamped(ev, at); err != nil {
			s.recorder.AddSkippedActivations(idx, 1)
			s.log.Warn(context.Background(), "slot activation skipped",
				logging.Utime(at),
				logging.Int("slot", idx),
				logging.Err(err),
			)
		}
		if s.generation.Load() != gen {
			return
		}
		next := at + s.periodUs
		if now := s.timers.Now() + lead; now > next {
			caughtUp := s.NextActivation(idx, now)
			s.recorder.AddSkippedActivations(idx, (caughtUp-next)/s.periodUs)
			next = caughtUp
		}
		s.schedule(idx, next, gen)
	})

	s.mu.Lock()
	if s.generation.Load() == gen {
		s.armed[idx] = id
	}
	s.mu.Unlock()
}
