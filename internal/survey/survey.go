// Package survey implements the survey role: in the survey range slot the
// node listens for the survey round leader and records who it heard, and in
// the survey broadcast slot it reports those observations.
package survey

import (
	"context"
	"math"
	"slices"

	"github.com/signalsfoundry/tdma-ranging-node/internal/eventq"
	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
	"github.com/signalsfoundry/tdma-ranging-node/internal/radio"
	"github.com/signalsfoundry/tdma-ranging-node/internal/tdma"
)

const (
	EventKind   = "survey.complete"
	InterfaceID = "survey"
)

// Observation is what the node knows about one surveyed neighbour.
type Observation struct {
	Addr uint16
	// Count is the number of frames heard. Reports carry it saturated to
	// 16 bits.
	Count uint64
	// LastSeen is the reception time of the latest frame, in device
	// microseconds.
	LastSeen uint64
}

// Recorder receives survey outcomes.
type Recorder interface {
	ObserveSurvey(kind string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSurvey(string, bool) {}

type Option func(*Service)

func WithLogger(l logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// Service is the survey role of one device.
type Service struct {
	address  uint16
	dev      radio.Driver
	arbiter  *radio.Arbiter
	log      logging.Logger
	recorder Recorder
	rxGuard  uint16

	event  eventq.Event
	bridge *radio.Bridge

	rx    Frame
	rxErr error

	txbuf   [MaxFrameSize]byte
	seq     uint8
	pending Kind
	table   map[uint16]*Observation
	reports uint64
}

// New creates the role and registers its MAC interface with dev.
func New(address uint16, dev radio.Driver, arbiter *radio.Arbiter, queue *eventq.Queue, opts ...Option) *Service {
	if dev == nil || arbiter == nil || queue == nil {
		panic("survey: device, arbiter and queue are required")
	}
	s := &Service{
		address:  address,
		dev:      dev,
		arbiter:  arbiter,
		log:      logging.Noop(),
		recorder: nopRecorder{},
		rxGuard:  0x0200,
		table:    make(map[uint16]*Observation),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.event.Init(EventKind, s.handleCompletion, radio.Device(dev))
	s.bridge = radio.NewBridge(FrameControl, queue, &s.event)
	dev.AppendInterface(s.bridge.Interface(InterfaceID, s))
	return s
}

// RangeSlot is the action of the survey range slot.
func (s *Service) RangeSlot() tdma.SlotAction { return tdma.SlotFunc(s.runRange) }

// BroadcastSlot is the action of the survey broadcast slot.
func (s *Service) BroadcastSlot() tdma.SlotAction { return tdma.SlotFunc(s.runBroadcast) }

// Receive decodes a survey frame in interrupt context.
func (s *Service) Receive(frame []byte) { s.rxErr = s.rx.Unmarshal(frame) }

// Observations returns the survey table ordered by address.
func (s *Service) Observations() []Observation {
	out := make([]Observation, 0, len(s.table))
	for _, o := range s.table {
		out = append(out, *o)
	}
	slices.SortFunc(out, func(a, b Observation) int { return int(a.Addr) - int(b.Addr) })
	return out
}

// Reports returns the number of reports broadcast.
func (s *Service) Reports() uint64 { return s.reports }

func (s *Service) runRange(ctx context.Context, sl *tdma.Slot) {
	ctx, log := logging.WithSlotLogger(ctx, s.log, sl.Idx)
	if !s.arbiter.Acquire(InterfaceID, s) {
		log.Debug(ctx, "radio busy, survey slot skipped", logging.String("holder", s.arbiter.Holder()))
		return
	}
	s.rxErr = nil
	s.pending = KindRanging
	s.dev.SetDelayStart(sl.RxStart())
	s.dev.SetRxTimeout(tdma.RxTimeout(s.dev.PHY().FrameDuration(RangingFrameSize), s.rxGuard))
	s.dev.SetFrameControl(FrameControl)
	if err := s.dev.StartListen(radio.Blocking); err != nil {
		s.abort(ctx, err)
	}
}

func (s *Service) runBroadcast(ctx context.Context, sl *tdma.Slot) {
	ctx, log := logging.WithSlotLogger(ctx, s.log, sl.Idx)
	if !s.arbiter.Acquire(InterfaceID, s) {
		log.Debug(ctx, "radio busy, survey report skipped", logging.String("holder", s.arbiter.Holder()))
		return
	}
	f := Frame{FrameControl: FrameControl, Seq: s.seq, Src: s.address, Kind: KindReport}
	for _, o := range s.Observations() {
		if f.N == MaxEntries {
			break
		}
		f.Entries[f.N] = Entry{Addr: o.Addr, Count: uint16(min(o.Count, math.MaxUint16))}
		f.N++
	}
	n, err := f.MarshalTo(s.txbuf[:])
	if err != nil {
		s.abort(ctx, err)
		return
	}
	s.pending = KindReport
	s.dev.SetDelayStart(sl.TxStart())
	s.dev.SetFrameControl(FrameControl)
	if err := s.dev.WriteTxFrame(s.txbuf[:n]); err != nil {
		s.abort(ctx, err)
		return
	}
	if err := s.dev.StartTransmit(radio.Blocking); err != nil {
		s.abort(ctx, err)
	}
}

func (s *Service) abort(ctx context.Context, err error) {
	s.pending = 0
	s.arbiter.Release()
	logging.FromContext(ctx, s.log).Warn(ctx, "survey slot not armed",
		logging.Utime(s.dev.Now()),
		logging.Err(err),
	)
}

// RadioAborted drops the armed survey action.
func (s *Service) RadioAborted(ctx context.Context, err error) {
	s.pending = 0
	s.log.Warn(ctx, "survey completion not claimed", logging.Err(err))
}

func (s *Service) handleCompletion(ctx context.Context, ev *eventq.Event) {
	dev := ev.Arg().(radio.Device)
	if s.arbiter.Holder() == InterfaceID {
		defer s.arbiter.Release()
	}
	kind := s.pending
	s.pending = 0
	if kind == 0 {
		if s.arbiter.Busy() {
			s.arbiter.Abort(ctx, radio.ErrForeignFrame)
		}
		return
	}

	err := dev.Status().Err()
	switch kind {
	case KindRanging:
		if err == nil {
			err = s.rxErr
		}
		if err == nil && s.rx.Kind != KindRanging {
			s.log.Debug(ctx, "survey frame ignored in range slot",
				logging.String("kind", s.rx.Kind.String()),
				logging.Int("src", int(s.rx.Src)),
			)
			return
		}
		s.recorder.ObserveSurvey(kind.String(), err == nil)
		if err != nil {
			s.log.Debug(ctx, "survey range slot empty", logging.Utime(s.dev.Now()), logging.Err(err))
			return
		}
		o := s.table[s.rx.Src]
		if o == nil {
			o = &Observation{Addr: s.rx.Src}
			s.table[s.rx.Src] = o
		}
		o.Count++
		o.LastSeen = dev.RxTimestamp()
	case KindReport:
		s.recorder.ObserveSurvey(kind.String(), err == nil)
		if err != nil {
			s.log.Warn(ctx, "survey report failed", logging.Utime(s.dev.Now()), logging.Err(err))
			return
		}
		s.seq++
		s.reports++
	}
}
