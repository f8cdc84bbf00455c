// Package ccp keeps the TDMA frame aligned across nodes. The master sends a
// clock-calibration beacon at the start of slot 0 of every frame; slaves
// listen for it and move their frame epoch onto the master's.
package ccp

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/tdma-ranging-node/internal/eventq"
	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
	"github.com/signalsfoundry/tdma-ranging-node/internal/radio"
	"github.com/signalsfoundry/tdma-ranging-node/internal/tdma"
)

const (
	EventKind   = "ccp.complete"
	InterfaceID = "ccp"
	// Slot is the slot reserved for the beacon.
	Slot = 0
)

// Role selects whether the node sends or follows the beacon.
type Role int

const (
	Slave Role = iota
	Master
)

func (r Role) String() string {
	switch r {
	case Master:
		return "master"
	case Slave:
		return "slave"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Recorder receives beacon outcomes.
type Recorder interface {
	ObserveBeacon(role string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveBeacon(string, bool) {}

// Stats counts beacon activity.
type Stats struct {
	Sent   uint64
	Synced uint64
	Missed uint64
}

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

// WithRxGuard sets the guard added to the beacon duration when a slave
// computes its listen timeout.
func WithRxGuard(guard uint16) Option {
	return func(s *Service) { s.rxGuard = guard }
}

// Service is the clock-calibration role of one device. It implements
// tdma.SlotAction for slot 0.
type Service struct {
	role     Role
	address  uint16
	dev      radio.Driver
	arbiter  *radio.Arbiter
	sched    *tdma.Scheduler
	log      logging.Logger
	recorder Recorder
	rxGuard  uint16

	event  eventq.Event
	bridge *radio.Bridge

	// rx and rxErr are written by the receive path while a listen is armed.
	rx    Beacon
	rxErr error

	txbuf [BeaconSize]byte
	seq   uint8
	armed bool
	stats Stats
}

// New creates the role and registers its MAC interface with dev.
func New(role Role, address uint16, dev radio.Driver, arbiter *radio.Arbiter, queue *eventq.Queue, sched *tdma.Scheduler, opts ...Option) *Service {
	if dev == nil || arbiter == nil || queue == nil || sched == nil {
		panic("ccp: device, arbiter, queue and scheduler are required")
	}
	s := &Service{
		role:     role,
		address:  address,
		dev:      dev,
		arbiter:  arbiter,
		sched:    sched,
		log:      logging.Noop(),
		recorder: nopRecorder{},
		rxGuard:  0x0200,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.event.Init(EventKind, s.handleCompletion, radio.Device(dev))
	s.bridge = radio.NewBridge(FrameControl, queue, &s.event)
	dev.AppendInterface(s.bridge.Interface(InterfaceID, s))
	return s
}

func (s *Service) Role() Role   { return s.role }
func (s *Service) Stats() Stats { return s.stats }

// Receive decodes a beacon in interrupt context.
func (s *Service) Receive(frame []byte) { s.rxErr = s.rx.Unmarshal(frame) }

// RunSlot sends the beacon on the master and listens for it on a slave.
func (s *Service) RunSlot(ctx context.Context, sl *tdma.Slot) {
	ctx, log := logging.WithSlotLogger(ctx, s.log, sl.Idx)
	if !s.arbiter.Acquire(InterfaceID, s) {
		log.Debug(ctx, "radio busy, beacon slot skipped", logging.String("holder", s.arbiter.Holder()))
		return
	}
	var err error
	if s.role == Master {
		err = s.transmit(sl)
	} else {
		err = s.listen(sl)
	}
	if err != nil {
		s.arbiter.Release()
		log.Warn(ctx, "beacon slot not armed",
			logging.Utime(s.dev.Now()),
			logging.String("role", s.role.String()),
			logging.Err(err),
		)
		return
	}
	s.armed = true
}

func (s *Service) transmit(sl *tdma.Slot) error {
	at := sl.TxStart()
	b := Beacon{
		FrameControl: FrameControl,
		Seq:          s.seq,
		Src:          s.address,
		TxOffset:     uint32(at - sl.Parent.FrameStart()),
		Period:       uint32(sl.Parent.FramePeriodMicros()),
	}
	n, err := b.MarshalTo(s.txbuf[:])
	if err != nil {
		return err
	}
	s.dev.SetDelayStart(at)
	s.dev.SetFrameControl(FrameControl)
	if err := s.dev.WriteTxFrame(s.txbuf[:n]); err != nil {
		return err
	}
	return s.dev.StartTransmit(radio.Blocking)
}

func (s *Service) listen(sl *tdma.Slot) error {
	s.rxErr = nil
	s.dev.SetDelayStart(sl.RxStart())
	s.dev.SetRxTimeout(tdma.RxTimeout(s.dev.PHY().FrameDuration(BeaconSize), s.rxGuard))
	s.dev.SetFrameControl(FrameControl)
	return s.dev.StartListen(radio.Blocking)
}

// RadioAborted drops the armed beacon action.
func (s *Service) RadioAborted(ctx context.Context, err error) {
	s.armed = false
	s.log.Warn(ctx, "beacon completion not claimed", logging.Err(err))
}

func (s *Service) handleCompletion(ctx context.Context, ev *eventq.Event) {
	dev := ev.Arg().(radio.Device)
	if s.arbiter.Holder() == InterfaceID {
		defer s.arbiter.Release()
	}
	if !s.armed {
		if s.arbiter.Busy() {
			s.arbiter.Abort(ctx, radio.ErrForeignFrame)
		}
		return
	}
	s.armed = false

	status := dev.Status()
	if s.role == Master {
		s.completeMaster(ctx, status)
		return
	}
	s.completeSlave(ctx, dev, status)
}

func (s *Service) completeMaster(ctx context.Context, status radio.Status) {
	if err := status.Err(); err != nil {
		s.recorder.ObserveBeacon(s.role.String(), false)
		s.log.Warn(ctx, "beacon transmit failed",
			logging.Utime(s.dev.Now()),
			logging.Err(err),
		)
		return
	}
	s.seq++
	s.stats.Sent++
	s.recorder.ObserveBeacon(s.role.String(), true)
}

func (s *Service) completeSlave(ctx context.Context, dev radio.Device, status radio.Status) {
	err := status.Err()
	if err == nil {
		err = s.rxErr
	}
	if err == nil && s.rx.Period != uint32(s.sched.FramePeriodMicros()) {
		err = fmt.Errorf("ccp: master period %dus differs from local %dus", s.rx.Period, s.sched.FramePeriodMicros())
	}
	if err != nil {
		s.stats.Missed++
		s.recorder.ObserveBeacon(s.role.String(), false)
		s.log.Debug(ctx, "beacon missed",
			logging.Utime(s.dev.Now()),
			logging.Err(err),
		)
		return
	}

	s.stats.Synced++
	s.recorder.ObserveBeacon(s.role.String(), true)
	period := s.sched.FramePeriodMicros()
	epoch := frameEpoch(dev.RxTimestamp(), uint64(s.rx.TxOffset), period)
	if epoch%period == s.sched.Epoch()%period {
		return
	}
	s.log.Info(ctx, "frame epoch realigned",
		logging.Utime(s.dev.Now()),
		logging.Uint64("epoch", epoch),
		logging.Uint64("previous", s.sched.Epoch()),
		logging.Int("master", int(s.rx.Src)),
	)
	s.sched.SetEpoch(epoch)
}

// frameEpoch is the start of the master frame that put a beacon on the air at
// rx, offset into its frame. When that frame began before device time zero
// the next frame start is used, which has the same phase.
func frameEpoch(rx, offset, period uint64) uint64 {
	if rx >= offset {
		return rx - offset
	}
	back := (offset - rx) % period
	if back == 0 {
		return 0
	}
	return period - back
}
