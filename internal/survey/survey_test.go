package survey

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/tdma-ranging-node/internal/eventq"
	"github.com/signalsfoundry/tdma-ranging-node/internal/radio"
	"github.com/signalsfoundry/tdma-ranging-node/internal/radio/sim"
	"github.com/signalsfoundry/tdma-ranging-node/internal/tdma"
	"github.com/signalsfoundry/tdma-ranging-node/timectrl"
)

const (
	rangeSlot     = 1
	broadcastSlot = 2
)

type setup struct {
	peer  *sim.ScriptedPeer
	queue *eventq.Queue
	sched *tdma.Scheduler
	svc   *Service
	arb   *radio.Arbiter
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	clock := timectrl.NewTimeController(time.Unix(0, 0), time.Millisecond, timectrl.Accelerated)
	s := &setup{peer: sim.NewScriptedPeer(), queue: eventq.New(4), arb: &radio.Arbiter{}}
	drv := sim.New(clock, s.peer, sim.DefaultConfig())
	sched, err := tdma.NewScheduler(tdma.Config{NSlots: 8, FramePeriod: 80 * time.Millisecond, SlotLead: time.Millisecond}, clock)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.sched = sched
	s.svc = New(0x0001, drv, s.arb, s.queue)
	if err := sched.AssignSlot(rangeSlot, s.svc.RangeSlot(), nil); err != nil {
		t.Fatalf("AssignSlot(range): %v", err)
	}
	if err := sched.AssignSlot(broadcastSlot, s.svc.BroadcastSlot(), nil); err != nil {
		t.Fatalf("AssignSlot(broadcast): %v", err)
	}
	return s
}

func (s *setup) fire(idx int) {
	s.sched.Fire(context.Background(), idx)
	s.queue.Drain(context.Background())
}

func leader(src uint16) []byte {
	f := Frame{FrameControl: FrameControl, Src: src, Kind: KindRanging}
	return f.Marshal()
}

func TestRangeSlotRecordsNeighbours(t *testing.T) {
	s := newSetup(t)
	s.peer.Queue(FrameControl,
		sim.Reply{Frame: leader(0x0030), At: 10_500},
		sim.Reply{Frame: leader(0x0020)},
		sim.Reply{Frame: leader(0x0030)},
	)
	s.peer.QueueSilence(FrameControl)

	for i := 0; i < 4; i++ {
		s.fire(rangeSlot)
	}

	obs := s.svc.Observations()
	if len(obs) != 2 {
		t.Fatalf("observations = %+v, want 2 neighbours", obs)
	}
	if obs[0].Addr != 0x0020 || obs[0].Count != 1 || obs[1].Addr != 0x0030 || obs[1].Count != 2 {
		t.Fatalf("observations = %+v", obs)
	}
	if s.arb.Busy() {
		t.Fatalf("radio held after range slot")
	}
}

func TestBroadcastSlotReportsTable(t *testing.T) {
	s := newSetup(t)
	s.peer.QueueFrames(FrameControl, leader(0x0042))
	s.fire(rangeSlot)
	s.fire(broadcastSlot)

	heard := s.peer.Heard()
	if len(heard) != 1 {
		t.Fatalf("peer heard %d frames, want 1", len(heard))
	}
	var report Frame
	if err := report.Unmarshal(heard[0]); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Kind != KindReport || report.N != 1 || report.Entries[0] != (Entry{Addr: 0x0042, Count: 1}) {
		t.Fatalf("report = %+v", report)
	}
	if s.svc.Reports() != 1 {
		t.Fatalf("Reports() = %d, want 1", s.svc.Reports())
	}
}

func TestReportSaturatesCount(t *testing.T) {
	s := newSetup(t)
	s.svc.table[0x0042] = &Observation{Addr: 0x0042, Count: math.MaxUint16}
	s.peer.QueueFrames(FrameControl, leader(0x0042))
	s.fire(rangeSlot)

	if got := s.svc.Observations()[0].Count; got != math.MaxUint16+1 {
		t.Fatalf("Count = %d, want %d", got, math.MaxUint16+1)
	}
	s.fire(broadcastSlot)
	var report Frame
	if err := report.Unmarshal(s.peer.Heard()[0]); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if got := report.Entries[0].Count; got != math.MaxUint16 {
		t.Fatalf("reported count = %d, want %d", got, math.MaxUint16)
	}
}

func TestReportFrameLimits(t *testing.T) {
	f := Frame{FrameControl: FrameControl, Kind: KindReport, N: MaxEntries + 1}
	if _, err := f.MarshalTo(make([]byte, MaxFrameSize)); !errors.Is(err, ErrTooManyRows) {
		t.Fatalf("MarshalTo err = %v, want ErrTooManyRows", err)
	}
	f.N = 2
	buf := f.Marshal()
	if len(buf) != f.Size() {
		t.Fatalf("encoded size = %d, want %d", len(buf), f.Size())
	}
	var out Frame
	if err := out.Unmarshal(buf[:len(buf)-1]); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("truncated Unmarshal err = %v, want ErrShortFrame", err)
	}
}
