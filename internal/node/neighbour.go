package node

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/signalsfoundry/tdma-ranging-node/internal/ccp"
	"github.com/signalsfoundry/tdma-ranging-node/internal/nrng"
	"github.com/signalsfoundry/tdma-ranging-node/internal/radio/sim"
	"github.com/signalsfoundry/tdma-ranging-node/internal/survey"
	"github.com/signalsfoundry/tdma-ranging-node/internal/tdma"
)

// NeighbourConfig describes the simulated nodes around a simulated node.
type NeighbourConfig struct {
	Address uint16
	PANID   uint16
	// RangingSlots are the slots in which a neighbour opens ranging exchanges
	// toward this node. It cycles request, response and final, one frame per
	// activation.
	RangingSlots []int
	// Beacon makes a clock-sync master transmit in slot 0, with its frame
	// starting at MasterEpoch.
	Beacon      bool
	MasterEpoch uint64
	// Survey makes a survey leader transmit in the survey range slot.
	Survey bool
}

// Neighbour is a sim.Peer playing the other nodes of the frame. It answers
// listens by slot and follows exchanges this node initiates.
type Neighbour struct {
	cfg NeighbourConfig

	mu      sync.Mutex
	sched   *tdma.Scheduler
	rxLead  uint64
	next    map[int]int
	respond map[int]bool
	seq     uint8
	heard   map[nrng.Code]int
}

var rangingCycle = []nrng.Code{nrng.CodeRequest, nrng.CodeResponse, nrng.CodeFinal}

// NewNeighbour builds a neighbour. It stays silent until bound to a
// scheduler.
func NewNeighbour(cfg NeighbourConfig) *Neighbour {
	if cfg.Address == 0 {
		cfg.Address = 0x0002
	}
	if cfg.PANID == 0 {
		cfg.PANID = DefaultConfig().PANID
	}
	return &Neighbour{
		cfg:     cfg,
		next:    make(map[int]int),
		respond: make(map[int]bool),
		heard:   make(map[nrng.Code]int),
	}
}

func (n *Neighbour) bind(sched *tdma.Scheduler, rxLeadUs uint64) {
	n.mu.Lock()
	n.sched = sched
	n.rxLead = rxLeadUs
	n.mu.Unlock()
}

// Respond implements sim.Peer.
func (n *Neighbour) Respond(fctrl uint16, start uint64, _ uint16) (sim.Reply, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sched == nil {
		return sim.Reply{}, false
	}
	at := start + n.rxLead
	slot := n.sched.SlotAt(at)

	switch fctrl {
	case nrng.FrameControl:
		if n.respond[slot] {
			delete(n.respond, slot)
			return n.ranging(nrng.CodeResponse, at), true
		}
		if !slices.Contains(n.cfg.RangingSlots, slot) {
			return sim.Reply{}, false
		}
		i := n.next[slot]
		n.next[slot] = (i + 1) % len(rangingCycle)
		return n.ranging(rangingCycle[i], at), true
	case ccp.FrameControl:
		if !n.cfg.Beacon || slot != ccp.Slot {
			return sim.Reply{}, false
		}
		period := n.sched.FramePeriodMicros()
		b := ccp.Beacon{
			FrameControl: ccp.FrameControl,
			Seq:          n.nextSeq(),
			Src:          n.cfg.Address,
			TxOffset:     uint32(offsetIn(at, n.cfg.MasterEpoch, period)),
			Period:       uint32(period),
		}
		return sim.Reply{Frame: b.Marshal(), At: at}, true
	case survey.FrameControl:
		if !n.cfg.Survey {
			return sim.Reply{}, false
		}
		f := survey.Frame{FrameControl: survey.FrameControl, Seq: n.nextSeq(), Src: n.cfg.Address, Kind: survey.KindRanging}
		return sim.Reply{Frame: f.Marshal(), At: at}, true
	}
	return sim.Reply{}, false
}

func (n *Neighbour) ranging(code nrng.Code, at uint64) sim.Reply {
	f := nrng.Frame{
		FrameControl: nrng.FrameControl,
		Seq:          n.nextSeq(),
		PANID:        n.cfg.PANID,
		Dst:          0xFFFF,
		Src:          n.cfg.Address,
		Code:         code,
		Timestamp:    at,
	}
	return sim.Reply{Frame: f.Marshal(), At: at}
}

func (n *Neighbour) nextSeq() uint8 {
	n.seq++
	return n.seq
}

// Hear implements sim.Peer. A ranging request from this node is answered
// with a response on the next listen in the same slot.
func (n *Neighbour) Hear(frame []byte, at uint64) {
	if len(frame) < 2 || binary.LittleEndian.Uint16(frame) != nrng.FrameControl {
		return
	}
	var f nrng.Frame
	if err := f.Unmarshal(frame); err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.heard[f.Code]++
	if f.Code == nrng.CodeRequest && n.sched != nil {
		n.respond[n.sched.SlotAt(at)] = true
	}
}

// Heard returns how many ranging frames carrying code this node sent.
func (n *Neighbour) Heard(code nrng.Code) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.heard[code]
}

func offsetIn(t, epoch, period uint64) uint64 {
	if t >= epoch {
		return (t - epoch) % period
	}
	back := (epoch - t) % period
	if back == 0 {
		return 0
	}
	return period - back
}

var _ sim.Peer = (*Neighbour)(nil)
