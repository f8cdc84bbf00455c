package sim

import "sync"

// Reply is what a peer puts on the air during a listen.
type Reply struct {
	Frame []byte
	// At is the arrival time in device microseconds. Zero means the start of
	// the listen window.
	At uint64
	// Corrupt makes the receiver report an rx error instead of a frame.
	Corrupt bool
}

// Peer models the other nodes within radio range.
type Peer interface {
	// Respond returns the frame heard by a listen armed at start with the
	// given frame control and timeout, or false for silence.
	Respond(fctrl uint16, start uint64, timeout uint16) (Reply, bool)
	// Hear is called with every frame the node transmits.
	Hear(frame []byte, at uint64)
}

// ScriptedPeer replies from per-frame-control queues filled by the test.
type ScriptedPeer struct {
	mu      sync.Mutex
	replies map[uint16][]*Reply
	heard   [][]byte
}

func NewScriptedPeer() *ScriptedPeer {
	return &ScriptedPeer{replies: make(map[uint16][]*Reply)}
}

// Queue appends replies for listens armed with fctrl.
func (p *ScriptedPeer) Queue(fctrl uint16, replies ...Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range replies {
		r := replies[i]
		p.replies[fctrl] = append(p.replies[fctrl], &r)
	}
}

// QueueFrames appends replies carrying frames at the start of the window.
func (p *ScriptedPeer) QueueFrames(fctrl uint16, frames ...[]byte) {
	for _, f := range frames {
		p.Queue(fctrl, Reply{Frame: f})
	}
}

// QueueSilence makes the next listen armed with fctrl time out.
func (p *ScriptedPeer) QueueSilence(fctrl uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[fctrl] = append(p.replies[fctrl], nil)
}

func (p *ScriptedPeer) Respond(fctrl uint16, start uint64, _ uint16) (Reply, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.replies[fctrl]
	if len(q) == 0 {
		return Reply{}, false
	}
	next := q[0]
	p.replies[fctrl] = q[1:]
	if next == nil {
		return Reply{}, false
	}
	r := *next
	if r.At == 0 {
		r.At = start
	}
	return r, true
}

func (p *ScriptedPeer) Hear(frame []byte, _ uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	p.heard = append(p.heard, cp)
}

// Heard returns copies of the frames the node transmitted.
func (p *ScriptedPeer) Heard() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.heard))
	for i, f := range p.heard {
		cp := make([]byte, len(f))
		copy(cp, f)
		out[i] = cp
	}
	return out
}

// Silent is a peer that never transmits.
type Silent struct{}

func (Silent) Respond(uint16, uint64, uint16) (Reply, bool) { return Reply{}, false }
func (Silent) Hear([]byte, uint64)                          {}
