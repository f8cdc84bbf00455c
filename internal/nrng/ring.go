package nrng

import "sync/atomic"

// Ring is the fixed set of frame buffers shared by the radio receive path
// and the completion handler. Buffer i holds the frame of every action whose
// sequence number is congruent to i.
//
// The cursor is moved by the run loop before an action is armed and read by
// the receive path while that action is outstanding.
type Ring struct {
	frames []Frame
	seq    atomic.Uint32
}

// NewRing allocates n buffers. n must be positive.
func NewRing(n int) *Ring {
	if n <= 0 {
		panic("nrng: ring needs at least one buffer")
	}
	return &Ring{frames: make([]Frame, n)}
}

// Len returns the number of buffers.
func (r *Ring) Len() int { return len(r.frames) }

// Index maps a sequence number onto its buffer.
func (r *Ring) Index(seq uint32) int { return int(seq % uint32(len(r.frames))) }

// Seq returns the sequence number of the current action.
func (r *Ring) Seq() uint32 { return r.seq.Load() }

// Advance moves the cursor to the buffer of the next action and returns its
// sequence number.
func (r *Ring) Advance() uint32 { return r.seq.Add(1) }

// Current returns the buffer of the current action.
func (r *Ring) Current() *Frame { return r.At(r.seq.Load()) }

// At returns the buffer for seq.
func (r *Ring) At(seq uint32) *Frame { return &r.frames[r.Index(seq)] }
