package tdma

import "time"

// RxTimeoutPadding is added to every computed receive timeout, in radio
// timeout units. Nodes on the air use this exact margin.
const RxTimeoutPadding = 0x1000

// SlotWidth is the duration of one slot.
func (s *Scheduler) SlotWidth() time.Duration {
	return time.Duration(s.widthUs) * time.Microsecond
}

// SlotStartOffset is the offset of slot idx from the start of its frame.
func (s *Scheduler) SlotStartOffset(idx int) time.Duration {
	return time.Duration(s.offsetMicros(idx)) * time.Microsecond
}

func (s *Scheduler) offsetMicros(idx int) uint64 {
	if idx <= 0 {
		return 0
	}
	return uint64(idx) * s.widthUs
}

// Epoch returns the frame epoch in device microseconds.
func (s *Scheduler) Epoch() uint64 { return s.epoch.Load() }

// FramePeriodMicros returns the frame period in device microseconds.
func (s *Scheduler) FramePeriodMicros() uint64 { return s.periodUs }

// NextActivation returns the first boundary of slot idx at or after from,
// in device microseconds.
func (s *Scheduler) NextActivation(idx int, from uint64) uint64 {
	base := s.epoch.Load() + s.offsetMicros(idx)
	if from <= base {
		return base - (base-from)/s.periodUs*s.periodUs
	}
	k := (from - base + s.periodUs - 1) / s.periodUs
	return base + k*s.periodUs
}

// SlotAt returns the slot whose window contains device time t under the
// current epoch.
func (s *Scheduler) SlotAt(t uint64) int {
	epoch := s.epoch.Load()
	var off uint64
	if t >= epoch {
		off = (t - epoch) % s.periodUs
	} else if back := (epoch - t) % s.periodUs; back != 0 {
		off = s.periodUs - back
	}
	idx := int(off / s.widthUs)
	if idx >= s.cfg.NSlots {
		idx = s.cfg.NSlots - 1
	}
	return idx
}

// FrameStart is the start of the frame of the most recent activation.
func (s *Scheduler) FrameStart() uint64 { return s.frameStart }

// SlotStart is the boundary of slot idx in the frame of the most recent
// activation.
func (s *Scheduler) SlotStart(idx int) uint64 {
	return s.frameStart + s.offsetMicros(idx)
}

// RxSlotStart is the delayed receive start for slot idx.
func (s *Scheduler) RxSlotStart(idx int) uint64 {
	return saturatingSub(s.SlotStart(idx), durationMicros(s.cfg.RxLead))
}

// TxSlotStart is the delayed transmit start for slot idx.
func (s *Scheduler) TxSlotStart(idx int) uint64 {
	return s.SlotStart(idx) + durationMicros(s.cfg.TxGuard)
}

// RxTimeout returns the receive timeout for a frame of frameDuration plus
// rxGuard, padded by RxTimeoutPadding and saturated to the register width.
func RxTimeout(frameDuration, rxGuard uint16) uint16 {
	total := uint32(frameDuration) + uint32(rxGuard) + RxTimeoutPadding
	if total > 0xFFFF {
		return 0xFFFF
	}
	return uint16(total)
}
