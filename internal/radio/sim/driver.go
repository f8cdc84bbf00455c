// Package sim is a host radio for running the TDMA core without hardware.
// Delayed starts are checked against the node clock and completions are
// raised either from a separate goroutine once the clock reaches the end of
// the action, or inline from the start call.
package sim

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/tdma-ranging-node/internal/radio"
	"github.com/signalsfoundry/tdma-ranging-node/timectrl"
)

// MaxFrameSize is the largest PSDU accepted by WriteTxFrame.
const MaxFrameSize = 127

var ErrFrameTooLong = errors.New("sim: frame exceeds maximum size")

// Clock is the time source of the simulated radio: the device tick counter
// plus node time for scheduling asynchronous completions.
type Clock interface {
	timectrl.CPUTime
	timectrl.SimClock
}

// Config describes the simulated part.
type Config struct {
	Info radio.Info
	PHY  radio.PHY
	// Inline raises every completion before the start call returns.
	Inline bool
}

// DefaultConfig returns an inline radio with the default PHY.
func DefaultConfig() Config {
	return Config{
		Info: radio.Info{
			DeviceID: 0xDECA0130,
			PartID:   0x2A5C1E04,
			LotID:    0x1B1F0A55,
			XtalTrim: 0x0F,
		},
		PHY:    radio.DefaultPHY(),
		Inline: true,
	}
}

// Stats counts radio activity.
type Stats struct {
	Listens     uint64
	Transmits   uint64
	Completions uint64
	Unclaimed   uint64
	StartErrors uint64
}

type completion struct {
	at          uint64
	fctrl       uint16
	status      radio.Status
	frame       []byte
	rxTimestamp uint64
}

// Driver implements radio.Driver.
type Driver struct {
	clock Clock
	peer  Peer
	cfg   Config
	chain radio.Chain

	mu          sync.Mutex
	delayStart  uint64
	rxTimeout   uint16
	fctrl       uint16
	tx          []byte
	busy        bool
	status      radio.Status
	doneFctrl   uint16
	rxTimestamp uint64

	listens     atomic.Uint64
	transmits   atomic.Uint64
	completions atomic.Uint64
	unclaimed   atomic.Uint64
	startErrors atomic.Uint64
}

// New builds a simulated radio. A nil peer never transmits.
func New(clock Clock, peer Peer, cfg Config) *Driver {
	if peer == nil {
		peer = Silent{}
	}
	if cfg.PHY.DataRateKbps == 0 {
		cfg.PHY = radio.DefaultPHY()
	}
	return &Driver{clock: clock, peer: peer, cfg: cfg}
}

func (d *Driver) Info() radio.Info { return d.cfg.Info }
func (d *Driver) PHY() radio.PHY   { return d.cfg.PHY }
func (d *Driver) Now() uint64      { return timectrl.Micros(d.clock) }

func (d *Driver) FrameControl() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doneFctrl
}

func (d *Driver) Status() radio.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Driver) RxTimestamp() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxTimestamp
}

func (d *Driver) SetDelayStart(at uint64) {
	d.mu.Lock()
	d.delayStart = at
	d.mu.Unlock()
}

func (d *Driver) SetRxTimeout(timeout uint16) {
	d.mu.Lock()
	d.rxTimeout = timeout
	d.mu.Unlock()
}

func (d *Driver) SetFrameControl(fctrl uint16) {
	d.mu.Lock()
	d.fctrl = fctrl
	d.mu.Unlock()
}

func (d *Driver) WriteTxFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLong
	}
	d.mu.Lock()
	d.tx = append(d.tx[:0], frame...)
	d.mu.Unlock()
	return nil
}

func (d *Driver) AppendInterface(iface radio.Interface) { d.chain.Append(iface) }

// Interfaces returns the number of registered MAC interfaces.
func (d *Driver) Interfaces() int { return d.chain.Len() }

// Busy reports whether an action is outstanding.
func (d *Driver) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

func (d *Driver) Stats() Stats {
	return Stats{
		Listens:     d.listens.Load(),
		Transmits:   d.transmits.Load(),
		Completions: d.completions.Load(),
		Unclaimed:   d.unclaimed.Load(),
		StartErrors: d.startErrors.Load(),
	}
}

// StartListen arms a receive at the delayed start time.
func (d *Driver) StartListen(radio.Mode) error {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return radio.ErrBusy
	}
	d.busy = true
	start, timeout, fctrl := d.delayStart, d.rxTimeout, d.fctrl
	d.mu.Unlock()
	d.listens.Add(1)

	if timeout == 0 {
		timeout = 0xFFFF
	}
	now := d.Now()
	c := completion{fctrl: fctrl}
	if start < now {
		d.startErrors.Add(1)
		c.status.StartRxError = true
		c.at = now
		d.deliver(c, now)
		return nil
	}

	end := start + uint64(timeout)
	reply, ok := d.peer.Respond(fctrl, start, timeout)
	switch {
	case !ok || reply.At > end:
		c.status.RxTimeoutError = true
		c.at = end
	case reply.Corrupt:
		c.status.RxError = true
		c.at = max(reply.At, start)
	default:
		at := max(reply.At, start)
		c.frame = append([]byte(nil), reply.Frame...)
		c.fctrl = frameControlOf(reply.Frame, fctrl)
		c.rxTimestamp = at
		c.at = at + uint64(d.cfg.PHY.FrameDuration(len(reply.Frame)))
	}
	d.deliver(c, now)
	return nil
}

// StartTransmit sends the frame written by WriteTxFrame at the delayed start
// time.
func (d *Driver) StartTransmit(radio.Mode) error {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return radio.ErrBusy
	}
	d.busy = true
	start := d.delayStart
	frame := append([]byte(nil), d.tx...)
	fctrl := frameControlOf(frame, d.fctrl)
	d.mu.Unlock()
	d.transmits.Add(1)

	now := d.Now()
	c := completion{fctrl: fctrl}
	if start < now {
		d.startErrors.Add(1)
		c.status.StartTxError = true
		c.at = now
	} else {
		d.peer.Hear(frame, start)
		c.at = start + uint64(d.cfg.PHY.FrameDuration(len(frame)))
	}
	d.deliver(c, now)
	return nil
}

func (d *Driver) deliver(c completion, now uint64) {
	if d.cfg.Inline {
		d.raise(c)
		return
	}
	fire := d.clock.After(time.Duration(c.at-now) * time.Microsecond)
	go func() {
		<-fire
		d.raise(c)
	}()
}

// raise plays the interrupt handler: it publishes the completion state,
// hands a received frame to its protocol and walks the MAC interfaces.
func (d *Driver) raise(c completion) {
	d.mu.Lock()
	d.busy = false
	d.status = c.status
	d.doneFctrl = c.fctrl
	if c.frame != nil {
		d.rxTimestamp = c.rxTimestamp
	}
	d.mu.Unlock()

	if c.frame != nil {
		if rx := d.chain.Receiver(c.fctrl); rx != nil {
			rx.Receive(c.frame)
		}
	}
	d.completions.Add(1)
	if !d.chain.Complete(d) {
		d.unclaimed.Add(1)
	}
}

func frameControlOf(frame []byte, fallback uint16) uint16 {
	if len(frame) < 2 {
		return fallback
	}
	return binary.LittleEndian.Uint16(frame[0:2])
}

var _ radio.Driver = (*Driver)(nil)
