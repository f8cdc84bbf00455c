// Package radio defines the contract between the TDMA core and the radio
// driver: delayed-start actions, completion notifications raised from
// interrupt context, and the status flags those notifications carry.
package radio

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrStartTx   = errors.New("radio: start tx error")
	ErrStartRx   = errors.New("radio: start rx error")
	ErrRx        = errors.New("radio: rx error")
	ErrRxTimeout = errors.New("radio: rx timeout")

	// ErrBusy is returned when an action is started while another one is
	// still outstanding.
	ErrBusy = errors.New("radio: action already outstanding")
	// ErrForeignFrame ends an action whose completion was claimed by a role
	// other than the one that armed it.
	ErrForeignFrame = errors.New("radio: completion claimed by another role")
)

// Mode selects whether a start call waits for the radio to accept the command.
type Mode int

const (
	Blocking Mode = iota
	NonBlocking
)

// Status holds the error flags of the most recent completion.
type Status struct {
	StartTxError   bool
	StartRxError   bool
	RxError        bool
	RxTimeoutError bool
}

// OK reports whether no error flag is set.
func (s Status) OK() bool {
	return !s.StartTxError && !s.StartRxError && !s.RxError && !s.RxTimeoutError
}

// Err maps the flags onto the radio error taxonomy. Start errors take
// precedence over receive errors, and receive errors over timeouts.
func (s Status) Err() error {
	switch {
	case s.StartTxError:
		return ErrStartTx
	case s.StartRxError:
		return ErrStartRx
	case s.RxError:
		return ErrRx
	case s.RxTimeoutError:
		return ErrRxTimeout
	default:
		return nil
	}
}

// Tags returns the diagnostic tag of every flag that is set.
func (s Status) Tags() []string {
	var tags []string
	if s.StartRxError {
		tags = append(tags, "start_rx_error")
	}
	if s.StartTxError {
		tags = append(tags, "start_tx_error")
	}
	if s.RxError {
		tags = append(tags, "rx_error")
	}
	if s.RxTimeoutError {
		tags = append(tags, "rx_timeout_error")
	}
	return tags
}

// Device is the view of the radio available to completion consumers.
type Device interface {
	// FrameControl is the frame-control field of the frame just received or
	// sent, or the one set for the armed listen when nothing was received.
	FrameControl() uint16
	Status() Status
	// RxTimestamp is the device time in microseconds of the last reception.
	RxTimestamp() uint64
}

// Info identifies the radio part.
type Info struct {
	DeviceID uint32
	PartID   uint32
	LotID    uint32
	XtalTrim uint8
}

// Driver is the radio driver consumed by the core.
//
// Start errors, receive errors and timeouts are reported as completions with
// the matching Status flag set. StartListen and StartTransmit return an
// error only when the command is rejected outright, in which case no
// completion follows.
type Driver interface {
	Device

	Info() Info
	// Now returns the radio system time in microseconds.
	Now() uint64
	PHY() PHY

	SetDelayStart(at uint64)
	// SetRxTimeout sets the receive timeout in radio timeout units.
	SetRxTimeout(timeout uint16)
	SetFrameControl(fctrl uint16)
	WriteTxFrame(frame []byte) error
	StartListen(mode Mode) error
	StartTransmit(mode Mode) error

	AppendInterface(iface Interface)
}

// Receiver is the driver-side receive path of a protocol: it copies a
// received frame into the protocol's buffers before completion is raised.
type Receiver interface {
	Receive(frame []byte)
}

// Interface is one consumer of completion notifications. Complete runs in
// interrupt context and returns true when it claimed the completion.
type Interface struct {
	ID string
	// FrameControl is the frame-control value the interface owns. Received
	// frames carrying it are handed to Receiver before completion is raised.
	FrameControl uint16
	Receiver     Receiver
	Complete     func(dev Device) bool
}

// Chain dispatches a completion to registered interfaces in order until one
// claims it. Append is copy-on-write so Complete never takes a lock.
type Chain struct {
	mu     sync.Mutex
	ifaces atomic.Pointer[[]Interface]
}

// Append registers iface after the existing interfaces.
func (c *Chain) Append(iface Interface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next []Interface
	if cur := c.ifaces.Load(); cur != nil {
		next = append(next, (*cur)...)
	}
	next = append(next, iface)
	c.ifaces.Store(&next)
}

// Complete offers dev to each interface and reports whether one claimed it.
func (c *Chain) Complete(dev Device) bool {
	cur := c.ifaces.Load()
	if cur == nil {
		return false
	}
	for _, iface := range *cur {
		if iface.Complete != nil && iface.Complete(dev) {
			return true
		}
	}
	return false
}

// Receiver returns the receive path of the first interface owning fctrl.
func (c *Chain) Receiver(fctrl uint16) Receiver {
	cur := c.ifaces.Load()
	if cur == nil {
		return nil
	}
	for _, iface := range *cur {
		if iface.Receiver != nil && iface.FrameControl == fctrl {
			return iface.Receiver
		}
	}
	return nil
}

// Len returns the number of registered interfaces.
func (c *Chain) Len() int {
	if cur := c.ifaces.Load(); cur != nil {
		return len(*cur)
	}
	return 0
}
