package radio

import "github.com/signalsfoundry/tdma-ranging-node/internal/eventq"

// Bridge moves a completion out of interrupt context. It claims completions
// whose frame control matches its discriminator and posts one preallocated
// event carrying the device; it does nothing else.
type Bridge struct {
	fctrl uint16
	queue *eventq.Queue
	event *eventq.Event
}

// NewBridge returns a bridge posting event to queue for completions carrying
// fctrl. The event must have been initialised with its handler.
func NewBridge(fctrl uint16, queue *eventq.Queue, event *eventq.Event) *Bridge {
	if queue == nil || event == nil {
		panic("radio: bridge requires a queue and an event")
	}
	return &Bridge{fctrl: fctrl, queue: queue, event: event}
}

// OnRadioComplete claims the completion if it belongs to this bridge. A
// completion raised while the previous one is still pending is claimed and
// coalesced by the queue.
func (b *Bridge) OnRadioComplete(dev Device) bool {
	if dev.FrameControl() != b.fctrl {
		return false
	}
	_ = b.queue.Post(b.event)
	return true
}

// Interface returns the MAC interface registering the bridge with a driver.
func (b *Bridge) Interface(id string, rx Receiver) Interface {
	return Interface{
		ID:           id,
		FrameControl: b.fctrl,
		Receiver:     rx,
		Complete:     b.OnRadioComplete,
	}
}
