// Package nrng runs multi-node ranging exchanges inside TDMA slots: it owns
// the ranging frame buffers, claims ranging completions from the radio and
// drives each slot's exchange through its stages on the run loop.
package nrng

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/signalsfoundry/tdma-ranging-node/internal/eventq"
	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
	"github.com/signalsfoundry/tdma-ranging-node/internal/radio"
	"github.com/signalsfoundry/tdma-ranging-node/internal/tdma"
)

// EventKind is the kind of the deferred ranging completion event.
const EventKind = "nrng.complete"

// InterfaceID names the ranging MAC interface.
const InterfaceID = "nrng"

// Config holds the ranging parameters.
type Config struct {
	// NFrames is the number of frame buffers in the ring.
	NFrames int
	// RxTimeoutDelay is the guard added to the expected frame duration when
	// computing a listen timeout, in radio timeout units.
	RxTimeoutDelay uint16
	PANID          uint16
	Address        uint16
}

// DefaultConfig mirrors the stock ranging configuration.
func DefaultConfig() Config {
	return Config{
		NFrames:        16,
		RxTimeoutDelay: 0x0100,
		PANID:          0xDECA,
		Address:        0x0001,
	}
}

// Recorder receives exchange outcomes.
type Recorder interface {
	ObserveExchange(slot int, outcome Stage)
}

type nopRecorder struct{}

func (nopRecorder) ObserveExchange(int, Stage) {}

// Option customises an Instance.
type Option func(*Instance)

func WithLogger(l logging.Logger) Option {
	return func(i *Instance) {
		if l != nil {
			i.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(i *Instance) {
		if r != nil {
			i.recorder = r
		}
	}
}

// Instance is the ranging service of one device.
type Instance struct {
	cfg      Config
	dev      radio.Driver
	arbiter  *radio.Arbiter
	log      logging.Logger
	recorder Recorder

	ring   *Ring
	event  eventq.Event
	bridge *radio.Bridge
	txbuf  [FrameSize]byte

	exchanges map[int]*Exchange
	active    *Exchange
	// armed is set while ranging owns the outstanding radio action. The
	// receive path reads it in interrupt context.
	armed atomic.Bool
}

// New creates the ranging service and registers its MAC interface with dev.
func New(dev radio.Driver, arbiter *radio.Arbiter, queue *eventq.Queue, cfg Config, opts ...Option) *Instance {
	if dev == nil || arbiter == nil || queue == nil {
		panic("nrng: device, arbiter and queue are required")
	}
	if cfg.NFrames <= 0 {
		cfg.NFrames = DefaultConfig().NFrames
	}
	i := &Instance{
		cfg:       cfg,
		dev:       dev,
		arbiter:   arbiter,
		log:       logging.Noop(),
		recorder:  nopRecorder{},
		ring:      NewRing(cfg.NFrames),
		exchanges: make(map[int]*Exchange),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.event.Init(EventKind, i.handleCompletion, radio.Device(dev))
	i.bridge = radio.NewBridge(FrameControl, queue, &i.event)
	dev.AppendInterface(i.bridge.Interface(InterfaceID, i))
	return i
}

// Bridge returns the interrupt-side completion bridge.
func (i *Instance) Bridge() *radio.Bridge { return i.bridge }

// Ring returns the frame buffers.
func (i *Instance) Ring() *Ring { return i.ring }

// Exchange returns the current exchange of slot, or nil.
func (i *Instance) Exchange(slot int) *Exchange { return i.exchanges[slot] }

// Receive copies a received ranging frame into the current buffer. It runs
// in interrupt context and does not allocate. A frame that fails to decode
// leaves a zero code, which the handler rejects. Frames heard while another
// role holds the radio are not buffered.
func (i *Instance) Receive(frame []byte) {
	if !i.armed.Load() {
		return
	}
	cur := i.ring.Current()
	if err := cur.Unmarshal(frame); err != nil {
		cur.Code = 0
	}
}

// begin returns the open exchange of slot, starting a fresh one when the
// previous exchange finished.
func (i *Instance) begin(slot int) *Exchange {
	ex := i.exchanges[slot]
	if ex == nil || ex.Stage.Terminal() {
		ex = NewExchange(slot)
		i.exchanges[slot] = ex
	}
	return ex
}

// Listen arms a delayed receive at the start of sl for the next frame of the
// slot's exchange.
func (i *Instance) Listen(ctx context.Context, sl *tdma.Slot) error {
	ctx, log := logging.WithSlotLogger(ctx, i.log, sl.Idx)
	if !i.arbiter.Acquire(InterfaceID, i) {
		log.Debug(ctx, "radio busy, slot skipped", logging.String("holder", i.arbiter.Holder()))
		return radio.ErrBusy
	}
	ex := i.begin(sl.Idx)
	ex.DelayStart = sl.RxStart()
	ex.RxTimeout = tdma.RxTimeout(i.dev.PHY().FrameDuration(RequestFrameSize), i.cfg.RxTimeoutDelay)

	i.ring.Advance()
	i.active = ex
	i.armed.Store(true)
	i.dev.SetDelayStart(ex.DelayStart)
	i.dev.SetRxTimeout(ex.RxTimeout)
	i.dev.SetFrameControl(FrameControl)
	if err := i.dev.StartListen(radio.Blocking); err != nil {
		i.abandon(ctx, ex, err)
		return err
	}
	return nil
}

// Transmit arms a delayed transmission of a frame carrying code at the
// start of sl.
func (i *Instance) Transmit(ctx context.Context, sl *tdma.Slot, code Code) error {
	ctx, _ = logging.WithSlotLogger(ctx, i.log, sl.Idx)
	if !i.arbiter.Acquire(InterfaceID, i) {
		return radio.ErrBusy
	}
	ex := i.begin(sl.Idx)
	if code.Terminal() {
		if err := ex.MarkFinalSent(); err != nil {
			i.arbiter.Release()
			return err
		}
	}
	ex.DelayStart = sl.TxStart()
	ex.RxTimeout = 0

	seq := i.ring.Advance()
	frame := i.ring.Current()
	*frame = Frame{
		FrameControl: FrameControl,
		Seq:          uint8(seq),
		PANID:        i.cfg.PANID,
		Dst:          0xFFFF,
		Src:          i.cfg.Address,
		Code:         code,
		Timestamp:    ex.DelayStart,
	}
	n, err := frame.MarshalTo(i.txbuf[:])
	if err != nil {
		i.arbiter.Release()
		return err
	}

	i.active = ex
	i.armed.Store(true)
	i.dev.SetDelayStart(ex.DelayStart)
	i.dev.SetFrameControl(FrameControl)
	if err := i.dev.WriteTxFrame(i.txbuf[:n]); err != nil {
		i.abandon(ctx, ex, err)
		return err
	}
	if err := i.dev.StartTransmit(radio.Blocking); err != nil {
		i.abandon(ctx, ex, err)
		return err
	}
	return nil
}

// abandon fails an exchange whose radio action never started.
func (i *Instance) abandon(ctx context.Context, ex *Exchange, err error) {
	i.active = nil
	i.armed.Store(false)
	i.arbiter.Release()
	i.fail(ctx, ex, err, radio.Status{})
}

// RadioAborted fails the active exchange when its completion was not
// claimed.
func (i *Instance) RadioAborted(ctx context.Context, err error) {
	ex := i.active
	i.active = nil
	i.armed.Store(false)
	if ex != nil {
		ctx, _ = logging.WithSlotLogger(ctx, i.log, ex.Slot)
		i.fail(ctx, ex, err, radio.Status{})
	}
}

func (i *Instance) handleCompletion(ctx context.Context, ev *eventq.Event) {
	dev := ev.Arg().(radio.Device)
	if i.arbiter.Holder() == InterfaceID {
		defer i.arbiter.Release()
	}

	ex := i.active
	i.active = nil
	i.armed.Store(false)
	if ex == nil {
		i.log.Warn(ctx, "ranging completion without an armed exchange",
			logging.Utime(dev.RxTimestamp()),
			logging.String("holder", i.arbiter.Holder()),
		)
		if i.arbiter.Busy() {
			i.arbiter.Abort(ctx, radio.ErrForeignFrame)
		}
		return
	}
	ex.Events++
	ctx, log := logging.WithSlotLogger(ctx, i.log, ex.Slot)

	status := dev.Status()
	if err := status.Err(); err != nil {
		i.fail(ctx, ex, err, status)
		return
	}

	frame := i.ring.Current()
	code := frame.Code
	if code.Terminal() {
		frame.Code = CodeEnd
	}
	ex.Seq = i.ring.Seq()

	from := ex.Stage
	if err := ex.Advance(code); err != nil {
		if errors.Is(err, ErrExchangeClosed) {
			log.Warn(ctx, "completion for a finished exchange",
				logging.String("code", code.String()),
			)
			return
		}
		i.fail(ctx, ex, err, status)
		return
	}

	log.Debug(ctx, "exchange advanced",
		logging.Utime(i.dev.Now()),
		logging.String("code", code.String()),
		logging.String("from", from.String()),
		logging.String("to", ex.Stage.String()),
	)
	if ex.Stage == Complete {
		i.recorder.ObserveExchange(ex.Slot, Complete)
		log.Info(ctx, "exchange complete",
			logging.Utime(i.dev.Now()),
			logging.Int("events", ex.Events),
		)
	}
}

func (i *Instance) fail(ctx context.Context, ex *Exchange, err error, status radio.Status) {
	from := ex.Stage
	ex.Fail(err)
	if ex.Stage != Failed {
		return
	}
	i.recorder.ObserveExchange(ex.Slot, Failed)

	fields := []logging.Field{
		logging.Utime(i.dev.Now()),
		logging.String("stage", from.String()),
		logging.Err(err),
	}
	for _, tag := range status.Tags() {
		fields = append(fields, logging.Bool(tag, true))
	}
	logging.FromContext(ctx, i.log).Warn(ctx, "exchange failed", fields...)
}
