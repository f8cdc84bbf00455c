// Package node assembles a ranging node: it owns the radio, the run queue,
// the TDMA scheduler and the protocol roles, and registers the roles' slots
// from the start-up configuration.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/tdma-ranging-node/internal/ccp"
	"github.com/signalsfoundry/tdma-ranging-node/internal/eventq"
	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
	"github.com/signalsfoundry/tdma-ranging-node/internal/nrng"
	"github.com/signalsfoundry/tdma-ranging-node/internal/radio"
	"github.com/signalsfoundry/tdma-ranging-node/internal/survey"
	"github.com/signalsfoundry/tdma-ranging-node/internal/tdma"
	"github.com/signalsfoundry/tdma-ranging-node/timectrl"
)

// ErrUnclaimed is reported to the radio owner when no interface claimed a
// completion.
var ErrUnclaimed = errors.New("node: radio completion not claimed")

const (
	// AbortEventKind is the kind of the event raised for unclaimed
	// completions.
	AbortEventKind = "node.unclaimed"
	unclaimedID    = "unclaimed"
)

// Recorder is the union of the recorders fed by a node's components.
type Recorder interface {
	tdma.Recorder
	eventq.Recorder
	nrng.Recorder
	ccp.Recorder
	survey.Recorder
}

type options struct {
	log      logging.Logger
	recorder Recorder
}

// Option customises a Node.
type Option func(*options)

func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRecorder feeds every component's measurements into r.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// Stats is a snapshot of node activity.
type Stats struct {
	Completed uint64
	Failed    uint64
	Unclaimed uint64
	Queue     eventq.Stats
	Beacons   ccp.Stats
	Surveys   uint64
}

// Node is the device context. The radio, queue, scheduler and roles of one
// device hang off it.
type Node struct {
	cfg   Config
	log   logging.Logger
	clock timectrl.CPUTime
	dev   radio.Driver

	arbiter radio.Arbiter
	queue   *eventq.Queue
	timers  *tdma.TimerQueue
	sched   *tdma.Scheduler

	ranging *nrng.Instance
	sync    *ccp.Service
	survey  *survey.Service

	tally     *tally
	abort     eventq.Event
	unclaimed uint64
}

// New builds a node on dev and registers its slots. It does not arm the
// timers; call Start.
func New(cfg Config, clock timectrl.CPUTime, dev radio.Driver, opts ...Option) (*Node, error) {
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil || dev == nil {
		return nil, errors.New("node: clock and radio are required")
	}
	o := options{log: logging.Noop()}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{cfg: cfg, log: o.log, clock: clock, dev: dev}
	n.tally = &tally{next: o.recorder}

	var qopts []eventq.Option
	sopts := []tdma.Option{tdma.WithLogger(o.log.With(logging.String("component", "tdma")))}
	if o.recorder != nil {
		qopts = append(qopts, eventq.WithRecorder(o.recorder))
		sopts = append(sopts, tdma.WithRecorder(o.recorder))
	}
	// one slot event per slot, one completion event per role, the abort event
	n.queue = eventq.New(max(cfg.QueueCapacity, cfg.NSlots+4), qopts...)
	n.timers = tdma.NewTimerQueue(clock)
	sched, err := tdma.NewScheduler(cfg.TDMA(), clock, sopts...)
	if err != nil {
		return nil, err
	}
	n.sched = sched

	n.ranging = nrng.New(dev, &n.arbiter, n.queue, cfg.Ranging(),
		nrng.WithLogger(o.log.With(logging.String("component", "nrng"))),
		nrng.WithRecorder(n.tally),
	)

	if cfg.ClockSync {
		role := ccp.Slave
		if cfg.Master() {
			role = ccp.Master
		}
		copts := []ccp.Option{ccp.WithLogger(o.log.With(logging.String("component", "ccp")))}
		if o.recorder != nil {
			copts = append(copts, ccp.WithRecorder(o.recorder))
		}
		n.sync = ccp.New(role, cfg.ShortAddress, dev, &n.arbiter, n.queue, sched, copts...)
		if err := sched.AssignSlot(ccp.Slot, n.sync, nil); err != nil {
			return nil, err
		}
	}

	if cfg.Survey {
		svopts := []survey.Option{survey.WithLogger(o.log.With(logging.String("component", "survey")))}
		if o.recorder != nil {
			svopts = append(svopts, survey.WithRecorder(o.recorder))
		}
		n.survey = survey.New(cfg.ShortAddress, dev, &n.arbiter, n.queue, svopts...)
		if err := sched.AssignSlot(cfg.SurveyRangeSlot, n.survey.RangeSlot(), nil); err != nil {
			return nil, err
		}
		if err := sched.AssignSlot(cfg.SurveyBroadcastSlot, n.survey.BroadcastSlot(), nil); err != nil {
			return nil, err
		}
	}

	for idx := cfg.FirstRangingSlot(); idx < cfg.NSlots; idx++ {
		if cfg.reserved(idx) {
			continue
		}
		var action tdma.SlotAction = nrng.Listener{Instance: n.ranging}
		if cfg.initiator(idx) {
			action = nrng.Initiator{Instance: n.ranging}
		}
		if err := sched.AssignSlot(idx, action, nil); err != nil {
			return nil, err
		}
	}

	// The tail interface must stay last so the roles see completions first.
	n.abort.Init(AbortEventKind, n.handleUnclaimed, nil)
	dev.AppendInterface(radio.Interface{
		ID: unclaimedID,
		Complete: func(radio.Device) bool {
			_ = n.queue.Post(&n.abort)
			return true
		},
	})
	return n, nil
}

func (n *Node) Config() Config { return n.cfg }
func (n *Node) Scheduler() *tdma.Scheduler { return n.sched }
func (n *Node) Queue() *eventq.Queue { return n.queue }
func (n *Node) Timers() *tdma.TimerQueue { return n.timers }
func (n *Node) Arbiter() *radio.Arbiter { return &n.arbiter }
func (n *Node) Ranging() *nrng.Instance { return n.ranging }
func (n *Node) ClockSync() *ccp.Service { return n.sync }
func (n *Node) SurveyService() *survey.Service { return n.survey }

// DeviceID is the configured device id, or the radio's when unset.
func (n *Node) DeviceID() uint32 {
	if n.cfg.DeviceID != 0 {
		return n.cfg.DeviceID
	}
	return n.dev.Info().DeviceID
}

// Roles names the roles the node runs.
func (n *Node) Roles() []string {
	var roles []string
	if n.sync != nil {
		roles = append(roles, "ccp-"+n.sync.Role().String())
	}
	if n.survey != nil {
		roles = append(roles, "survey")
	}
	return append(roles, "nrng")
}

// Start logs the start-up diagnostics and arms the slot timers.
func (n *Node) Start(ctx context.Context) error {
	n.diagnostics(ctx)
	if err := n.sched.Start(n.timers, n.queue); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	n.log.Info(ctx, "slots assigned",
		logging.Utime(timectrl.Micros(n.clock)),
		logging.Any("slots", n.sched.Assigned()),
		logging.Any("roles", n.Roles()),
	)
	return nil
}

func (n *Node) diagnostics(ctx context.Context) {
	now := timectrl.Micros(n.clock)
	info := n.dev.Info()
	phy := n.dev.PHY()
	lines := []logging.Field{
		logging.Hex("device_id", uint64(n.DeviceID())),
		logging.Hex("PANID", uint64(n.cfg.PANID)),
		logging.Hex("DeviceID", uint64(n.cfg.ShortAddress)),
		logging.Hex("partID", uint64(info.PartID)),
		logging.Hex("lotID", uint64(info.LotID)),
		logging.Hex("xtal_trim", uint64(info.XtalTrim)),
		logging.Int("frame_duration_us", int(phy.FrameDuration(nrng.FrameSize))),
		logging.Int("SHR_duration_us", int(phy.SHRDuration())),
		logging.Int("holdoff_us", int(n.cfg.TxGuard/time.Microsecond)),
	}
	for _, f := range lines {
		n.log.Info(ctx, "startup", logging.Utime(now), f)
	}
}

// OnTick runs the slot timers that are due. It is the clock listener of
// the node and runs on the goroutine advancing time.
func (n *Node) OnTick(time.Time) { n.timers.RunDue() }

// Run executes deferred events until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	return n.queue.Run(ctx)
}

// Drain executes every queued event, including those their handlers post.
func (n *Node) Drain(ctx context.Context) int { return n.queue.Drain(ctx) }

// Stats returns a snapshot of the node counters. It must be called from the
// run loop or while the loop is stopped.
func (n *Node) Stats() Stats {
	s := Stats{
		Completed: n.tally.complete,
		Failed:    n.tally.failed,
		Unclaimed: n.unclaimed,
		Queue:     n.queue.Stats(),
	}
	if n.sync != nil {
		s.Beacons = n.sync.Stats()
	}
	if n.survey != nil {
		s.Surveys = n.survey.Reports()
	}
	return s
}

func (n *Node) handleUnclaimed(ctx context.Context, _ *eventq.Event) {
	n.unclaimed++
	n.log.Warn(ctx, "radio completion not claimed",
		logging.Utime(n.dev.Now()),
		logging.Hex("fctrl", uint64(n.dev.FrameControl())),
		logging.String("holder", n.arbiter.Holder()),
	)
	n.arbiter.Abort(ctx, ErrUnclaimed)
}

// tally counts exchange outcomes and forwards them.
type tally struct {
	complete uint64
	failed   uint64
	next     nrng.Recorder
}

func (t *tally) ObserveExchange(slot int, outcome nrng.Stage) {
	switch outcome {
	case nrng.Complete:
		t.complete++
	case nrng.Failed:
		t.failed++
	}
	if t.next != nil {
		t.next.ObserveExchange(slot, outcome)
	}
}
