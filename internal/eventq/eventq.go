// Package eventq implements the deferred-event run queue: producers running in
// interrupt or timer context post preallocated events, and a single run loop
// executes them one at a time in FIFO order.
package eventq

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrEventPending is returned when an event is posted while its previous
	// posting has not finished executing.
	ErrEventPending = errors.New("eventq: event already pending")
	// ErrQueueFull is returned when the queue has no room for the event.
	ErrQueueFull = errors.New("eventq: queue full")
)

const tracerName = "github.com/signalsfoundry/tdma-ranging-node/internal/eventq"

// Handler executes a deferred event in the run loop.
type Handler func(ctx context.Context, ev *Event)

// Event is a reusable single-shot work item. It is initialised once and then
// posted repeatedly; at most one posting is outstanding at any time.
type Event struct {
	kind    string
	handler Handler
	arg     any

	// stamp is written by the producer after it wins the pending flag and
	// read by the handler.
	stamp   uint64
	pending atomic.Bool
}

// Init sets the event's kind, handler and argument. It must not be called
// while the event is pending.
func (e *Event) Init(kind string, handler Handler, arg any) {
	e.kind = kind
	e.handler = handler
	e.arg = arg
}

func (e *Event) Kind() string  { return e.kind }
func (e *Event) Arg() any      { return e.arg }
func (e *Event) Stamp() uint64 { return e.stamp }
func (e *Event) Pending() bool { return e.pending.Load() }

// Recorder receives run-loop measurements.
type Recorder interface {
	ObserveEvent(kind string, d time.Duration)
	AddDropped(n uint64)
	SetQueueDepth(n int)
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Posted    uint64
	Processed uint64
	Dropped   uint64
	// MaxDepth is the largest queue length observed by a producer after
	// posting.
	MaxDepth int64
}

// Queue is a bounded FIFO of events with one consumer.
type Queue struct {
	ch       chan *Event
	recorder Recorder
	tracer   trace.Tracer

	posted    atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	reported  uint64
	maxDepth  atomic.Int64
}

// Option customises a Queue.
type Option func(*Queue)

// WithRecorder attaches a metrics recorder fed from the run loop.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithTracer overrides the tracer used for per-event spans.
func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) { q.tracer = t }
}

// New creates a queue holding up to capacity pending events. Capacity should
// be at least the number of distinct events that can be posted so that a
// post never fails for lack of room.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{ch: make(chan *Event, capacity)}
	for _, opt := range opts {
		opt(q)
	}
	if q.tracer == nil {
		q.tracer = otel.Tracer(tracerName)
	}
	return q
}

// Post enqueues ev without blocking or allocating. It is safe to call from
// any goroutine. A post of an event that is still pending is coalesced and
// counted as dropped.
func (q *Queue) Post(ev *Event) error {
	return q.PostStamped(ev, 0)
}

// PostStamped is Post with a producer-supplied stamp readable by the handler.
func (q *Queue) PostStamped(ev *Event, stamp uint64) error {
	if !ev.pending.CompareAndSwap(false, true) {
		q.dropped.Add(1)
		return ErrEventPending
	}
	ev.stamp = stamp
	select {
	case q.ch <- ev:
	default:
		ev.pending.Store(false)
		q.dropped.Add(1)
		return ErrQueueFull
	}
	q.posted.Add(1)
	depth := int64(len(q.ch))
	for {
		cur := q.maxDepth.Load()
		if depth <= cur || q.maxDepth.CompareAndSwap(cur, depth) {
			break
		}
	}
	return nil
}

// Len returns the number of events waiting to run.
func (q *Queue) Len() int { return len(q.ch) }

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Posted:    q.posted.Load(),
		Processed: q.processed.Load(),
		Dropped:   q.dropped.Load(),
		MaxDepth:  q.maxDepth.Load(),
	}
}

// Run executes events until ctx is cancelled. Handler panics are not
// recovered.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-q.ch:
			q.execute(ctx, ev)
		}
	}
}

// RunOnce blocks until one event is available and executes it.
func (q *Queue) RunOnce(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-q.ch:
		q.execute(ctx, ev)
		return nil
	}
}

// Drain executes queued events, including events posted by the handlers it
// runs, until the queue is empty. It returns the number executed.
func (q *Queue) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case ev := <-q.ch:
			q.execute(ctx, ev)
			n++
		default:
			return n
		}
	}
}

func (q *Queue) execute(ctx context.Context, ev *Event) {
	start := time.Now()
	spanCtx, span := q.tracer.Start(ctx, ev.kind,
		trace.WithAttributes(attribute.String("event.kind", ev.kind)),
	)
	if ev.handler != nil {
		ev.handler(spanCtx, ev)
	}
	span.End()
	ev.pending.Store(false)
	q.processed.Add(1)

	if q.recorder == nil {
		return
	}
	q.recorder.ObserveEvent(ev.kind, time.Since(start))
	q.recorder.SetQueueDepth(len(q.ch))
	if dropped := q.dropped.Load(); dropped > q.reported {
		q.recorder.AddDropped(dropped - q.reported)
		q.reported = dropped
	}
}
