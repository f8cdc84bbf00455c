package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/tdma-ranging-node/internal/nrng"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// NodeCollector bundles the Prometheus metrics of a ranging node. It
// implements the recorder interfaces of the scheduler, the run queue and the
// protocol roles so each component reports into the same registry.
type NodeCollector struct {
	gatherer prometheus.Gatherer
	jitter   *JitterTracker

	SlotActivations *prometheus.CounterVec
	SlotLateness    *prometheus.HistogramVec
	SlotSkipped     *prometheus.CounterVec

	Events        *prometheus.CounterVec
	EventDuration *prometheus.HistogramVec
	EventsDropped prometheus.Counter
	QueueDepth    prometheus.Gauge

	Exchanges *prometheus.CounterVec
	Beacons   *prometheus.CounterVec
	Surveys   *prometheus.CounterVec

	RPCRequests *prometheus.CounterVec
}

// NewNodeCollector registers node metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewNodeCollector(reg prometheus.Registerer) (*NodeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &NodeCollector{
		gatherer: gatherer,
		jitter:   NewJitterTracker(DefaultJitterWindow),
	}

	var err error
	if c.SlotActivations, err = reuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tdma_slot_activations_total",
		Help: "Timer-driven slot activations, labeled by slot index.",
	}, []string{"slot"}), "tdma_slot_activations_total"); err != nil {
		return nil, err
	}
	if c.SlotLateness, err = reuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tdma_slot_lateness_seconds",
		Help:    "Delay between a slot timer's due time and its handler running on the run loop.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
	}, []string{"slot"}), "tdma_slot_lateness_seconds"); err != nil {
		return nil, err
	}
	if c.SlotSkipped, err = reuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tdma_slot_skipped_total",
		Help: "Slot activations lost because the previous one was pending or the timer fell behind.",
	}, []string{"slot"}), "tdma_slot_skipped_total"); err != nil {
		return nil, err
	}

	if c.Events, err = reuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventq_events_total",
		Help: "Deferred events executed by the run loop, labeled by event kind.",
	}, []string{"kind"}), "eventq_events_total"); err != nil {
		return nil, err
	}
	if c.EventDuration, err = reuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventq_event_duration_seconds",
		Help:    "Handler run time of deferred events.",
		Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
	}, []string{"kind"}), "eventq_event_duration_seconds"); err != nil {
		return nil, err
	}
	if c.EventsDropped, err = reuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventq_dropped_total",
		Help: "Posts coalesced because the event was still pending or rejected because the queue was full.",
	}), "eventq_dropped_total"); err != nil {
		return nil, err
	}
	if c.QueueDepth, err = reuse(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventq_queue_depth",
		Help: "Events waiting in the run queue after the last execution.",
	}), "eventq_queue_depth"); err != nil {
		return nil, err
	}

	if c.Exchanges, err = reuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nrng_exchanges_total",
		Help: "Finished ranging exchanges, labeled by outcome.",
	}, []string{"outcome"}), "nrng_exchanges_total"); err != nil {
		return nil, err
	}
	if c.Beacons, err = reuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ccp_beacons_total",
		Help: "Clock calibration beacons sent or received, labeled by role and result.",
	}, []string{"role", "result"}), "ccp_beacons_total"); err != nil {
		return nil, err
	}
	if c.Surveys, err = reuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_frames_total",
		Help: "Survey slot outcomes, labeled by frame kind and result.",
	}, []string{"kind", "result"}), "survey_frames_total"); err != nil {
		return nil, err
	}

	if c.RPCRequests, err = reuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "node_rpc_requests_total",
		Help: "Handled diagnostic RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "node_rpc_requests_total"); err != nil {
		return nil, err
	}

	if err := registerCollector(reg, newJitterCollector(c.jitter), "tdma_slot_lateness_summary"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *NodeCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Jitter returns the lateness tracker fed by slot activations.
func (c *NodeCollector) Jitter() *JitterTracker {
	if c == nil {
		return nil
	}
	return c.jitter
}

// Handler exposes a ready-to-use /metrics handler.
func (c *NodeCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveSlotActivation implements tdma.Recorder.
func (c *NodeCollector) ObserveSlotActivation(idx int, lateness time.Duration) {
	if c == nil {
		return
	}
	slot := strconv.Itoa(idx)
	if c.SlotActivations != nil {
		c.SlotActivations.WithLabelValues(slot).Inc()
	}
	if c.SlotLateness != nil {
		c.SlotLateness.WithLabelValues(slot).Observe(lateness.Seconds())
	}
	c.jitter.Add(lateness)
}

// AddSkippedActivations implements tdma.Recorder.
func (c *NodeCollector) AddSkippedActivations(idx int, n uint64) {
	if c == nil || c.SlotSkipped == nil {
		return
	}
	c.SlotSkipped.WithLabelValues(strconv.Itoa(idx)).Add(float64(n))
}

// ObserveEvent implements eventq.Recorder.
func (c *NodeCollector) ObserveEvent(kind string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Events != nil {
		c.Events.WithLabelValues(kind).Inc()
	}
	if c.EventDuration != nil {
		c.EventDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// AddDropped implements eventq.Recorder.
func (c *NodeCollector) AddDropped(n uint64) {
	if c == nil || c.EventsDropped == nil {
		return
	}
	c.EventsDropped.Add(float64(n))
}

// SetQueueDepth implements eventq.Recorder.
func (c *NodeCollector) SetQueueDepth(n int) {
	if c == nil || c.QueueDepth == nil {
		return
	}
	c.QueueDepth.Set(float64(n))
}

// ObserveExchange implements nrng.Recorder.
func (c *NodeCollector) ObserveExchange(_ int, outcome nrng.Stage) {
	if c == nil || c.Exchanges == nil {
		return
	}
	c.Exchanges.WithLabelValues(strings.ToLower(outcome.String())).Inc()
}

// ObserveBeacon implements ccp.Recorder.
func (c *NodeCollector) ObserveBeacon(role string, ok bool) {
	if c == nil || c.Beacons == nil {
		return
	}
	c.Beacons.WithLabelValues(role, result(ok)).Inc()
}

// ObserveSurvey implements survey.Recorder.
func (c *NodeCollector) ObserveSurvey(kind string, ok bool) {
	if c == nil || c.Surveys == nil {
		return
	}
	c.Surveys.WithLabelValues(kind, result(ok)).Inc()
}

// UnaryServerInterceptor counts diagnostic RPCs by status code.
func (c *NodeCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if c == nil || c.RPCRequests == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// reuse registers c, or returns the collector already registered under the
// same descriptor when it has the same type.
func reuse[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	var are prometheus.AlreadyRegisteredError
	err := reg.Register(c)
	switch {
	case err == nil:
		return c, nil
	case errors.As(err, &are):
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
		return c, fmt.Errorf("metric %s registered with another type", name)
	default:
		return c, fmt.Errorf("register %s: %w", name, err)
	}
}

// registerCollector registers a custom collector. A second node on the same
// registry keeps reporting through the first node's tracker.
func registerCollector(reg prometheus.Registerer, col prometheus.Collector, name string) error {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return fmt.Errorf("register %s: %w", name, err)
	}
	return nil
}
