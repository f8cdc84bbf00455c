package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultOTLPEndpoint = "localhost:4317"

// NodeIdentity labels every exported span with the device that produced it.
type NodeIdentity struct {
	DeviceID uint32
	PANID    uint16
	SlotID   int
}

// TracingConfig selects the exporter and sampling of run-loop spans. One span
// is produced per deferred event, so a node with many slots emits several per
// frame; Kinds and SampleRatio bound that volume.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // otlp collector, host:port
	SampleRatio float64
	// Kinds keeps only spans whose event kind starts with one of these
	// prefixes, e.g. "nrng" or "ccp.complete". Empty keeps every kind.
	Kinds []string
	Node  NodeIdentity
	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

// TracingConfigFromEnv reads the TDMA_TRACING_* and TDMA_OTLP_ENDPOINT
// variables. A sample ratio outside [0, 1] falls back to 1.
func TracingConfigFromEnv() TracingConfig {
	return TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("TDMA_TRACING_ENABLED"), "true"),
		ServiceName: envOr("TDMA_TRACING_SERVICE_NAME", "tdma-node"),
		Exporter:    strings.ToLower(envOr("TDMA_TRACING_EXPORTER", "stdout")),
		Endpoint:    os.Getenv("TDMA_OTLP_ENDPOINT"),
		SampleRatio: envRatio("TDMA_TRACING_SAMPLE_RATIO"),
		Kinds:       envList("TDMA_TRACING_KINDS"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envRatio(key string) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v < 0 || v > 1 {
		return 1
	}
	return v
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// InitTracing installs the global tracer provider and propagators described
// by cfg. The returned function flushes and stops the exporter. With tracing
// disabled a noop provider is installed and the function does nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	tp, err := NewTracerProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("sampler", fmt.Sprintf("parentbased_traceidratio_%0.2f", cfg.SampleRatio)),
		logging.Any("kinds", cfg.Kinds),
		logging.Hex("device_id", uint64(cfg.Node.DeviceID)),
	)
	return tp.Shutdown, nil
}

// NewTracerProvider builds a provider for cfg without installing it.
func NewTracerProvider(ctx context.Context, cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(nodeAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	var sampler sdktrace.Sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	if len(cfg.Kinds) > 0 {
		sampler = kindSampler{kinds: cfg.Kinds, next: sampler}
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func nodeAttributes(cfg TracingConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "tdma"),
	}
	if cfg.Node.DeviceID != 0 {
		attrs = append(attrs,
			attribute.String("tdma.device_id", fmt.Sprintf("%08x", cfg.Node.DeviceID)),
			attribute.String("tdma.pan_id", fmt.Sprintf("%04x", cfg.Node.PANID)),
			attribute.Int("tdma.slot_id", cfg.Node.SlotID),
		)
	}
	return attrs
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout", "":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// kindSampler drops root spans of event kinds outside its prefix list and
// defers the rest to next.
type kindSampler struct {
	kinds []string
	next  sdktrace.Sampler
}

func (s kindSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, k := range s.kinds {
		if strings.HasPrefix(p.Name, k) {
			return s.next.ShouldSample(p)
		}
	}
	return sdktrace.SamplingResult{Decision: sdktrace.Drop}
}

func (s kindSampler) Description() string {
	return fmt.Sprintf("EventKind{%s}/%s", strings.Join(s.kinds, ","), s.next.Description())
}

// ShutdownWithTimeout flushes spans with a five second bound. Errors are
// logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
