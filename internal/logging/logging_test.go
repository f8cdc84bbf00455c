package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestJSONLoggerEmitsDiagnosticFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Warn(context.Background(), "rx_timeout_error", Utime(1234), Hex("device_id", 0xdeca0130), Err(errors.New("boom")))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if got := line["msg"]; got != "rx_timeout_error" {
		t.Fatalf("msg = %v, want rx_timeout_error", got)
	}
	if got := line["utime"]; got != float64(1234) {
		t.Fatalf("utime = %v, want 1234", got)
	}
	if got := line["device_id"]; got != "0xDECA0130" {
		t.Fatalf("device_id = %v, want 0xDECA0130", got)
	}
	if got := line["error"]; got != "boom" {
		t.Fatalf("error = %v, want boom", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "text", Output: &buf})

	log.Info(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	log.Error(context.Background(), "kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("error line missing: %q", buf.String())
	}
}

func TestWithSlotLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Format: "text", Output: &buf})

	ctx, l := WithSlotLogger(context.Background(), base, 3)
	if FromContext(ctx, nil) != l {
		t.Fatalf("FromContext did not return the slot logger")
	}
	l.Info(ctx, "slot")
	if !strings.Contains(buf.String(), "slot=3") {
		t.Fatalf("slot field missing: %q", buf.String())
	}

	if _, ok := FromContext(context.Background(), nil).(noopLogger); !ok {
		t.Fatalf("FromContext without logger should fall back to Noop")
	}
}

func TestTraceIDsFromSpanContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", TraceIDs: true, Output: &buf}).With(Int("slot", 2))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x0a},
		TraceFlags: trace.FlagsSampled,
	})
	log.Info(trace.ContextWithSpanContext(context.Background(), sc), "traced")
	log.Info(context.Background(), "untraced")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2: %q", len(lines), buf.String())
	}
	var traced, untraced map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &traced); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &untraced); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := traced["trace_id"]; got != sc.TraceID().String() {
		t.Fatalf("trace_id = %v, want %s", got, sc.TraceID())
	}
	if got := traced["span_id"]; got != "0a00000000000000" {
		t.Fatalf("span_id = %v, want 0a00000000000000", got)
	}
	if traced["slot"] != float64(2) {
		t.Fatalf("slot = %v, want 2", traced["slot"])
	}
	if _, ok := untraced["trace_id"]; ok {
		t.Fatalf("trace_id logged without a span: %v", untraced)
	}
}
