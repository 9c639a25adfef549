package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggerAddsTraceContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "order-api", "debug")

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	log.With("order_id", "o1").InfoContext(ctx, "reserved")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", rec["trace_id"])
	}
	if rec["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v", rec["span_id"])
	}
	if rec["service"] != "order-api" || rec["order_id"] != "o1" {
		t.Errorf("record = %v", rec)
	}
}

func TestLoggerWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "svc", "info").Info("plain")
	var rec map[string]any
	_ = json.Unmarshal(buf.Bytes(), &rec)
	if _, ok := rec["trace_id"]; ok {
		t.Errorf("unexpected trace_id in %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "chatty": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupTracerDisabled(t *testing.T) {
	shutdown, err := SetupTracer(context.Background(), "svc", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestStripScheme(t *testing.T) {
	for in, want := range map[string]string{
		"http://collector:4317":  "collector:4317",
		"https://collector:4317": "collector:4317",
		"collector:4317":         "collector:4317",
	} {
		if got := stripScheme(in); got != want {
			t.Errorf("stripScheme(%q) = %q", in, got)
		}
	}
}
