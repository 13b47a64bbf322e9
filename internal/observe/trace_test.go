package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// useGlobalTracer installs tp as the global provider for the test.
func useGlobalTracer(t *testing.T, tp trace.TracerProvider) {
	t.Helper()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

// captureLogs routes the default slog logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if got, want := CorrelationID(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("CorrelationID = %q, want %q", got, want)
	}
}

func TestStartSpan_CarriesSessionID(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)

	ctx := WithSessionID(context.Background(), "s-42")
	_, span := StartSpan(ctx, "guidance.chat")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "guidance.chat" {
		t.Errorf("span name = %q, want guidance.chat", spans[0].Name)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if a.Key == "session.id" && a.Value.AsString() == "s-42" {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v missing session.id=s-42", spans[0].Attributes)
	}
}

func TestWithSessionID(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(WithSessionID(ctx, "")); got != "" {
		t.Errorf("SessionID after empty id = %q, want empty", got)
	}
	ctx = WithSessionID(ctx, "first")
	ctx = WithSessionID(ctx, "second")
	if got := SessionID(ctx); got != "second" {
		t.Errorf("SessionID = %q, want second", got)
	}
}

func TestLogger_GuidanceSpan(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	useGlobalTracer(t, tp)
	buf := captureLogs(t)

	ctx := WithSessionID(context.Background(), "s-7")
	ctx, span := StartSpan(ctx, "guidance.pose_suggest")
	defer span.End()

	Logger(ctx).Warn("guidance: pose suggestion failed, serving fallback")

	logged := buf.String()
	for _, want := range []string{
		"trace_id=" + span.SpanContext().TraceID().String(),
		"span_id=" + span.SpanContext().SpanID().String(),
		"session_id=s-7",
	} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %q:\n%s", want, logged)
		}
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("plain")

	logged := buf.String()
	if strings.Contains(logged, "trace_id") || strings.Contains(logged, "session_id") {
		t.Errorf("log output should carry no context attributes, got: %s", logged)
	}
}

func TestInjectHeaders(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(WithSessionID(context.Background(), "s-1"), "op")
	defer span.End()

	h := http.Header{}
	InjectHeaders(ctx, h)

	if got := h.Get("Traceparent"); !strings.Contains(got, span.SpanContext().TraceID().String()) {
		t.Errorf("traceparent = %q, want trace id %s", got, span.SpanContext().TraceID())
	}
	if b := h.Get("Baggage"); b != "session.id=s-1" {
		t.Errorf("baggage = %q, want session.id=s-1", b)
	}
}
