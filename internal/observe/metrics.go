// Package observe provides application-wide observability primitives for
// duplex: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duplex metrics.
const meterName = "github.com/MrWong99/duplex"

// Direction labels used with the "direction" attribute.
const (
	DirectionCapture   = "capture"
	DirectionSynthesis = "synthesis"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Voice sessions ---

	// CaptureFrames counts frames forwarded to the recognition engine.
	CaptureFrames metric.Int64Counter

	// DroppedFrames counts capture frames the engine did not accept.
	DroppedFrames metric.Int64Counter

	// SynthesisChunks counts synthesized chunks written to the playback device.
	SynthesisChunks metric.Int64Counter

	// PlaybackWriteFailures counts chunks the playback device rejected.
	PlaybackWriteFailures metric.Int64Counter

	// SessionStarts counts start attempts. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("status", ...)
	SessionStarts metric.Int64Counter

	// StopDuration tracks how long a session stop took. Use with attribute:
	//   attribute.String("direction", ...)
	StopDuration metric.Float64Histogram

	// SynthesisDuration tracks time from request to last chunk.
	SynthesisDuration metric.Float64Histogram

	// EngineErrors counts error events. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("code", ...)
	EngineErrors metric.Int64Counter

	// UndeliveredEvents counts engine events dropped because no listener was
	// registered.
	UndeliveredEvents metric.Int64Counter

	// ActiveSessions tracks live sessions per direction.
	ActiveSessions metric.Int64UpDownCounter

	// --- Guidance collaborator ---

	// GuidanceRequests counts guidance calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("source", ...)
	GuidanceRequests metric.Int64Counter

	// GuidanceDuration tracks guidance call latency including fallback.
	GuidanceDuration metric.Float64Histogram

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-session latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("duplex.capture.frames",
		metric.WithDescription("Capture frames forwarded to the recognition engine."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("duplex.capture.frames_dropped",
		metric.WithDescription("Capture frames dropped because the engine did not accept them."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisChunks, err = m.Int64Counter("duplex.synthesis.chunks",
		metric.WithDescription("Synthesized chunks written to the playback device."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackWriteFailures, err = m.Int64Counter("duplex.playback.write_failures",
		metric.WithDescription("Synthesized chunks rejected by the playback device."),
	); err != nil {
		return nil, err
	}
	if met.SessionStarts, err = m.Int64Counter("duplex.session.starts",
		metric.WithDescription("Session start attempts by direction and status."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("duplex.engine.errors",
		metric.WithDescription("Engine error events by direction and code."),
	); err != nil {
		return nil, err
	}
	if met.UndeliveredEvents, err = m.Int64Counter("duplex.events.undelivered",
		metric.WithDescription("Engine events dropped because no listener was registered."),
	); err != nil {
		return nil, err
	}
	if met.GuidanceRequests, err = m.Int64Counter("duplex.guidance.requests",
		metric.WithDescription("Guidance service calls by operation and response source."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("duplex.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.StopDuration, err = m.Float64Histogram("duplex.session.stop.duration",
		metric.WithDescription("Time taken to stop a session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("duplex.synthesis.duration",
		metric.WithDescription("Time from synthesis request to completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GuidanceDuration, err = m.Float64Histogram("duplex.guidance.duration",
		metric.WithDescription("Guidance call latency including fallback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("duplex.active_sessions",
		metric.WithDescription("Number of active sessions by direction."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("duplex.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func direction(d string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("direction", d))
}

// RecordSessionStart records a start attempt with its outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, dir, status string) {
	m.SessionStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", dir),
			attribute.String("status", status),
		),
	)
}

// RecordSessionActive adjusts the active-session gauge by delta.
func (m *Metrics) RecordSessionActive(ctx context.Context, dir string, delta int64) {
	m.ActiveSessions.Add(ctx, delta, direction(dir))
}

// RecordStop records the duration of a session stop.
func (m *Metrics) RecordStop(ctx context.Context, dir string, d time.Duration) {
	m.StopDuration.Record(ctx, d.Seconds(), direction(dir))
}

// RecordEngineError counts an error event.
func (m *Metrics) RecordEngineError(ctx context.Context, dir string, code int) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", dir),
			attribute.String("code", strconv.Itoa(code)),
		),
	)
}

// RecordUndelivered counts an event dropped for lack of a listener.
func (m *Metrics) RecordUndelivered(ctx context.Context, dir string) {
	m.UndeliveredEvents.Add(ctx, 1, direction(dir))
}

// RecordGuidance records one guidance call with the source of the response
// ("remote", "fallback" or "partial") and its latency.
func (m *Metrics) RecordGuidance(ctx context.Context, op, source string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("source", source),
	)
	m.GuidanceRequests.Add(ctx, 1, attrs)
	m.GuidanceDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordBreakerTransition counts a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}
