// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup] bridges
// them into a Prometheus registry served at telemetry.metrics_path. Components
// built without explicit metrics fall back to [DefaultMetrics], which uses the
// global meter provider; tests pass [NewMetrics] a private provider instead.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionStarts counts start attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"aborted")
	SessionStarts metric.Int64Counter

	// SessionStartDuration tracks the time from Start to Active.
	SessionStartDuration metric.Float64Histogram

	// SessionErrors counts terminal session failures. Use with attribute:
	//   attribute.String("kind", "permission_denied"|"device_lost"|"transport"|"other")
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of sessions in the Active state.
	ActiveSessions metric.Int64UpDownCounter

	// --- Audio path ---

	// CaptureFrames counts frames handed to the streaming session.
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts inbound chunks. Use with attribute:
	//   attribute.String("status", "scheduled"|"decode_failed"|"output_failed")
	PlaybackChunks metric.Int64Counter

	// PlaybackInterruptions counts barge-in flushes.
	PlaybackInterruptions metric.Int64Counter

	// --- Conversation ---

	// Turns counts completed turns.
	Turns metric.Int64Counter

	// Messages counts finalised chat messages. Use with attribute:
	//   attribute.String("role", "user"|"model")
	Messages metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for session
// handshakes, which include a device grant and a remote WebSocket dial.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionStarts, err = m.Int64Counter("parley.session.starts",
		metric.WithDescription("Session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionStartDuration, err = m.Float64Histogram("parley.session.start.duration",
		metric.WithDescription("Time from start request to an active session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("parley.session.errors",
		metric.WithDescription("Terminal session failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.sessions.active",
		metric.WithDescription("Number of active voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("Captured frames sent to the remote endpoint."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("parley.playback.chunks",
		metric.WithDescription("Inbound audio chunks by scheduling outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("parley.playback.interruptions",
		metric.WithDescription("Playback flushes caused by barge-in."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.turns",
		metric.WithDescription("Completed conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.Messages, err = m.Int64Counter("parley.messages",
		metric.WithDescription("Finalised chat messages by role."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordSessionStart records the outcome of a start attempt and, for
// successful starts, how long it took.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string, took time.Duration) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
	if status == "ok" {
		m.SessionStartDuration.Record(ctx, took.Seconds())
	}
}

// RecordSessionError records a terminal session failure.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordChunk records one inbound chunk with its scheduling outcome.
func (m *Metrics) RecordChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordMessage records one finalised chat message.
func (m *Metrics) RecordMessage(ctx context.Context, role string) {
	m.Messages.Add(ctx, 1, metric.WithAttributes(Attr("role", role)))
}
