// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/genpozi/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks the time from dialing a provider until its
	// session is ready for audio. Use with attribute:
	//   attribute.String("provider", ...)
	HandshakeDuration metric.Float64Histogram

	// --- Audio pipeline counters ---

	// FramesCaptured counts microphone frames read from the capture device.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts capture frames discarded because the pipeline was
	// not draining them fast enough.
	FramesDropped metric.Int64Counter

	// ChunksSent counts audio chunks written to the provider session. Use
	// with attribute:
	//   attribute.String("provider", ...)
	ChunksSent metric.Int64Counter

	// ChunksReceived counts audio chunks received from the provider session.
	// Use with attribute:
	//   attribute.String("provider", ...)
	ChunksReceived metric.Int64Counter

	// BuffersScheduled counts audio buffers handed to the playback scheduler.
	BuffersScheduled metric.Int64Counter

	// Interruptions counts barge-in events that cancelled scheduled playback.
	// Use with attribute:
	//   attribute.String("source", ...) — "remote" or "local"
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts fatal session failures. Use with attribute:
	//   attribute.String("stage", ...) — "handshake", "device", or "transport"
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SendQueueDepth tracks the number of captured chunks buffered between
	// the microphone and the provider sender.
	SendQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("parley.session.handshake.duration",
		metric.WithDescription("Time from dialing a provider until the session is ready for audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Audio pipeline counters.
	if met.FramesCaptured, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("Total microphone frames read from the capture device."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("parley.capture.frames.dropped",
		metric.WithDescription("Total capture frames discarded by backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("parley.transport.chunks.sent",
		metric.WithDescription("Total audio chunks written to the provider session by provider."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("parley.transport.chunks.received",
		metric.WithDescription("Total audio chunks received from the provider session by provider."),
	); err != nil {
		return nil, err
	}
	if met.BuffersScheduled, err = m.Int64Counter("parley.playback.buffers",
		metric.WithDescription("Total audio buffers handed to the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("parley.session.interruptions",
		metric.WithDescription("Total barge-in events that cancelled scheduled playback by source."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("parley.session.errors",
		metric.WithDescription("Total fatal session failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SendQueueDepth, err = m.Int64UpDownCounter("parley.transport.send_queue.depth",
		metric.WithDescription("Captured chunks buffered between the microphone and the provider sender."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
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

// RecordHandshake is a convenience method that records a completed provider
// handshake duration in seconds.
func (m *Metrics) RecordHandshake(ctx context.Context, provider string, seconds float64) {
	m.HandshakeDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordInterruption is a convenience method that records a barge-in counter
// increment.
func (m *Metrics) RecordInterruption(ctx context.Context, source string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordSessionError is a convenience method that records a fatal session
// failure counter increment.
func (m *Metrics) RecordSessionError(ctx context.Context, stage string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
