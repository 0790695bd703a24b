package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumPoints returns the data points of the named int64 sum, failing the test
// when the metric is missing, of another kind, or empty.
func sumPoints(t *testing.T, rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	if len(sum.DataPoints) == 0 {
		t.Fatalf("metric %q has no data points", name)
	}
	return sum.DataPoints
}

// histogramCount returns the observation count of the named float64 histogram.
func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is %T, want Histogram[float64]", name, met.Data)
	}
	if len(hist.DataPoints) == 0 {
		t.Fatalf("metric %q has no data points", name)
	}
	return hist.DataPoints[0].Count
}

// pointWith returns the data point carrying the given string attribute.
func pointWith(t *testing.T, points []metricdata.DataPoint[int64], key, val string) metricdata.DataPoint[int64] {
	t.Helper()
	for _, dp := range points {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == val {
			return dp
		}
	}
	t.Fatalf("no data point with %s=%s", key, val)
	return metricdata.DataPoint[int64]{}
}

func TestNewMetricsCreatesInstruments(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHandshakeDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHandshake(ctx, "openai-realtime", 0.42)
	m.RecordHandshake(ctx, "openai-realtime", 0.87)

	rm := collect(t, reader)
	if got := histogramCount(t, rm, "parley.session.handshake.duration"); got != 2 {
		t.Errorf("observation count = %d, want 2", got)
	}
}

func TestPipelineCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	counters := []struct {
		name string
		c    metric.Int64Counter
	}{
		{"parley.capture.frames", m.FramesCaptured},
		{"parley.capture.frames.dropped", m.FramesDropped},
		{"parley.playback.buffers", m.BuffersScheduled},
		{"parley.transport.chunks.received", m.ChunksReceived},
	}
	for _, tc := range counters {
		tc.c.Add(ctx, 3)
	}

	rm := collect(t, reader)
	for _, tc := range counters {
		if got := sumPoints(t, rm, tc.name)[0].Value; got != 3 {
			t.Errorf("%s = %d, want 3", tc.name, got)
		}
	}
}

func TestChunksSentKeyedByProvider(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	gemini := metric.WithAttributes(Attr("provider", "gemini-live"))
	m.ChunksSent.Add(ctx, 1, gemini)
	m.ChunksSent.Add(ctx, 1, gemini)
	m.ChunksSent.Add(ctx, 1, metric.WithAttributes(Attr("provider", "openai-realtime")))

	pts := sumPoints(t, collect(t, reader), "parley.transport.chunks.sent")
	if got := pointWith(t, pts, "provider", "gemini-live").Value; got != 2 {
		t.Errorf("gemini-live chunks = %d, want 2", got)
	}
	if got := pointWith(t, pts, "provider", "openai-realtime").Value; got != 1 {
		t.Errorf("openai-realtime chunks = %d, want 1", got)
	}
}

func TestInterruptionsBySource(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInterruption(ctx, "remote")
	m.RecordInterruption(ctx, "remote")
	m.RecordInterruption(ctx, "local")

	pts := sumPoints(t, collect(t, reader), "parley.session.interruptions")
	if got := pointWith(t, pts, "source", "remote").Value; got != 2 {
		t.Errorf("remote interruptions = %d, want 2", got)
	}
	if got := pointWith(t, pts, "source", "local").Value; got != 1 {
		t.Errorf("local interruptions = %d, want 1", got)
	}
}

func TestSessionErrorsByStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionError(ctx, "handshake")
	m.RecordSessionError(ctx, "device")

	pts := sumPoints(t, collect(t, reader), "parley.session.errors")
	if got := pointWith(t, pts, "stage", "handshake").Value; got != 1 {
		t.Errorf("handshake errors = %d, want 1", got)
	}
	if got := pointWith(t, pts, "stage", "device").Value; got != 1 {
		t.Errorf("device errors = %d, want 1", got)
	}
}

func TestGaugesAccumulateDeltas(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive; depth changes are recorded as deltas.
	m.ActiveSessions.Add(ctx, 1)
	m.SendQueueDepth.Add(ctx, 5)
	m.SendQueueDepth.Add(ctx, -2)

	rm := collect(t, reader)
	if got := sumPoints(t, rm, "parley.active_sessions")[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	if got := sumPoints(t, rm, "parley.transport.send_queue.depth")[0].Value; got != 3 {
		t.Errorf("send queue depth = %d, want 3", got)
	}
}

func TestHTTPRequestDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.HTTPRequestDuration.Record(context.Background(), 0.05,
		metric.WithAttributes(Attr("method", "GET"), Attr("path", "/healthz")),
	)

	rm := collect(t, reader)
	if got := histogramCount(t, rm, "parley.http.request.duration"); got != 1 {
		t.Errorf("observation count = %d, want 1", got)
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	// DefaultMetrics binds to the global OTel provider; repeated calls must
	// return the same instance.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
