package observe

import (
	"context"
	"log/slog"
	"testing"
)

func TestCorrelationID_WithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID on a bare context = %q, want empty", got)
	}
}

func TestCorrelationID_MatchesActiveSpan(t *testing.T) {
	installTestTracer(t)

	ctx, span := StartSpan(context.Background(), "session.connect")
	defer span.End()

	got := CorrelationID(ctx)
	want := span.SpanContext().TraceID().String()
	if got != want {
		t.Errorf("CorrelationID = %q, want the span's trace ID %q", got, want)
	}
	if len(got) != 32 {
		t.Errorf("trace ID length = %d, want 32 hex chars", len(got))
	}
}

func TestStartSpan_ExportsThroughConfiguredProvider(t *testing.T) {
	exp := installTestTracer(t)

	_, span := StartSpan(context.Background(), "provider.handshake")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exporter saw %d spans, want 1", len(spans))
	}
	if spans[0].Name != "provider.handshake" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "provider.handshake")
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("instrumentation scope = %q, want %q", got, tracerName)
	}
}

// attrRecorder is a slog.Handler that remembers the attribute keys of every
// record it handles.
type attrRecorder struct {
	keys map[string]string
}

func (h *attrRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (h *attrRecorder) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		h.keys[a.Key] = a.Value.String()
		return true
	})
	return nil
}

func (h *attrRecorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	for _, a := range attrs {
		h.keys[a.Key] = a.Value.String()
	}
	return h
}

func (h *attrRecorder) WithGroup(string) slog.Handler { return h }

func TestLogger_BindsTraceAndSpanIDs(t *testing.T) {
	installTestTracer(t)

	rec := &attrRecorder{keys: make(map[string]string)}
	prev := slog.Default()
	slog.SetDefault(slog.New(rec))
	defer slog.SetDefault(prev)

	ctx, span := StartSpan(context.Background(), "session.interrupt")
	defer span.End()

	Logger(ctx).Info("playback flushed")

	if got := rec.keys["trace_id"]; got != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id attr = %q, want %q", got, span.SpanContext().TraceID().String())
	}
	if got := rec.keys["span_id"]; got != span.SpanContext().SpanID().String() {
		t.Errorf("span_id attr = %q, want %q", got, span.SpanContext().SpanID().String())
	}
}

func TestLogger_WithoutSpanIsDefault(t *testing.T) {
	rec := &attrRecorder{keys: make(map[string]string)}
	prev := slog.Default()
	slog.SetDefault(slog.New(rec))
	defer slog.SetDefault(prev)

	Logger(context.Background()).Info("no session")

	if _, ok := rec.keys["trace_id"]; ok {
		t.Error("logger without an active span carries a trace_id attribute")
	}
}
