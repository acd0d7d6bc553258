package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/drblury/chainflow/internal/runtime/metadata"
)

func newTestTracer(t *testing.T, rate float64) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reg := prometheus.NewRegistry()
	return NewTracer(WithSampleRate(rate), WithTracerProvider(tp), WithRegisterer(reg)), exporter
}

func TestNewTraceContext(t *testing.T) {
	tracer, _ := newTestTracer(t, 1)
	tc := tracer.NewTraceContext()

	assert.Len(t, tc.TraceID, 32)
	assert.Len(t, tc.SpanID, 16)
	assert.True(t, tc.IsRoot())
	assert.True(t, tc.Valid())
	assert.True(t, tc.Sampled)
	assert.False(t, tc.StartTime.IsZero())
}

func TestSamplingRates(t *testing.T) {
	never, _ := newTestTracer(t, 0)
	for i := 0; i < 50; i++ {
		assert.False(t, never.NewTraceContext().Sampled)
	}

	partial, _ := newTestTracer(t, DefaultSampleRate)
	sampled := 0
	for i := 0; i < 2000; i++ {
		if partial.NewTraceContext().Sampled {
			sampled++
		}
	}
	assert.Greater(t, sampled, 100)
	assert.Less(t, sampled, 320)
}

func TestChildContextInheritsTrace(t *testing.T) {
	tracer, _ := newTestTracer(t, 1)
	parent := tracer.NewTraceContext()
	child := tracer.ChildContext(parent)

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentSpanID)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
	assert.Equal(t, parent.Sampled, child.Sampled)
}

func TestInjectExtractRoundTrip(t *testing.T) {
	tracer, _ := newTestTracer(t, 1)
	tc := tracer.ChildContext(tracer.NewTraceContext())

	md := metadata.Metadata{}
	Inject(tc, md)
	assert.Equal(t, tc.TraceID, md[HeaderTraceID])

	got, ok := Extract(md)
	require.True(t, ok)
	assert.Equal(t, tc.TraceID, got.TraceID)
	assert.Equal(t, tc.SpanID, got.SpanID)
	assert.Equal(t, tc.ParentSpanID, got.ParentSpanID)
	assert.Equal(t, tc.StartTime.UnixMilli(), got.StartTime.UnixMilli())
	assert.True(t, got.Sampled)

	carrier := propagation.MapCarrier{}
	Inject(tc, carrier)
	_, ok = Extract(carrier)
	assert.True(t, ok)
}

func TestExtractRejectsMissingIDs(t *testing.T) {
	_, ok := Extract(metadata.Metadata{HeaderTraceID: "abc"})
	assert.False(t, ok)
	_, ok = Extract(metadata.Metadata{})
	assert.False(t, ok)
}

func TestStartSpanUsesParentFromContext(t *testing.T) {
	tracer, exporter := newTestTracer(t, 1)

	ctx, root := tracer.StartSpan(context.Background(), "ingest")
	_, child := tracer.StartSpan(ctx, "persist")

	assert.Equal(t, root.Context().TraceID, child.Context().TraceID)
	assert.Equal(t, root.Context().SpanID, child.Context().ParentSpanID)

	child.Finish()
	root.Finish()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "persist", spans[0].Name)
	assert.Equal(t, "ingest", spans[1].Name)
}

func TestSpanTagsLogsAndFinish(t *testing.T) {
	tracer, exporter := newTestTracer(t, 1)

	_, span := tracer.StartSpan(context.Background(), "fetch_metadata")
	span.SetTag("service", "metadata").SetTag("status", "error")
	span.Log(map[string]any{"error": "timeout", "attempt": 2})
	time.Sleep(5 * time.Millisecond)
	span.Finish()
	span.Finish()
	span.SetTag("ignored", true)

	assert.True(t, span.Finished())
	assert.Equal(t, "metadata", span.Tags()["service"])
	assert.NotContains(t, span.Tags(), "ignored")
	require.Len(t, span.Logs(), 1)
	assert.Equal(t, 2, span.Logs()[0].Fields["attempt"])
	assert.GreaterOrEqual(t, span.Duration(), 5*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(tracer.durations))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	require.Len(t, spans[0].Events, 1)
}

func TestUnsampledSpanIsNotMirrored(t *testing.T) {
	tracer, exporter := newTestTracer(t, 0)

	_, span := tracer.StartSpan(context.Background(), "noop")
	span.SetTag("k", "v")
	span.Finish()

	assert.Empty(t, exporter.GetSpans())
	assert.Equal(t, 0, testutil.CollectAndCount(tracer.durations))
	assert.Equal(t, "v", span.Tags()["k"])
}

func TestTracersShareRegisteredHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewTracer(WithSampleRate(1), WithRegisterer(reg))
	b := NewTracer(WithSampleRate(1), WithRegisterer(reg))
	assert.Same(t, a.durations, b.durations)
}
