// Package tracing propagates trace contexts across pipeline stages and broker
// hops, records timed spans, and mirrors sampled spans into OpenTelemetry.
package tracing

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSampleRate is the fraction of new traces that are sampled.
const DefaultSampleRate = 0.1

const instrumentationName = "github.com/drblury/chainflow/tracing"

// Tracer creates trace contexts and spans.
type Tracer struct {
	sampler   sdktrace.Sampler
	otel      trace.Tracer
	durations *prometheus.HistogramVec
	now       func() time.Time
}

// Option configures a Tracer.
type Option func(*tracerOptions)

type tracerOptions struct {
	sampleRate float64
	provider   trace.TracerProvider
	registerer prometheus.Registerer
	now        func() time.Time
}

// WithSampleRate sets the fraction of new traces that are sampled.
func WithSampleRate(rate float64) Option {
	return func(o *tracerOptions) { o.sampleRate = rate }
}

// WithTracerProvider sets the OpenTelemetry provider sampled spans are
// mirrored into. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *tracerOptions) { o.provider = tp }
}

// WithRegisterer sets where the span duration histogram is registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *tracerOptions) { o.registerer = reg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *tracerOptions) { o.now = now }
}

// NewTracer builds a tracer.
func NewTracer(opts ...Option) *Tracer {
	o := tracerOptions{sampleRate: DefaultSampleRate, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		o.provider = otel.GetTracerProvider()
	}
	if o.registerer == nil {
		o.registerer = prometheus.DefaultRegisterer
	}

	return &Tracer{
		sampler:   sdktrace.TraceIDRatioBased(o.sampleRate),
		otel:      o.provider.Tracer(instrumentationName),
		durations: registerDurations(o.registerer),
		now:       o.now,
	}
}

func registerDurations(reg prometheus.Registerer) *prometheus.HistogramVec {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chainflow",
		Name:      "span_duration_seconds",
		Help:      "Duration of sampled tracing spans",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	if err := reg.Register(hist); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return hist
}

// NewTraceContext starts a new trace with no parent. The sampling decision is
// a deterministic function of the trace id.
func (t *Tracer) NewTraceContext() TraceContext {
	tid := newTraceID()
	return TraceContext{
		TraceID:   tid.String(),
		SpanID:    newSpanID().String(),
		StartTime: t.now(),
		Sampled:   t.sample(tid),
	}
}

// ChildContext derives a context for a span nested under parent.
func (t *Tracer) ChildContext(parent TraceContext) TraceContext {
	return TraceContext{
		TraceID:      parent.TraceID,
		SpanID:       newSpanID().String(),
		ParentSpanID: parent.SpanID,
		StartTime:    t.now(),
		Sampled:      parent.Sampled,
	}
}

func (t *Tracer) sample(tid trace.TraceID) bool {
	res := t.sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       tid,
		Name:          "chainflow",
	})
	return res.Decision == sdktrace.RecordAndSample
}

// StartSpan starts a span named operation. The parent is the trace context in
// ctx, if any. The returned context carries the new span.
func (t *Tracer) StartSpan(ctx context.Context, operation string) (context.Context, *Span) {
	if parent, ok := FromContext(ctx); ok {
		return t.start(ctx, operation, t.ChildContext(parent))
	}
	return t.start(ctx, operation, t.NewTraceContext())
}

// StartChildSpan starts a span nested under an explicit parent, typically one
// extracted from record headers.
func (t *Tracer) StartChildSpan(ctx context.Context, parent TraceContext, operation string) (context.Context, *Span) {
	return t.start(ctx, operation, t.ChildContext(parent))
}

func (t *Tracer) start(ctx context.Context, operation string, tc TraceContext) (context.Context, *Span) {
	span := &Span{
		tracer:    t,
		operation: operation,
		tc:        tc,
		tags:      make(map[string]any),
	}

	if tc.Sampled {
		ctx, span.otel = t.otel.Start(remoteParent(ctx, tc), operation,
			trace.WithTimestamp(tc.StartTime),
			trace.WithAttributes(
				attribute.String("chainflow.trace_id", tc.TraceID),
				attribute.String("chainflow.span_id", tc.SpanID),
			),
		)
	}
	return ContextWithTrace(ctx, tc), span
}

// remoteParent links the mirrored span under the parent span when tc has one.
func remoteParent(ctx context.Context, tc TraceContext) context.Context {
	if tc.IsRoot() {
		return ctx
	}
	tid, err := trace.TraceIDFromHex(tc.TraceID)
	if err != nil {
		return ctx
	}
	sid, err := trace.SpanIDFromHex(tc.ParentSpanID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
