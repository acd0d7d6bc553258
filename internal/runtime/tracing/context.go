package tracing

import (
	"context"
	"crypto/rand"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Propagation header names.
const (
	HeaderTraceID      = "x-trace-id"
	HeaderSpanID       = "x-span-id"
	HeaderParentSpanID = "x-parent-span-id"
	HeaderStartTime    = "x-trace-start-time"
	HeaderSampled      = "x-trace-sampled"
)

// TraceContext identifies a span within a trace. IDs are lowercase hex: 32
// characters for the trace, 16 for spans.
type TraceContext struct {
	TraceID      string    `json:"traceId"`
	SpanID       string    `json:"spanId"`
	ParentSpanID string    `json:"parentSpanId,omitempty"`
	StartTime    time.Time `json:"startTime"`
	Sampled      bool      `json:"sampled"`
}

// IsRoot reports whether the context has no parent span.
func (tc TraceContext) IsRoot() bool { return tc.ParentSpanID == "" }

// Valid reports whether both ids parse as OpenTelemetry ids.
func (tc TraceContext) Valid() bool {
	if _, err := trace.TraceIDFromHex(tc.TraceID); err != nil {
		return false
	}
	_, err := trace.SpanIDFromHex(tc.SpanID)
	return err == nil
}

// Inject writes tc into carrier under the propagation headers.
func Inject(tc TraceContext, carrier propagation.TextMapCarrier) {
	carrier.Set(HeaderTraceID, tc.TraceID)
	carrier.Set(HeaderSpanID, tc.SpanID)
	if tc.ParentSpanID != "" {
		carrier.Set(HeaderParentSpanID, tc.ParentSpanID)
	}
	carrier.Set(HeaderStartTime, strconv.FormatInt(tc.StartTime.UnixMilli(), 10))
	carrier.Set(HeaderSampled, strconv.FormatBool(tc.Sampled))
}

// Extract reads a TraceContext from carrier. It reports false when the trace
// or span id is missing or malformed.
func Extract(carrier propagation.TextMapCarrier) (TraceContext, bool) {
	tc := TraceContext{
		TraceID:      carrier.Get(HeaderTraceID),
		SpanID:       carrier.Get(HeaderSpanID),
		ParentSpanID: carrier.Get(HeaderParentSpanID),
	}
	if !tc.Valid() {
		return TraceContext{}, false
	}
	if ms, err := strconv.ParseInt(carrier.Get(HeaderStartTime), 10, 64); err == nil {
		tc.StartTime = time.UnixMilli(ms)
	}
	tc.Sampled, _ = strconv.ParseBool(carrier.Get(HeaderSampled))
	return tc, true
}

type traceContextKey struct{}

// ContextWithTrace returns a copy of ctx carrying tc.
func ContextWithTrace(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// FromContext returns the TraceContext stored in ctx.
func FromContext(ctx context.Context) (TraceContext, bool) {
	if ctx == nil {
		return TraceContext{}, false
	}
	tc, ok := ctx.Value(traceContextKey{}).(TraceContext)
	return tc, ok
}

func newTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

func newSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}
