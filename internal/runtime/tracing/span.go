package tracing

import (
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LogEntry is a timestamped set of fields recorded on a span.
type LogEntry struct {
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields"`
}

// Span is a timed operation within a trace. Methods are safe for concurrent
// use; calls after Finish are ignored.
type Span struct {
	tracer    *Tracer
	operation string
	tc        TraceContext
	otel      trace.Span

	mu       sync.Mutex
	tags     map[string]any
	logs     []LogEntry
	end      time.Time
	finished bool
}

// Operation returns the span name.
func (s *Span) Operation() string { return s.operation }

// Context returns the span's trace context.
func (s *Span) Context() TraceContext { return s.tc }

// SetTag records a key/value attribute.
func (s *Span) SetTag(key string, value any) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s
	}
	s.tags[key] = value
	if s.otel != nil {
		s.otel.SetAttributes(toAttribute(key, value))
	}
	return s
}

// Log records a timestamped set of fields.
func (s *Span) Log(fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	copied := make(map[string]any, len(fields))
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		copied[k] = v
		attrs = append(attrs, toAttribute(k, v))
	}
	now := s.tracer.now()
	s.logs = append(s.logs, LogEntry{Time: now, Fields: copied})
	if s.otel != nil {
		s.otel.AddEvent("log", trace.WithTimestamp(now), trace.WithAttributes(attrs...))
	}
}

// Finish ends the span. Sampled spans record their duration. Only the first
// call has an effect.
func (s *Span) Finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.end = s.tracer.now()
	failed := s.tags["status"] == "error" || s.tags["error"] == true
	duration := s.end.Sub(s.tc.StartTime)
	s.mu.Unlock()

	if !s.tc.Sampled {
		return
	}
	s.tracer.durations.WithLabelValues(s.operation).Observe(duration.Seconds())
	if s.otel != nil {
		if failed {
			s.otel.SetStatus(codes.Error, "operation failed")
		} else {
			s.otel.SetStatus(codes.Ok, "")
		}
		s.otel.End(trace.WithTimestamp(s.end))
	}
}

// Finished reports whether Finish was called.
func (s *Span) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Duration returns the elapsed time, up to now for an unfinished span.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s.end.Sub(s.tc.StartTime)
	}
	return s.tracer.now().Sub(s.tc.StartTime)
}

// Tags returns a copy of the recorded tags.
func (s *Span) Tags() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}

// Logs returns a copy of the recorded log entries.
func (s *Span) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.logs...)
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case error:
		return attribute.String(key, v.Error())
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
