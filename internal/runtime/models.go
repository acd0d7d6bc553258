package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/events"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// UnprocessableEventError marks a record that can never be handled, such as a
// payload that does not decode. Consumers send these to the poison queue
// instead of retrying them.
type UnprocessableEventError struct {
	Topic string
	Err   error
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable record on " + e.Topic + ": " + e.Err.Error()
}

func (e *UnprocessableEventError) Unwrap() error { return e.Err }

func isUnprocessable(err error) bool {
	var unprocessable *UnprocessableEventError
	return errors.As(err, &unprocessable)
}

// ProcessorInfo describes a registered processor for the admin API.
type ProcessorInfo struct {
	Name       string             `json:"name"`
	EventTypes []events.EventType `json:"event_types"`
	Stats      *ProcessorStats    `json:"stats"`
}

// ProcessorStats accumulates per-processor counters. It is safe for
// concurrent use.
type ProcessorStats struct {
	mu   sync.Mutex
	data ProcessorStatsSnapshot

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resourceSampler  *resourceTracker
}

// ProcessorStatsSnapshot is a point-in-time copy of ProcessorStats.
type ProcessorStatsSnapshot struct {
	EventsProcessed     uint64    `json:"events_processed"`
	EventsFailed        uint64    `json:"events_failed"`
	DuplicatesSkipped   uint64    `json:"duplicates_skipped"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS     float64 `json:"current_rps"`
	WindowSeconds  float64 `json:"window_seconds"`
	EventsInWindow uint64  `json:"events_in_window"`
	TotalEvents    uint64  `json:"total_events"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets processor errors for the admin API.
type ErrorClassifier func(error) ErrorCategory

func newProcessorStats(sampler *resourceTracker) *ProcessorStats {
	return &ProcessorStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		resourceSampler:  sampler,
	}
}

func (p *ProcessorStats) onStart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.InFlight++
	if p.data.InFlight > p.data.MaxInFlight {
		p.data.MaxInFlight = p.data.InFlight
	}
}

func (p *ProcessorStats) onFinish(duration time.Duration, err error, classifier ErrorClassifier) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.data.InFlight > 0 {
		p.data.InFlight--
	}
	p.data.EventsProcessed++
	if err != nil {
		p.data.EventsFailed++
	}
	p.data.TotalProcessingTime += int64(duration)
	now := time.Now().UTC()
	p.data.LastProcessedAt = now

	p.latencyWindow.Add(duration)
	latency := p.latencyWindow.Snapshot()
	latency.AverageNs = p.data.TotalProcessingTime / int64(p.data.EventsProcessed)
	p.data.Latency = latency

	tp := p.throughputWindow.AddAndSnapshot(now)
	p.data.Throughput = ThroughputMetrics{
		CurrentRPS:     tp.CurrentRPS,
		WindowSeconds:  tp.WindowSeconds,
		EventsInWindow: uint64(tp.Count),
		TotalEvents:    p.data.EventsProcessed,
	}

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	p.data.Errors.Record(classifier(err), err)

	if p.resourceSampler != nil {
		p.data.Resource = p.resourceSampler.Snapshot()
	}
}

func (p *ProcessorStats) onDuplicate() {
	p.mu.Lock()
	p.data.DuplicatesSkipped++
	p.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (p *ProcessorStats) Snapshot() ProcessorStatsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func (p *ProcessorStats) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(p.Snapshot())
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	out := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return out
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum int64
	for _, v := range samples {
		sum += v
	}
	out.SampleSize = lw.filled
	out.P50Ns = percentile(samples, 0.50)
	out.P95Ns = percentile(samples, 0.95)
	out.P99Ns = percentile(samples, 0.99)
	out.AverageNs = sum / int64(len(samples))
	return out
}

// percentile interpolates linearly between the two nearest ranks of sorted
// samples.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		n := copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:n]
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case isUnprocessable(err),
		errors.Is(err, errspkg.ErrInvalidEvent),
		errors.Is(err, errspkg.ErrMalformedPayload),
		errors.Is(err, errspkg.ErrUnsupportedShape),
		errors.Is(err, errspkg.ErrSchemaNotRegistered):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrPersistence):
		return ErrorCategoryTransport
	case errors.Is(err, errspkg.ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}
