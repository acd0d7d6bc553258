package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/chainflow/internal/runtime/events"
)

// PipelineMetrics holds the Prometheus collectors of the event pipeline. A
// nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	mu sync.Mutex

	eventsPersisted     *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
	processingDuration  *prometheus.HistogramVec
	pipelineFailures    *prometheus.CounterVec
	duplicateEvents     *prometheus.CounterVec
	eventsDispatched    *prometheus.CounterVec
	consumerRecords     *prometheus.CounterVec
	consumerErrors      *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainflow",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chainflow",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewPipelineMetrics creates the collectors. Call Register to expose them.
func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		registerer:          registerer,
		eventsPersisted:     newCounterVec("events_persisted_total", "Events appended to the event log", []string{"topic"}),
		persistenceFailures: newCounterVec("persistence_failures_total", "Events that failed to append to the event log", []string{"topic"}),
		processingDuration:  newHistogramVec("event_processing_duration_seconds", "Duration of ProcessEvent from normalize to dispatch", prometheus.DefBuckets, []string{"event_type"}),
		pipelineFailures:    newCounterVec("pipeline_failures_total", "ProcessEvent failures by pipeline stage", []string{"stage"}),
		duplicateEvents:     newCounterVec("duplicate_events_total", "Deliveries skipped because the processor already handled the event", []string{"processor"}),
		eventsDispatched:    newCounterVec("events_dispatched_total", "Events handed to a processor", []string{"processor", "status"}),
		consumerRecords:     newCounterVec("consumer_records_total", "Records handled by consumers", []string{"topic", "group_id"}),
		consumerErrors:      newCounterVec("consumer_errors_total", "Records whose handling failed after retries", []string{"topic", "group_id"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *PipelineMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range m.collectors() {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *PipelineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsPersisted,
		m.persistenceFailures,
		m.processingDuration,
		m.pipelineFailures,
		m.duplicateEvents,
		m.eventsDispatched,
		m.consumerRecords,
		m.consumerErrors,
	}
}

func (m *PipelineMetrics) RecordPersisted(topic string) {
	if m == nil {
		return
	}
	m.eventsPersisted.WithLabelValues(topic).Inc()
}

func (m *PipelineMetrics) RecordPersistenceFailure(topic string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(topic).Inc()
}

func (m *PipelineMetrics) ObserveProcessing(eventType events.EventType, d time.Duration) {
	if m == nil {
		return
	}
	m.processingDuration.WithLabelValues(string(eventType)).Observe(d.Seconds())
}

func (m *PipelineMetrics) RecordStageFailure(stage string) {
	if m == nil {
		return
	}
	m.pipelineFailures.WithLabelValues(stage).Inc()
}

func (m *PipelineMetrics) RecordDuplicate(processor string) {
	if m == nil {
		return
	}
	m.duplicateEvents.WithLabelValues(processor).Inc()
}

func (m *PipelineMetrics) RecordDispatch(processor string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.eventsDispatched.WithLabelValues(processor, status).Inc()
}

func (m *PipelineMetrics) RecordConsumed(topic, groupID string, err error) {
	if m == nil {
		return
	}
	m.consumerRecords.WithLabelValues(topic, groupID).Inc()
	if err != nil {
		m.consumerErrors.WithLabelValues(topic, groupID).Inc()
	}
}

// Reset clears every series (useful for testing).
func (m *PipelineMetrics) Reset() {
	m.eventsPersisted.Reset()
	m.persistenceFailures.Reset()
	m.processingDuration.Reset()
	m.pipelineFailures.Reset()
	m.duplicateEvents.Reset()
	m.eventsDispatched.Reset()
	m.consumerRecords.Reset()
	m.consumerErrors.Reset()
}
