package runtime

import (
	"context"
	"strconv"
	"sync"

	"github.com/drblury/chainflow/internal/runtime/config"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/eventlog"
	"github.com/drblury/chainflow/internal/runtime/events"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/internal/runtime/schema"
	"github.com/drblury/chainflow/internal/runtime/tracing"
	"github.com/drblury/chainflow/transport"
)

// Persistence stores schema-encoded events on the event log and builds
// consumers that read them back.
type Persistence struct {
	log         eventlog.EventLog
	schemas     *schema.Manager
	tracer      *tracing.Tracer
	metrics     *PipelineMetrics
	logger      loggingpkg.ServiceLogger
	keyStrategy string
	consumer    ConsumerConfig

	mu        sync.Mutex
	consumers []*Consumer
}

// PersistenceOption configures a Persistence.
type PersistenceOption func(*Persistence)

// WithKeyStrategy selects the record key: config.KeyByEventID (default) or
// config.KeyByEntityID.
func WithKeyStrategy(strategy string) PersistenceOption {
	return func(p *Persistence) {
		if strategy != "" {
			p.keyStrategy = strategy
		}
	}
}

// WithPersistenceTracer traces stores and consumed records.
func WithPersistenceTracer(t *tracing.Tracer) PersistenceOption {
	return func(p *Persistence) { p.tracer = t }
}

func WithPersistenceMetrics(m *PipelineMetrics) PersistenceOption {
	return func(p *Persistence) { p.metrics = m }
}

func WithPersistenceLogger(l loggingpkg.ServiceLogger) PersistenceOption {
	return func(p *Persistence) { p.logger = l }
}

// WithConsumerConfig sets the middleware settings of consumers created by
// CreateConsumer.
func WithConsumerConfig(cfg ConsumerConfig) PersistenceOption {
	return func(p *Persistence) { p.consumer = cfg }
}

// NewPersistence stores events on log. A nil schemas manager gets the
// default JSON schema for every built-in event type.
func NewPersistence(log eventlog.EventLog, schemas *schema.Manager, opts ...PersistenceOption) (*Persistence, error) {
	if log == nil {
		return nil, errspkg.ErrEventLogRequired
	}
	p := &Persistence{
		log:         log,
		schemas:     schemas,
		keyStrategy: config.KeyByEventID,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = loggingpkg.ForComponent(p.logger, "persistence")

	if p.schemas == nil {
		p.schemas = schema.NewManager(nil, p.logger)
		if err := p.schemas.RegisterDefaults(context.Background(), schema.FormatJSON); err != nil {
			return nil, err
		}
	}

	if p.keyStrategy == config.KeyByEntityID {
		if caps, ok := log.(interface{ Capabilities() transport.Capabilities }); ok && !caps.Capabilities().PerKeyOrdering() {
			p.logger.Info("Event log does not order records per key; entity keys only group records", loggingpkg.LogFields{
				"transport": caps.Capabilities().Name,
			})
		}
	}
	return p, nil
}

// Schemas returns the schema manager used for encoding.
func (p *Persistence) Schemas() *schema.Manager { return p.schemas }

// EventLog returns the underlying log.
func (p *Persistence) EventLog() eventlog.EventLog { return p.log }

func (p *Persistence) recordKey(event events.BaseEvent) string {
	if p.keyStrategy == config.KeyByEntityID {
		return event.EntityID()
	}
	return event.ID
}

// StoreEvent encodes event and appends it to topic, or to the event type's
// topic when topic is empty. The trace context in ctx travels in the record
// headers. Failures are returned as *errors.PersistenceError.
func (p *Persistence) StoreEvent(ctx context.Context, event events.BaseEvent, topic string) error {
	if topic == "" {
		topic = event.Type.Topic()
	}

	if p.tracer != nil {
		var span *tracing.Span
		ctx, span = p.tracer.StartSpan(ctx, "store_event")
		span.SetTag("topic", topic).SetTag("event_id", event.ID)
		defer span.Finish()
	}

	payload, err := p.schemas.Encode(ctx, event)
	if err != nil {
		return p.fail(topic, event, err)
	}

	md := metadatapkg.New(
		metadatapkg.KeyEventID, event.ID,
		metadatapkg.KeyEventType, string(event.Type),
		metadatapkg.KeyProducerID, event.ProducerID,
	)
	if id, err := schema.SchemaIDOf(payload); err == nil {
		md.Set(metadatapkg.KeySchemaID, strconv.FormatUint(uint64(id), 10))
	}
	if tc, ok := tracing.FromContext(ctx); ok {
		tracing.Inject(tc, md)
	}

	if err := p.log.Append(ctx, topic, p.recordKey(event), payload, md); err != nil {
		return p.fail(topic, event, err)
	}

	p.metrics.RecordPersisted(topic)
	p.logger.Debug("Stored event", loggingpkg.LogFields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"topic":      topic,
	})
	return nil
}

func (p *Persistence) fail(topic string, event events.BaseEvent, err error) error {
	p.metrics.RecordPersistenceFailure(topic)
	p.logger.Error("Failed to store event", err, loggingpkg.LogFields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"topic":      topic,
	})
	return &errspkg.PersistenceError{Topic: topic, EventID: event.ID, Err: err}
}

// Close stops every consumer created by this Persistence. The event log is
// left open.
func (p *Persistence) Close() error {
	p.mu.Lock()
	consumers := p.consumers
	p.consumers = nil
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	return nil
}
