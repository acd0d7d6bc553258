package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/chainflow/internal/runtime/breaker"
	configpkg "github.com/drblury/chainflow/internal/runtime/config"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/eventlog"
	"github.com/drblury/chainflow/internal/runtime/events"
	"github.com/drblury/chainflow/internal/runtime/idempotency"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/partition"
	"github.com/drblury/chainflow/internal/runtime/schema"
	"github.com/drblury/chainflow/internal/runtime/tracing"
	"github.com/drblury/chainflow/internal/runtime/transform"
	"github.com/drblury/chainflow/transport"
	_ "github.com/drblury/chainflow/transport/transports"
)

// Pipeline stage names reported in StageError and the failure counter.
const (
	stageNormalize = "normalize"
	stageEnrich    = "enrich"
	stagePersist   = "persist"
	stageDispatch  = "dispatch"
)

// BreakerReporter exposes circuit breaker state to the admin API.
type BreakerReporter interface {
	Snapshots() []breaker.Snapshot
}

// ServiceDependencies holds the optional collaborators of a Service. Nil
// fields are built from the configuration.
type ServiceDependencies struct {
	// EventLog replaces the transport selected by Conf.PubSubSystem. The
	// service does not close a provided log.
	EventLog eventlog.EventLog
	// Transports is the registry the event log transport is built from.
	// Defaults to transport.DefaultRegistry.
	Transports     *transport.Registry
	DedupStore     idempotency.Store
	SchemaRegistry schema.Registry
	TracerProvider trace.TracerProvider
	// Registerer and Gatherer default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Enrichers run after the built-in partition and trace enrichers.
	Enrichers       []transform.Enricher
	Hooks           ProcessingHooks
	Middlewares     []message.HandlerMiddleware
	Breakers        BreakerReporter
	ErrorClassifier ErrorClassifier
}

// Service is the event-sourcing pipeline: it normalises and enriches raw
// events, stores them on the event log and hands each one to the registered
// processors exactly once per processor.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	log         eventlog.EventLog
	ownsLog     bool
	persistence *Persistence
	transformer *transform.Transformer
	dedup       *idempotency.Processor
	dedupStore  idempotency.Store
	schemas     *schema.Manager
	tracer      *tracing.Tracer
	partitions  *partition.Manager
	metrics     *PipelineMetrics
	gatherer    prometheus.Gatherer
	hooks       ProcessingHooks
	breakers    BreakerReporter
	classifier  ErrorClassifier
	resources   *resourceTracker

	processorsMu sync.RWMutex
	processors   []*registeredProcessor
	byType       map[events.EventType][]*registeredProcessor

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	running       []*http.Server
}

// NewService builds a Service for conf. Register processors before calling
// Start or ProcessEvent.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"node_id":       conf.NodeID,
		"config":        conf,
	})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		hooks:      deps.Hooks,
		breakers:   deps.Breakers,
		classifier: deps.ErrorClassifier,
		resources:  newResourceTracker(),
		byType:     make(map[events.EventType][]*registeredProcessor),
		gatherer:   deps.Gatherer,
	}
	for _, t := range events.KnownTypes() {
		s.byType[t] = nil
	}
	if s.classifier == nil {
		s.classifier = defaultErrorClassifier
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.metrics = NewPipelineMetrics(registerer)
	if err := s.metrics.Register(); err != nil {
		return nil, fmt.Errorf("register pipeline metrics: %w", err)
	}

	tracerOpts := []tracing.Option{tracing.WithSampleRate(conf.SampleRate()), tracing.WithRegisterer(registerer)}
	if deps.TracerProvider != nil {
		tracerOpts = append(tracerOpts, tracing.WithTracerProvider(deps.TracerProvider))
	}
	s.tracer = tracing.NewTracer(tracerOpts...)

	s.partitions = partition.NewManager(conf.Ring())
	enrichers := []transform.Enricher{transform.TraceEnricher()}
	if len(conf.Ring()) > 0 {
		enrichers = append([]transform.Enricher{transform.PartitionEnricher(s.partitions)}, enrichers...)
	}
	s.transformer = transform.NewTransformer(
		transform.WithProducerID(conf.NodeID),
		transform.WithEnrichers(append(enrichers, deps.Enrichers...)...),
	)

	s.schemas = schema.NewManager(deps.SchemaRegistry, log)
	format := schema.Format(conf.SchemaFormat)
	if format == "" {
		format = schema.FormatJSON
	}
	if err := s.schemas.RegisterDefaults(ctx, format); err != nil {
		return nil, err
	}

	s.dedupStore = deps.DedupStore
	if s.dedupStore == nil {
		s.dedupStore = newDedupStore(conf)
	}
	s.dedup = idempotency.NewProcessor(s.dedupStore, log)

	s.log = deps.EventLog
	if s.log == nil {
		built, err := buildEventLog(ctx, conf, log, deps.Transports, registerer)
		if err != nil {
			return nil, err
		}
		s.log = built
		s.ownsLog = true
	}

	persistence, err := NewPersistence(s.log, s.schemas,
		WithKeyStrategy(conf.KeyStrategy),
		WithPersistenceTracer(s.tracer),
		WithPersistenceMetrics(s.metrics),
		WithPersistenceLogger(log),
		WithConsumerConfig(ConsumerConfig{
			Retry: RetryMiddlewareConfig{
				MaxRetries:      conf.RetryMaxRetries,
				InitialInterval: conf.RetryInitialInterval,
				MaxInterval:     conf.RetryMaxInterval,
			},
			PoisonQueue:       conf.PoisonQueue,
			ThrottlePerSecond: conf.ThrottlePerSecond,
			Middlewares:       deps.Middlewares,
		}),
	)
	if err != nil {
		return nil, err
	}
	s.persistence = persistence
	return s, nil
}

func newDedupStore(conf *configpkg.Config) idempotency.Store {
	if conf.DedupBackend == configpkg.DedupRedis {
		return idempotency.NewRedisStore(conf.RedisAddr, conf.RedisPassword, conf.RedisDB, conf.DedupTTL)
	}
	return idempotency.NewMemoryStore(idempotency.MaxCacheSize)
}

func buildEventLog(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, registry *transport.Registry, registerer prometheus.Registerer) (*eventlog.WatermillLog, error) {
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	tr, err := registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, err
	}
	opts := []eventlog.Option{
		eventlog.WithCapabilities(registry.GetCapabilities(conf.PubSubSystem)),
		eventlog.WithLogger(log),
	}
	if conf.MetricsEnabled {
		opts = append(opts, eventlog.WithPrometheus(registerer))
	}
	l, err := eventlog.NewWatermillLog(tr, opts...)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return l, nil
}

// Persistence returns the event store.
func (s *Service) Persistence() *Persistence { return s.persistence }

// EventLog returns the event log events are stored on.
func (s *Service) EventLog() eventlog.EventLog { return s.log }

func (s *Service) Schemas() *schema.Manager { return s.schemas }

func (s *Service) Tracer() *tracing.Tracer { return s.tracer }

func (s *Service) Partitions() *partition.Manager { return s.partitions }

func (s *Service) Metrics() *PipelineMetrics { return s.metrics }

// CreateEvent fills the id, timestamp, version, source and producer id of
// partial. The producer id is this node.
func (s *Service) CreateEvent(partial events.BaseEvent) (events.BaseEvent, error) {
	return s.transformer.Normalize(partial)
}

// ProcessEvent normalises and enriches raw, stores it on its type's topic
// and hands it to every processor bound to its type. Each processor sees an
// event id at most once; a repeat is skipped without error. An event type
// without processors is stored and not dispatched.
func (s *Service) ProcessEvent(ctx context.Context, raw any) error {
	start := time.Now()
	ctx, span := s.tracer.StartSpan(ctx, "process_event")
	span.SetTag("node_id", s.Conf.NodeID)
	defer span.Finish()

	event, err := s.transformer.Normalize(raw)
	if err != nil {
		return s.stageFailed(span, stageNormalize, err)
	}
	span.SetTag("event_id", event.ID).SetTag("event_type", string(event.Type))

	event, err = s.transformer.Enrich(ctx, event)
	if err != nil {
		return s.stageFailed(span, stageEnrich, err)
	}

	if err := s.persistence.StoreEvent(ctx, event, event.Type.Topic()); err != nil {
		return s.stageFailed(span, stagePersist, err)
	}

	if err := s.dispatch(ctx, event); err != nil {
		return s.stageFailed(span, stageDispatch, err)
	}

	s.metrics.ObserveProcessing(event.Type, time.Since(start))
	span.SetTag("status", "success")
	return nil
}

func (s *Service) stageFailed(span *tracing.Span, stage string, err error) error {
	s.metrics.RecordStageFailure(stage)
	span.SetTag("status", "error")
	span.Log(map[string]any{"stage": stage, "error": err.Error()})
	return &errspkg.StageError{Stage: stage, Err: err}
}

// dispatch runs every processor bound to the event's type. A failing
// processor does not stop the others; their errors are joined.
func (s *Service) dispatch(ctx context.Context, event events.BaseEvent) error {
	var errs []error
	for _, rp := range s.processorsFor(event.Type) {
		name := rp.processor.Name()
		ran, err := s.dedup.ProcessOnceKey(ctx, name+"/"+event.ID, event, s.invoke(rp))
		s.metrics.RecordDispatch(name, err)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("processor %s: %w", name, err))
		case !ran:
			rp.stats.onDuplicate()
			s.metrics.RecordDuplicate(name)
			s.Logger.Debug("Skipped duplicate event", loggingpkg.LogFields{
				"processor":  name,
				"event_id":   event.ID,
				"event_type": event.Type,
			})
		}
	}
	return errors.Join(errs...)
}

func (s *Service) invoke(rp *registeredProcessor) idempotency.Handler {
	return func(ctx context.Context, event events.BaseEvent) error {
		pc := ProcessContext{
			Processor: rp.processor.Name(),
			EventID:   event.ID,
			EventType: event.Type,
			Context:   ctx,
		}
		rp.stats.onStart()
		start := time.Now()
		err := s.hooks.run(pc, func(ctx context.Context) error {
			return rp.processor.Process(ctx, event)
		})
		rp.stats.onFinish(time.Since(start), err, s.classifier)
		return err
	}
}

// StartConsuming subscribes groupID to topics and feeds every record into
// the pipeline. Records already stored on an events.<type> topic are only
// dispatched; records from other topics run the whole pipeline.
func (s *Service) StartConsuming(ctx context.Context, topics []string, groupID string) (*Consumer, error) {
	return s.persistence.CreateConsumer(ctx, topics, groupID, s.handleDelivery)
}

func (s *Service) handleDelivery(ctx context.Context, d Delivery) error {
	if d.Framed {
		if t, ok := events.TypeFromTopic(d.Topic); ok && t == d.Event.Type {
			if err := s.dispatch(ctx, d.Event); err != nil {
				s.metrics.RecordStageFailure(stageDispatch)
				return &errspkg.StageError{Stage: stageDispatch, Err: err}
			}
			return nil
		}
		return s.ProcessEvent(ctx, d.Event)
	}

	err := s.ProcessEvent(ctx, d.Raw)
	if errspkg.StageOf(err) == stageNormalize {
		return &UnprocessableEventError{Topic: d.Topic, Err: err}
	}
	return err
}

// ConsumeTopics returns the configured topics, or every built-in event type
// topic.
func (s *Service) ConsumeTopics() []string {
	if len(s.Conf.ConsumeTopics) > 0 {
		return append([]string(nil), s.Conf.ConsumeTopics...)
	}
	known := events.KnownTypes()
	topics := make([]string, 0, len(known))
	for _, t := range known {
		topics = append(topics, t.Topic())
	}
	return topics
}

// Start consumes the configured topics, serves metrics and the admin API
// when enabled, and blocks until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.StartConsuming(ctx, s.ConsumeTopics(), s.Conf.ConsumerGroup); err != nil {
		return err
	}
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.StartAdminServer()
	s.startHTTPServers()

	<-ctx.Done()
	s.Logger.Info("Event service stopping", nil)
	return nil
}

// Close stops consumers and HTTP servers and releases the event log and the
// dedup store.
func (s *Service) Close() error {
	var errs []error
	if err := s.persistence.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.stopHTTPServers(); err != nil {
		errs = append(errs, err)
	}
	if s.ownsLog {
		if err := s.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event log: %w", err))
		}
	}
	if closer, ok := s.dedupStore.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dedup store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers() error {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
