package chainflow

import (
	"context"

	runtimepkg "github.com/drblury/chainflow/internal/runtime"
	"github.com/drblury/chainflow/internal/runtime/breaker"
	configpkg "github.com/drblury/chainflow/internal/runtime/config"
	"github.com/drblury/chainflow/internal/runtime/consistency"
	"github.com/drblury/chainflow/internal/runtime/distributed"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/eventlog"
	"github.com/drblury/chainflow/internal/runtime/events"
	"github.com/drblury/chainflow/internal/runtime/idempotency"
	idspkg "github.com/drblury/chainflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/chainflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/internal/runtime/partition"
	"github.com/drblury/chainflow/internal/runtime/schema"
	"github.com/drblury/chainflow/internal/runtime/tracing"
	"github.com/drblury/chainflow/internal/runtime/transform"
	"github.com/drblury/chainflow/internal/runtime/vclock"
	newtransport "github.com/drblury/chainflow/transport"
)

type (
	Config              = configpkg.Config
	ConfigStore         = configpkg.Store
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	EventType   = events.EventType
	BaseEvent   = events.BaseEvent
	ChainRecord = events.ChainRecord

	EventProcessor                    = runtimepkg.EventProcessor
	ProcessFunc                       = runtimepkg.ProcessFunc
	TypedEvent[T any]                 = runtimepkg.TypedEvent[T]
	TypedProcessFunc[T any]           = runtimepkg.TypedProcessFunc[T]
	TypedProcessorRegistration[T any] = runtimepkg.TypedProcessorRegistration[T]
	ProcessorInfo                     = runtimepkg.ProcessorInfo
	ProcessorStatsSnapshot            = runtimepkg.ProcessorStatsSnapshot
	Enricher                          = transform.Enricher
	Transformer                       = transform.Transformer

	Persistence           = runtimepkg.Persistence
	Consumer              = runtimepkg.Consumer
	ConsumerConfig        = runtimepkg.ConsumerConfig
	ConsumerHandler       = runtimepkg.ConsumerHandler
	Delivery              = runtimepkg.Delivery
	EventLog              = eventlog.EventLog
	RetryMiddlewareConfig = runtimepkg.RetryMiddlewareConfig

	// Processing hooks
	ProcessContext  = runtimepkg.ProcessContext
	ProcessingHooks = runtimepkg.ProcessingHooks
	PipelineMetrics = runtimepkg.PipelineMetrics

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Distributed building blocks
	VectorClock        = vclock.VectorClock
	ConsistencyModel   = consistency.Model
	VersionedState     = consistency.VersionedState
	Coordinator        = consistency.Coordinator
	PartitionManager   = partition.Manager
	CircuitBreaker     = breaker.CircuitBreaker
	BreakerSettings    = breaker.Settings
	BreakerState       = breaker.State
	Tracer             = tracing.Tracer
	Span               = tracing.Span
	TraceContext       = tracing.TraceContext
	SchemaManager      = schema.Manager
	SchemaFormat       = schema.Format
	DedupStore         = idempotency.Store
	DistributedManager = distributed.Manager

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	UnprocessableEventError = runtimepkg.UnprocessableEventError
	ConfigValidationError   = errspkg.ConfigValidationError
	PersistenceError        = errspkg.PersistenceError
	StageError              = errspkg.StageError
	CircuitOpenError        = errspkg.CircuitOpenError

	// Modular transport types
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService      = runtimepkg.NewService
	ValidateConfig  = configpkg.ValidateConfig
	LoadConfigStore = configpkg.FromFile
	ConfigFromStore = configpkg.FromStore
	NewConfigStore  = configpkg.NewStore
	KnownConfigKeys = configpkg.KnownKeys

	NewProcessor   = runtimepkg.NewProcessor
	NewPersistence = runtimepkg.NewPersistence

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewTransformer        = transform.NewTransformer
	PartitionEnricher     = transform.PartitionEnricher
	TraceEnricher         = transform.TraceEnricher
	NewVectorClock        = vclock.New
	NewPartitionManager   = partition.NewManager
	NewCircuitBreaker     = breaker.New
	NewTracer             = tracing.NewTracer
	NewMemoryDedupStore   = idempotency.NewMemoryStore
	NewRedisDedupStore    = idempotency.NewRedisStore
	NewDistributedManager = distributed.NewManager
	ParseEventType        = events.ParseEventType
	KnownEventTypes       = events.KnownTypes

	WithDistributedLogger     = distributed.WithLogger
	WithDistributedTracer     = distributed.WithTracer
	WithDistributedRegisterer = distributed.WithRegisterer
	WithCoordinator           = distributed.WithCoordinator

	// Import individual transports via: _ "github.com/drblury/chainflow/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrProcessorRequired     = errspkg.ErrProcessorRequired
	ErrProcessorNameRequired = errspkg.ErrProcessorNameRequired
	ErrEventLogRequired      = errspkg.ErrEventLogRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrInvalidEvent          = errspkg.ErrInvalidEvent
	ErrSchemaNotRegistered   = errspkg.ErrSchemaNotRegistered
	ErrMalformedPayload      = errspkg.ErrMalformedPayload
	ErrPersistence           = errspkg.ErrPersistence
	ErrCircuitOpen           = errspkg.ErrCircuitOpen
	ErrCommitRejected        = errspkg.ErrCommitRejected
	ErrUnsupportedShape      = errspkg.ErrUnsupportedShape
	StageOf                  = errspkg.StageOf

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	NewEventID = idspkg.NewEventID
)

const (
	NFTTransfer      = events.NFTTransfer
	NFTSale          = events.NFTSale
	NFTMint          = events.NFTMint
	MetadataUpdate   = events.MetadataUpdate
	FraudSignal      = events.FraudSignal
	TrustScoreUpdate = events.TrustScoreUpdate
	PriceUpdate      = events.PriceUpdate

	Eventual = consistency.Eventual
	Causal   = consistency.Causal
	Strong   = consistency.Strong

	FormatJSON     = schema.FormatJSON
	FormatProtobuf = schema.FormatProtobuf
)

// Metadata keys stamped on every persisted record.
const (
	MetadataKeyEventID       = metadatapkg.KeyEventID
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeyPartitionKey  = metadatapkg.KeyPartitionKey
	MetadataKeySchemaID      = metadatapkg.KeySchemaID
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func RegisterTypedProcessor[T any](svc *Service, reg TypedProcessorRegistration[T]) error {
	return runtimepkg.RegisterTypedProcessor(svc, reg)
}

// TransformForDomain converts a normalized event into a domain value.
func TransformForDomain[T any](event BaseEvent, fn func(BaseEvent) (T, error)) (T, error) {
	return transform.TransformForDomain(event, fn)
}

// ExecuteOperation is the value-returning form of
// DistributedManager.ExecuteOperation.
func ExecuteOperation[T any](ctx context.Context, m *DistributedManager, service, operation string, fn func(context.Context) (T, error), fallback func(context.Context) (T, error)) (T, error) {
	return distributed.Execute(ctx, m, service, operation, fn, fallback)
}
