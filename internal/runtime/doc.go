/*
Package runtime provides the core event pipeline for chainflow.

# Architecture Overview

Every incoming change record flows through four stages:

	normalize -> enrich -> persist -> dispatch

Normalization and enrichment are done by transform.Transformer. Persistence
encodes the event through the schema registry and appends it to the event
log on the topic of its type. Dispatch hands the stored event to each
registered processor that accepts its type, at most once per processor and
event id. A failing stage is reported as an errors.StageError naming it.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Event log (Watermill transport behind eventlog.EventLog)
  - Schema manager, transformer, tracer and partition ring
  - Idempotency store (memory or Redis)
  - HTTP servers for metrics and the admin API

## Processor Registration (registration*.go)

  - registration.go: EventProcessor, NewProcessor and RegisterProcessor
  - registration_typed.go: processors that receive the payload decoded into a Go type

## Persistence and Consumption (persistence.go, consumer.go, middleware.go)

Persistence.StoreEvent appends schema-encoded events. CreateConsumer
subscribes a group to topics and decodes both framed (schema-encoded) and
raw records behind the consumer middleware chain:
  - CorrelationID: Ensures record traceability
  - Tracer: Continues the trace carried in record headers
  - LogMessages: Debug logging of record payloads
  - Throttle: Optional rate limit
  - Retry: Exponential backoff retry logic
  - PoisonQueue: Forwards unprocessable records
  - Recoverer: Panic recovery

## Stats & Monitoring (models.go, resources.go, metrics.go, hooks.go)

Per-processor statistics, Prometheus pipeline metrics and processing hooks:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling

## Admin API (webui.go)

HTTP API for introspecting processors and circuit breakers.

# Sub-packages

  - breaker/: Circuit breakers over sony/gobreaker
  - config/: Service configuration, layered settings store and validation
  - consistency/: Versioned state under eventual, causal and strong models
  - distributed/: Per-node composition of the distributed building blocks
  - errors/: Sentinel errors and error types
  - eventlog/: Append/subscribe log over a Watermill transport
  - events/: BaseEvent, event types and raw chain records
  - idempotency/: Process-once stores
  - ids/: Event and record IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Record metadata utilities
  - partition/: Consistent entity partitioning over a node ring
  - schema/: Schema registry and framed encoding
  - tracing/: Lightweight spans mirrored to OpenTelemetry
  - transform/: Normalization, enrichment and domain mapping
  - vclock/: Vector clocks

# Usage Example

	cfg := &chainflow.Config{
		NodeID:         "node-1",
		PubSubSystem:   "kafka",
		KafkaBrokers:   []string{"localhost:9092"},
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc, err := chainflow.NewService(cfg, logger, ctx, chainflow.ServiceDependencies{})

	svc.RegisterProcessor(chainflow.NewProcessor("sales-indexer", indexSale, chainflow.NFTSale))

	err = svc.ProcessEvent(ctx, rawRecord)
*/
package runtime
