// Package chainflow is an event pipeline for blockchain change events built
// on top of Watermill. Raw chain records (transfers, sales, mints, metadata
// and trust updates) are normalized into a canonical BaseEvent, enriched,
// schema-encoded and appended to a partitioned event log, then dispatched to
// registered processors exactly once per processor.
//
// Service hosts the pipeline. A minimal setup fills Config, creates a
// Service, registers processors with RegisterProcessor or
// RegisterTypedProcessor, and calls ProcessEvent for every incoming record or
// StartConsuming to drive the pipeline from the log itself.
//
// # Transports
//
// The event log is backed by any Watermill transport registered in the
// transport registry:
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues
//   - aws: AWS SNS/SQS with LocalStack support
//   - nats and jetstream: NATS core and JetStream
//   - http: Request/response messaging
//   - io: File-based persistence
//   - sqlite and postgres: SQL-backed logs with committed offsets
//
// # Consumption
//
// Consumers run a fixed middleware chain around every record: correlation
// IDs, trace continuation, logging, throttling, retry with exponential
// backoff, poison queue forwarding for unprocessable records, and panic
// recovery. Custom middleware can be added via ServiceDependencies.Middlewares.
//
// # Distributed building blocks
//
// DistributedManager bundles a node's vector-clock consistency manager, its
// partition ring, a tracer and one circuit breaker per downstream service.
// ExecuteOperation runs outbound calls through the breaker inside a span.
package chainflow
