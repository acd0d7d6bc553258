package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"golang.org/x/time/rate"

	"github.com/drblury/chainflow/internal/runtime/eventlog"
	idspkg "github.com/drblury/chainflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/internal/runtime/tracing"
)

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf decides whether an error is retried. Unprocessable records are
	// never retried.
	RetryIf func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// ConsumerConfig tunes the middleware chain each consumed record runs
// through.
type ConsumerConfig struct {
	Retry RetryMiddlewareConfig
	// PoisonQueue receives records that cannot be decoded or normalised.
	// Empty disables it.
	PoisonQueue string
	// ThrottlePerSecond caps records handled per second. Zero disables it.
	ThrottlePerSecond int
	// Middlewares run innermost, after the default chain.
	Middlewares []message.HandlerMiddleware
}

// buildChain wraps h in the default chain, outermost first: correlation id,
// tracing, logging, throttle, retry, poison queue, recoverer.
func (p *Persistence) buildChain(groupID string, h message.HandlerFunc) (message.HandlerFunc, error) {
	cfg := p.consumer
	logger := p.logger.With(loggingpkg.LogFields{"group_id": groupID})

	mws := []message.HandlerMiddleware{correlationIDMiddleware()}
	if p.tracer != nil {
		mws = append(mws, tracerMiddleware(p.tracer, groupID))
	}
	mws = append(mws, logMessagesMiddleware(logger))
	if cfg.ThrottlePerSecond > 0 {
		mws = append(mws, throttleMiddleware(rate.NewLimiter(rate.Limit(cfg.ThrottlePerSecond), cfg.ThrottlePerSecond)))
	}
	mws = append(mws, retryMiddleware(cfg.Retry, loggingpkg.NewWatermillAdapter(logger)))
	if cfg.PoisonQueue != "" {
		poison, err := middleware.PoisonQueueWithFilter(logPublisher{log: p.log}, cfg.PoisonQueue, isUnprocessable)
		if err != nil {
			return nil, err
		}
		mws = append(mws, poison)
	}
	mws = append(mws, middleware.Recoverer)
	mws = append(mws, cfg.Middlewares...)

	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h, nil
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
				msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
			}
			return h(msg)
		}
	}
}

// tracerMiddleware continues the trace carried in the record headers, or
// starts a new one.
func tracerMiddleware(tracer *tracing.Tracer, groupID string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			md := metadatapkg.Metadata(msg.Metadata)
			var span *tracing.Span
			ctx := msg.Context()
			if parent, ok := tracing.Extract(md); ok {
				ctx, span = tracer.StartChildSpan(ctx, parent, "consume_record")
			} else {
				ctx, span = tracer.StartSpan(ctx, "consume_record")
			}
			defer span.Finish()

			span.SetTag("topic", md.Get(metadatapkg.KeyTopic)).
				SetTag("group_id", groupID).
				SetTag("message_uuid", msg.UUID).
				SetTag("correlation_id", md.Get(metadatapkg.KeyCorrelationID))
			msg.SetContext(ctx)

			msgs, err := h(msg)
			if err != nil {
				span.SetTag("status", "error")
				span.Log(map[string]any{"error": err.Error()})
			} else {
				span.SetTag("status", "success")
			}
			return msgs, err
		}
	}
}

// logMessagesMiddleware logs every handled record with its metadata.
func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Handling record", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"topic":        msg.Metadata.Get(metadatapkg.KeyTopic),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// throttleMiddleware waits for limiter before each record. It gives up when
// the record's context ends.
func throttleMiddleware(limiter *rate.Limiter) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if err := limiter.Wait(msg.Context()); err != nil {
				return nil, err
			}
			return h(msg)
		}
	}
}

// retryMiddleware retries failed records with exponential backoff.
func retryMiddleware(cfg RetryMiddlewareConfig, logger watermill.LoggerAdapter) message.HandlerMiddleware {
	normalized := cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		Logger:          logger,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if isUnprocessable(params.Err) {
				return false
			}
			if normalized.RetryIf != nil {
				return normalized.RetryIf(params.Err)
			}
			return true
		},
	}.Middleware
}

// logPublisher lets watermill middlewares publish through the event log.
type logPublisher struct {
	log eventlog.EventLog
}

func (p logPublisher) Publish(topic string, msgs ...*message.Message) error {
	var errs []error
	for _, msg := range msgs {
		md := metadatapkg.FromMessage(msg)
		if err := p.log.Append(msg.Context(), topic, md.Get(metadatapkg.KeyPartitionKey), msg.Payload, md); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (logPublisher) Close() error { return nil }
