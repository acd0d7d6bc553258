package runtime

import (
	"context"
	"time"

	"github.com/drblury/chainflow/internal/runtime/events"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
)

// ProcessContext describes one processor invocation to hooks.
type ProcessContext struct {
	// Processor is the name of the processor handling the event.
	Processor string
	EventID   string
	EventType events.EventType
	// Context is the context the processor runs with.
	Context   context.Context
	StartedAt time.Time
	// Duration is only set in OnProcessDone and OnProcessError.
	Duration time.Duration
}

// ProcessingHooks are callbacks around each processor call. Nil hooks are
// skipped. Duplicates never reach the hooks.
type ProcessingHooks struct {
	OnProcessStart func(ctx ProcessContext)
	OnProcessDone  func(ctx ProcessContext)
	OnProcessError func(ctx ProcessContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h ProcessingHooks) Merge(other ProcessingHooks) ProcessingHooks {
	return ProcessingHooks{
		OnProcessStart: chainHooks(h.OnProcessStart, other.OnProcessStart),
		OnProcessDone:  chainHooks(h.OnProcessDone, other.OnProcessDone),
		OnProcessError: chainErrorHooks(h.OnProcessError, other.OnProcessError),
	}
}

func chainHooks(a, b func(ProcessContext)) func(ProcessContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ProcessContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(ProcessContext, error)) func(ProcessContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ProcessContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// run calls fn between the start hook and the done or error hook.
func (h ProcessingHooks) run(pc ProcessContext, fn func(context.Context) error) error {
	pc.StartedAt = time.Now()
	if h.OnProcessStart != nil {
		h.OnProcessStart(pc)
	}

	err := fn(pc.Context)
	pc.Duration = time.Since(pc.StartedAt)

	if err != nil {
		if h.OnProcessError != nil {
			h.OnProcessError(pc, err)
		}
		return err
	}
	if h.OnProcessDone != nil {
		h.OnProcessDone(pc)
	}
	return nil
}

// LoggingHooks logs every processor call.
func LoggingHooks(logger loggingpkg.ServiceLogger) ProcessingHooks {
	logger = loggingpkg.OrDiscard(logger)
	return ProcessingHooks{
		OnProcessStart: func(ctx ProcessContext) {
			logger.Debug("Processor started", loggingpkg.LogFields{
				"processor":  ctx.Processor,
				"event_id":   ctx.EventID,
				"event_type": ctx.EventType,
			})
		},
		OnProcessDone: func(ctx ProcessContext) {
			logger.Info("Processor completed", loggingpkg.LogFields{
				"processor":   ctx.Processor,
				"event_id":    ctx.EventID,
				"event_type":  ctx.EventType,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnProcessError: func(ctx ProcessContext, err error) {
			logger.Error("Processor failed", err, loggingpkg.LogFields{
				"processor":   ctx.Processor,
				"event_id":    ctx.EventID,
				"event_type":  ctx.EventType,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks forwards processor lifecycle events to the given callbacks.
func MetricsHooks(onStart, onDone, onError func(processor string, eventType events.EventType)) ProcessingHooks {
	return ProcessingHooks{
		OnProcessStart: func(ctx ProcessContext) {
			if onStart != nil {
				onStart(ctx.Processor, ctx.EventType)
			}
		},
		OnProcessDone: func(ctx ProcessContext) {
			if onDone != nil {
				onDone(ctx.Processor, ctx.EventType)
			}
		},
		OnProcessError: func(ctx ProcessContext, _ error) {
			if onError != nil {
				onError(ctx.Processor, ctx.EventType)
			}
		},
	}
}

// AlertingHooks calls alertFunc for every failed processor call.
func AlertingHooks(alertFunc func(ctx ProcessContext, err error)) ProcessingHooks {
	return ProcessingHooks{OnProcessError: alertFunc}
}
