package runtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/internal/runtime/events"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
)

func testProcessContext() ProcessContext {
	return ProcessContext{
		Processor: "scorer",
		EventID:   "evt-1",
		EventType: events.NFTSale,
		Context:   context.Background(),
	}
}

func TestHooksRunSuccess(t *testing.T) {
	var started, done ProcessContext
	hooks := ProcessingHooks{
		OnProcessStart: func(ctx ProcessContext) { started = ctx },
		OnProcessDone:  func(ctx ProcessContext) { done = ctx },
		OnProcessError: func(ProcessContext, error) { t.Fatal("error hook called") },
	}

	err := hooks.run(testProcessContext(), func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "scorer", started.Processor)
	assert.False(t, started.StartedAt.IsZero())
	assert.GreaterOrEqual(t, done.Duration, 5*time.Millisecond)
}

func TestHooksRunError(t *testing.T) {
	boom := errors.New("boom")
	var got error
	var doneCalled bool
	hooks := ProcessingHooks{
		OnProcessDone:  func(ProcessContext) { doneCalled = true },
		OnProcessError: func(_ ProcessContext, err error) { got = err },
	}

	err := hooks.run(testProcessContext(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, got, boom)
	assert.False(t, doneCalled)
}

func TestHooksRunWithoutCallbacks(t *testing.T) {
	err := ProcessingHooks{}.run(testProcessContext(), func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestHooksMergeOrder(t *testing.T) {
	var order []string
	first := ProcessingHooks{
		OnProcessStart: func(ProcessContext) { order = append(order, "first-start") },
		OnProcessError: func(ProcessContext, error) { order = append(order, "first-error") },
	}
	second := ProcessingHooks{
		OnProcessStart: func(ProcessContext) { order = append(order, "second-start") },
		OnProcessError: func(ProcessContext, error) { order = append(order, "second-error") },
	}

	_ = first.Merge(second).run(testProcessContext(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, []string{"first-start", "second-start", "first-error", "second-error"}, order)

	merged := ProcessingHooks{}.Merge(ProcessingHooks{})
	assert.Nil(t, merged.OnProcessStart)
	assert.Nil(t, merged.OnProcessError)
}

func TestMetricsHooks(t *testing.T) {
	counts := map[string]int{}
	hooks := MetricsHooks(
		func(p string, et events.EventType) { counts["start:"+p+":"+string(et)]++ },
		func(p string, et events.EventType) { counts["done:"+p]++ },
		func(p string, et events.EventType) { counts["error:"+p]++ },
	)

	_ = hooks.run(testProcessContext(), func(context.Context) error { return nil })
	_ = hooks.run(testProcessContext(), func(context.Context) error { return errors.New("x") })

	assert.Equal(t, map[string]int{
		"start:scorer:NFT_SALE": 2,
		"done:scorer":           1,
		"error:scorer":          1,
	}, counts)
}

func TestLoggingHooks(t *testing.T) {
	var buf strings.Builder
	logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	hooks := LoggingHooks(logger)

	_ = hooks.run(testProcessContext(), func(context.Context) error { return nil })
	_ = hooks.run(testProcessContext(), func(context.Context) error { return errors.New("scorer down") })

	out := buf.String()
	assert.Contains(t, out, "Processor started")
	assert.Contains(t, out, "Processor completed")
	assert.Contains(t, out, "Processor failed")
	assert.Contains(t, out, "scorer down")
	assert.Contains(t, out, "event_id=evt-1")
}

func TestAlertingHooks(t *testing.T) {
	var alerted bool
	hooks := AlertingHooks(func(ProcessContext, error) { alerted = true })
	_ = hooks.run(testProcessContext(), func(context.Context) error { return errors.New("x") })
	assert.True(t, alerted)
}
