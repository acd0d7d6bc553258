package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	idspkg "github.com/drblury/chainflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/internal/runtime/tracing"
)

func newMessage(payload string) *message.Message {
	msg := message.NewMessage(idspkg.CreateULID(), []byte(payload))
	msg.SetContext(context.Background())
	return msg
}

func TestCorrelationIDMiddleware(t *testing.T) {
	mw := correlationIDMiddleware()

	t.Run("adds missing id", func(t *testing.T) {
		msg := newMessage("x")
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			assert.NotEmpty(t, m.Metadata.Get(metadatapkg.KeyCorrelationID))
			return nil, nil
		})(msg)
		require.NoError(t, err)
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := newMessage("x")
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, "fixed")
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			assert.Equal(t, "fixed", m.Metadata.Get(metadatapkg.KeyCorrelationID))
			return nil, nil
		})(msg)
		require.NoError(t, err)
	})
}

func TestTracerMiddlewareContinuesRecordTrace(t *testing.T) {
	tracer := tracing.NewTracer(tracing.WithSampleRate(1), tracing.WithRegisterer(prometheus.NewRegistry()))
	parent := tracer.NewTraceContext()

	msg := newMessage("x")
	tracing.Inject(parent, metadatapkg.Metadata(msg.Metadata))

	var seen tracing.TraceContext
	_, err := tracerMiddleware(tracer, "indexer")(func(m *message.Message) ([]*message.Message, error) {
		tc, ok := tracing.FromContext(m.Context())
		require.True(t, ok)
		seen = tc
		return nil, nil
	})(msg)
	require.NoError(t, err)
	assert.Equal(t, parent.TraceID, seen.TraceID)
	assert.Equal(t, parent.SpanID, seen.ParentSpanID)
}

func TestTracerMiddlewareStartsNewTrace(t *testing.T) {
	tracer := tracing.NewTracer(tracing.WithRegisterer(prometheus.NewRegistry()))
	boom := errors.New("boom")

	_, err := tracerMiddleware(tracer, "indexer")(func(m *message.Message) ([]*message.Message, error) {
		tc, ok := tracing.FromContext(m.Context())
		require.True(t, ok)
		assert.True(t, tc.IsRoot())
		return nil, boom
	})(newMessage("x"))
	assert.ErrorIs(t, err, boom)
}

func TestThrottleMiddleware(t *testing.T) {
	mw := throttleMiddleware(rate.NewLimiter(rate.Limit(1), 1))
	h := mw(func(*message.Message) ([]*message.Message, error) { return nil, nil })

	_, err := h(newMessage("first"))
	require.NoError(t, err)

	// the bucket is empty and the record's context ends before a token frees up
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	msg := newMessage("second")
	msg.SetContext(ctx)
	_, err = h(msg)
	assert.Error(t, err)
}

func TestRetryMiddleware(t *testing.T) {
	cfg := RetryMiddlewareConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	t.Run("retries transient errors", func(t *testing.T) {
		attempts := 0
		_, err := retryMiddleware(cfg, watermill.NopLogger{})(func(*message.Message) ([]*message.Message, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("flaky")
			}
			return nil, nil
		})(newMessage("x"))
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("never retries unprocessable records", func(t *testing.T) {
		attempts := 0
		_, err := retryMiddleware(cfg, watermill.NopLogger{})(func(*message.Message) ([]*message.Message, error) {
			attempts++
			return nil, &UnprocessableEventError{Topic: "ingest.raw", Err: errors.New("bad json")}
		})(newMessage("x"))
		assert.True(t, isUnprocessable(err))
		assert.Equal(t, 1, attempts)
	})

	t.Run("respects RetryIf", func(t *testing.T) {
		attempts := 0
		noRetry := cfg
		noRetry.RetryIf = func(error) bool { return false }
		_, err := retryMiddleware(noRetry, watermill.NopLogger{})(func(*message.Message) ([]*message.Message, error) {
			attempts++
			return nil, errors.New("permanent")
		})(newMessage("x"))
		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})
}

func TestRetryConfigDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialInterval)
	assert.Equal(t, 16*time.Second, cfg.MaxInterval)
}

func TestBuildChainRecoversPanics(t *testing.T) {
	p, _, _ := newTestPersistence(t, ConsumerConfig{})
	h, err := p.buildChain("g", func(*message.Message) ([]*message.Message, error) {
		panic("processor exploded")
	})
	require.NoError(t, err)

	_, err = h(newMessage("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processor exploded")
}

func TestBuildChainRunsCustomMiddlewareInnermost(t *testing.T) {
	var order []string
	custom := func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if msg.Metadata.Get(metadatapkg.KeyCorrelationID) != "" {
				order = append(order, "custom")
			}
			return h(msg)
		}
	}
	p, _, _ := newTestPersistence(t, ConsumerConfig{Middlewares: []message.HandlerMiddleware{custom}})
	h, err := p.buildChain("g", func(*message.Message) ([]*message.Message, error) {
		order = append(order, "handler")
		return nil, nil
	})
	require.NoError(t, err)

	_, err = h(newMessage("x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"custom", "handler"}, order)
}

func TestLogPublisherAppendsToLog(t *testing.T) {
	log := newRecordingLog(t)
	pub := logPublisher{log: log}

	msg := newMessage("payload")
	msg.Metadata.Set(metadatapkg.KeyPartitionKey, "evt-1")
	require.NoError(t, pub.Publish("chainflow.poison", msg))
	require.NoError(t, pub.Close())

	recs := log.records("chainflow.poison")
	require.Len(t, recs, 1)
	assert.Equal(t, "evt-1", recs[0].Key)
	assert.Equal(t, []byte("payload"), recs[0].Payload)
}

func TestLogMessagesMiddlewarePassesThrough(t *testing.T) {
	called := false
	_, err := logMessagesMiddleware(loggingpkg.Discard())(func(*message.Message) ([]*message.Message, error) {
		called = true
		return nil, nil
	})(newMessage("x"))
	require.NoError(t, err)
	assert.True(t, called)
}
