package distributed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/drblury/chainflow/internal/runtime/breaker"
	"github.com/drblury/chainflow/internal/runtime/config"
	"github.com/drblury/chainflow/internal/runtime/consistency"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/tracing"
)

type fixture struct {
	m        *Manager
	reg      *prometheus.Registry
	exporter *tracetest.InMemoryExporter
}

func newFixture(t *testing.T, data map[string]any, opts ...Option) fixture {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reg := prometheus.NewRegistry()
	tracer := tracing.NewTracer(tracing.WithSampleRate(1), tracing.WithTracerProvider(tp), tracing.WithRegisterer(reg))
	m, err := NewManager(config.NewStore(data), append([]Option{WithTracer(tracer), WithRegisterer(reg)}, opts...)...)
	require.NoError(t, err)
	return fixture{m: m, reg: reg, exporter: exporter}
}

func breakerConfig() map[string]any {
	return map[string]any{
		"node": map[string]any{"id": "node-7", "ring": []string{"node-7", "node-8"}},
		"circuitBreaker": map[string]any{
			"failureThreshold": 3,
			"resetTimeout":     "40ms",
			"halfOpenMaxCalls": 2,
			"opensea": map[string]any{
				"failureThreshold": 1,
			},
		},
	}
}

func TestNewManagerReadsNodeIdentity(t *testing.T) {
	f := newFixture(t, breakerConfig())
	assert.Equal(t, "node-7", f.m.NodeID())
	assert.Equal(t, "node-7", f.m.Consistency().NodeID())
	assert.Equal(t, []string{"node-7", "node-8"}, f.m.Partitions().Ring())
	assert.NotNil(t, f.m.Tracer())

	_, err := NewManager(nil)
	assert.Error(t, err)
}

func TestCircuitBreakerIsCachedPerService(t *testing.T) {
	f := newFixture(t, breakerConfig())

	var wg sync.WaitGroup
	got := make([]*breaker.CircuitBreaker, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = f.m.CircuitBreaker("metadata-api")
		}(i)
	}
	wg.Wait()
	for _, cb := range got[1:] {
		assert.Same(t, got[0], cb)
	}
	assert.NotSame(t, got[0], f.m.CircuitBreaker("opensea"))
}

func TestCircuitBreakerSettingsFromConfig(t *testing.T) {
	f := newFixture(t, breakerConfig())

	global := f.m.CircuitBreaker("metadata-api").Settings()
	assert.Equal(t, uint32(3), global.FailureThreshold)
	assert.Equal(t, 40*time.Millisecond, global.ResetTimeout)
	assert.Equal(t, uint32(2), global.HalfOpenMaxCalls)

	override := f.m.CircuitBreaker("opensea").Settings()
	assert.Equal(t, uint32(1), override.FailureThreshold)
	assert.Equal(t, 40*time.Millisecond, override.ResetTimeout)

	defaults := newFixture(t, nil).m.CircuitBreaker("x").Settings()
	assert.Equal(t, uint32(breaker.DefaultFailureThreshold), defaults.FailureThreshold)
	assert.Equal(t, breaker.DefaultResetTimeout, defaults.ResetTimeout)
	assert.Equal(t, uint32(breaker.DefaultHalfOpenMaxCalls), defaults.HalfOpenMaxCalls)
}

func TestExecuteOperationTagsSpan(t *testing.T) {
	f := newFixture(t, breakerConfig())

	require.NoError(t, f.m.ExecuteOperation(context.Background(), "metadata-api", "fetch_metadata", func(ctx context.Context) error {
		_, ok := tracing.FromContext(ctx)
		assert.True(t, ok)
		return nil
	}, nil))

	spans := f.exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "fetch_metadata", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.String("service", "metadata-api"))
	assert.Contains(t, spans[0].Attributes, attribute.String("node_id", "node-7"))
	assert.Contains(t, spans[0].Attributes, attribute.String("status", "success"))
}

func TestExecuteOperationPropagatesErrors(t *testing.T) {
	f := newFixture(t, breakerConfig())
	boom := errors.New("rate limited")

	err := f.m.ExecuteOperation(context.Background(), "metadata-api", "fetch_metadata", func(context.Context) error {
		return boom
	}, nil)
	assert.ErrorIs(t, err, boom)

	spans := f.exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Contains(t, spans[0].Attributes, attribute.String("status", "error"))
	require.Len(t, spans[0].Events, 1)
}

func TestExecuteOperationOpensBreaker(t *testing.T) {
	f := newFixture(t, breakerConfig())
	boom := errors.New("down")
	fail := func(context.Context) error { return boom }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, f.m.ExecuteOperation(context.Background(), "metadata-api", "call", fail, nil), boom)
	}

	called := false
	err := f.m.ExecuteOperation(context.Background(), "metadata-api", "call", func(context.Context) error {
		called = true
		return nil
	}, nil)
	assert.False(t, called)
	assert.ErrorIs(t, err, errspkg.ErrCircuitOpen)
	var open *errspkg.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "metadata-api", open.Service)

	gauge := f.m.state.WithLabelValues("metadata-api")
	assert.Equal(t, breaker.StateOpen.GaugeValue(), testutil.ToFloat64(gauge))

	fallbackRan := false
	err = f.m.ExecuteOperation(context.Background(), "metadata-api", "call", fail, func(context.Context) error {
		fallbackRan = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, fallbackRan)

	// every attempt produced a finished span
	assert.Len(t, f.exporter.GetSpans(), 5)
}

func TestExecuteOperationRecoversAfterResetTimeout(t *testing.T) {
	f := newFixture(t, breakerConfig())
	fail := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }

	require.Error(t, f.m.ExecuteOperation(context.Background(), "opensea", "call", fail, nil))
	assert.Equal(t, breaker.StateOpen, f.m.CircuitBreaker("opensea").State())

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, f.m.ExecuteOperation(context.Background(), "opensea", "call", ok, nil))
	require.NoError(t, f.m.ExecuteOperation(context.Background(), "opensea", "call", ok, nil))
	assert.Equal(t, breaker.StateClosed, f.m.CircuitBreaker("opensea").State())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.m.state.WithLabelValues("opensea")))
}

func TestExecuteReturnsValue(t *testing.T) {
	f := newFixture(t, breakerConfig())

	score, err := Execute(context.Background(), f.m, "trust-api", "score", func(context.Context) (float64, error) {
		return 0.87, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.87, score)

	for i := 0; i < 3; i++ {
		_, _ = Execute(context.Background(), f.m, "trust-api", "score", func(context.Context) (float64, error) {
			return 0, errors.New("down")
		}, nil)
	}
	score, err = Execute(context.Background(), f.m, "trust-api", "score", func(context.Context) (float64, error) {
		return 1, nil
	}, func(context.Context) (float64, error) { return 0.5, nil })
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
}

func TestSnapshotsSortedByService(t *testing.T) {
	f := newFixture(t, breakerConfig())
	f.m.CircuitBreaker("zora")
	f.m.CircuitBreaker("alchemy")

	snaps := f.m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "alchemy", snaps[0].Name)
	assert.Equal(t, "zora", snaps[1].Name)
	assert.Equal(t, breaker.StateClosed, snaps[0].State)
}

func TestStateGaugeSharedAcrossManagers(t *testing.T) {
	f := newFixture(t, breakerConfig())
	other, err := NewManager(config.NewStore(nil), WithRegisterer(f.reg), WithTracer(f.m.Tracer()))
	require.NoError(t, err)
	assert.Same(t, f.m.state, other.state)
}

type rejectingCoordinator struct{}

func (rejectingCoordinator) Prepare(context.Context, string, consistency.VersionedState) (bool, error) {
	return false, nil
}

func (rejectingCoordinator) Commit(context.Context, string, consistency.VersionedState) error {
	return nil
}

func TestWithCoordinatorReachesConsistency(t *testing.T) {
	f := newFixture(t, breakerConfig(), WithCoordinator(rejectingCoordinator{}))

	_, err := f.m.Consistency().ApplyUpdate(context.Background(), "0xabc:1", consistency.VersionedState{}, map[string]any{"owner": "0x1"}, consistency.Strong)
	assert.ErrorIs(t, err, errspkg.ErrCommitRejected)

	state, err := f.m.Consistency().ApplyUpdate(context.Background(), "0xabc:1", consistency.VersionedState{}, map[string]any{"owner": "0x1"}, consistency.Eventual)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Version)
	assert.Equal(t, uint64(1), state.VectorClock["node-7"])
}
