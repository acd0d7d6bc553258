// Package distributed composes the consistency, partitioning, tracing and
// circuit breaker layers behind one per-node manager. Outbound calls to other
// services go through ExecuteOperation.
package distributed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/chainflow/internal/runtime/breaker"
	"github.com/drblury/chainflow/internal/runtime/config"
	"github.com/drblury/chainflow/internal/runtime/consistency"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/partition"
	"github.com/drblury/chainflow/internal/runtime/tracing"
)

// Settings is the typed view of the configuration the manager reads.
// *config.Store satisfies it.
type Settings interface {
	String(key, defaultVal string) string
	Int(key string, defaultVal int) int
	Duration(key string, defaultVal time.Duration) time.Duration
	StringSlice(key string, defaultVal []string) []string
}

// Manager owns one circuit breaker per downstream service and the node's
// consistency, partition and tracing components.
type Manager struct {
	settings    Settings
	nodeID      string
	consistency *consistency.Manager
	partitions  *partition.Manager
	tracer      *tracing.Tracer
	logger      loggingpkg.ServiceLogger
	registerer  prometheus.Registerer
	coordinator consistency.Coordinator

	mu       sync.Mutex
	breakers map[string]*breaker.CircuitBreaker
	state    *prometheus.GaugeVec
}

type Option func(*Manager)

func WithTracer(t *tracing.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

func WithLogger(l loggingpkg.ServiceLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRegisterer sets where the breaker state gauge is registered. Defaults
// to the Prometheus default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.registerer = reg }
}

// WithCoordinator replaces the local two-phase commit used for strong
// consistency.
func WithCoordinator(c consistency.Coordinator) Option {
	return func(m *Manager) { m.coordinator = c }
}

// NewManager builds a manager for the node named by node.id. The partition
// ring comes from node.ring.
func NewManager(settings Settings, opts ...Option) (*Manager, error) {
	if settings == nil {
		return nil, errors.New("chainflow: distributed manager settings are required")
	}
	m := &Manager{
		settings: settings,
		nodeID:   settings.String(config.KeyNodeID, "node-1"),
		breakers: make(map[string]*breaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = loggingpkg.ForComponent(m.logger, "distributed").With(loggingpkg.LogFields{"node_id": m.nodeID})
	if m.registerer == nil {
		m.registerer = prometheus.DefaultRegisterer
	}
	if m.tracer == nil {
		m.tracer = tracing.NewTracer(tracing.WithRegisterer(m.registerer))
	}

	consistencyOpts := []consistency.Option{consistency.WithLogger(m.logger)}
	if m.coordinator != nil {
		consistencyOpts = append(consistencyOpts, consistency.WithCoordinator(m.coordinator))
	}
	m.consistency = consistency.NewManager(m.nodeID, consistencyOpts...)
	m.partitions = partition.NewManager(settings.StringSlice(config.KeyNodeRing, []string{m.nodeID}))

	state, err := registerStateGauge(m.registerer)
	if err != nil {
		return nil, err
	}
	m.state = state
	return m, nil
}

func registerStateGauge(reg prometheus.Registerer) (*prometheus.GaugeVec, error) {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainflow",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per service (0 closed, 1 open, 2 half open)",
	}, []string{"service"})
	if err := reg.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

func (m *Manager) NodeID() string { return m.nodeID }

func (m *Manager) Consistency() *consistency.Manager { return m.consistency }

func (m *Manager) Partitions() *partition.Manager { return m.partitions }

func (m *Manager) Tracer() *tracing.Tracer { return m.tracer }

// CircuitBreaker returns the breaker for service, creating it on first use.
// Settings are read from circuitBreaker.<service>.<key>, then
// circuitBreaker.<key>, then the breaker defaults.
func (m *Manager) CircuitBreaker(service string) *breaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[service]; ok {
		return cb
	}
	cb := breaker.New(breaker.Settings{
		Name:             service,
		FailureThreshold: uint32(m.serviceInt(service, config.KeyBreakerFailureThreshold, breaker.DefaultFailureThreshold)),
		ResetTimeout:     m.serviceDuration(service, config.KeyBreakerResetTimeout, breaker.DefaultResetTimeout),
		HalfOpenMaxCalls: uint32(m.serviceInt(service, config.KeyBreakerHalfOpenMaxCalls, breaker.DefaultHalfOpenMaxCalls)),
		OnStateChange:    m.onStateChange,
	})
	m.breakers[service] = cb
	m.state.WithLabelValues(service).Set(breaker.StateClosed.GaugeValue())
	return cb
}

func (m *Manager) onStateChange(service string, from, to breaker.State) {
	m.state.WithLabelValues(service).Set(to.GaugeValue())
	m.logger.Info("Circuit breaker state changed", loggingpkg.LogFields{
		"service": service,
		"from":    from,
		"to":      to,
	})
}

// serviceKey turns circuitBreaker.<setting> into circuitBreaker.<service>.<setting>.
func serviceKey(service, key string) string {
	const prefix = "circuitBreaker."
	return prefix + service + "." + key[len(prefix):]
}

func (m *Manager) serviceInt(service, key string, defaultVal int) int {
	v := m.settings.Int(serviceKey(service, key), m.settings.Int(key, defaultVal))
	if v <= 0 {
		return defaultVal
	}
	return v
}

func (m *Manager) serviceDuration(service, key string, defaultVal time.Duration) time.Duration {
	return m.settings.Duration(serviceKey(service, key), m.settings.Duration(key, defaultVal))
}

// Snapshots reports every breaker created so far, sorted by service.
func (m *Manager) Snapshots() []breaker.Snapshot {
	m.mu.Lock()
	breakers := make([]*breaker.CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	out := make([]breaker.Snapshot, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteOperation runs fn through service's breaker inside a span named
// operation. When the breaker rejects the call, fallback runs instead; with
// no fallback the call fails with *errors.CircuitOpenError. The span is
// always finished.
func (m *Manager) ExecuteOperation(ctx context.Context, service, operation string, fn func(ctx context.Context) error, fallback breaker.Fallback) error {
	_, err := Execute(ctx, m, service, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, wrapFallback(fallback))
	return err
}

func wrapFallback(fallback breaker.Fallback) func(context.Context) (struct{}, error) {
	if fallback == nil {
		return nil
	}
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fallback(ctx)
	}
}

// Execute is the value-returning form of ExecuteOperation.
func Execute[T any](ctx context.Context, m *Manager, service, operation string, fn func(ctx context.Context) (T, error), fallback func(ctx context.Context) (T, error)) (T, error) {
	cb := m.CircuitBreaker(service)

	ctx, span := m.tracer.StartSpan(ctx, operation)
	defer span.Finish()
	span.SetTag("service", service).
		SetTag("node_id", m.nodeID).
		SetTag("operation", operation)

	result, err := breaker.Do(ctx, cb, fn, fallback)
	if err != nil {
		span.SetTag("status", "error")
		span.Log(map[string]any{
			"error":         err.Error(),
			"breaker_state": string(cb.State()),
		})
		m.logger.Error("Operation failed", err, loggingpkg.LogFields{
			"service":   service,
			"operation": operation,
			"trace_id":  span.Context().TraceID,
		})
		return result, err
	}
	span.SetTag("status", "success")
	return result, nil
}
