// Package breaker isolates failing downstream services behind a
// closed/open/half-open circuit breaker built on sony/gobreaker.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// GaugeValue maps a state to the value exported on the state gauge.
func (s State) GaugeValue() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// Settings configures a breaker. Zero values fall back to the defaults above.
type Settings struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens a
	// closed breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before admitting a
	// trial call.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls is both the number of trial calls admitted while half
	// open and the number of successes needed to close again.
	HalfOpenMaxCalls uint32
	OnStateChange    func(name string, from, to State)
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	if s.HalfOpenMaxCalls == 0 {
		s.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	return s
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	FailureCount      uint32    `json:"failureCount"`
	LastFailureTime   time.Time `json:"lastFailureTime,omitempty"`
	HalfOpenSuccesses uint32    `json:"halfOpenSuccesses"`
	HalfOpenFailures  uint32    `json:"halfOpenFailures"`
}

// Fallback runs in place of the protected call while the breaker rejects calls.
type Fallback func(ctx context.Context) error

// CircuitBreaker guards calls to a single downstream service.
type CircuitBreaker struct {
	settings Settings
	cb       *gobreaker.CircuitBreaker

	mu          sync.Mutex
	lastFailure time.Time
}

// New creates a closed breaker.
func New(settings Settings) *CircuitBreaker {
	settings = settings.withDefaults()
	b := &CircuitBreaker{settings: settings}

	threshold := settings.FailureThreshold
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.HalfOpenMaxCalls,
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if settings.OnStateChange != nil {
				settings.OnStateChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	return b
}

// Name returns the protected service name.
func (b *CircuitBreaker) Name() string { return b.settings.Name }

// Settings returns the effective settings.
func (b *CircuitBreaker) Settings() Settings { return b.settings }

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports HALF_OPEN.
func (b *CircuitBreaker) State() State {
	return fromGobreaker(b.cb.State())
}

// IsOpen reports whether the next call would be rejected.
func (b *CircuitBreaker) IsOpen() bool {
	switch b.State() {
	case StateOpen:
		return true
	case StateHalfOpen:
		return b.cb.Counts().Requests >= b.settings.HalfOpenMaxCalls
	default:
		return false
	}
}

// Snapshot reports the breaker's counters.
func (b *CircuitBreaker) Snapshot() Snapshot {
	state := b.State()
	counts := b.cb.Counts()

	b.mu.Lock()
	last := b.lastFailure
	b.mu.Unlock()

	snap := Snapshot{
		Name:            b.settings.Name,
		State:           state,
		FailureCount:    counts.ConsecutiveFailures,
		LastFailureTime: last,
	}
	if state == StateHalfOpen {
		snap.HalfOpenSuccesses = counts.TotalSuccesses
		snap.HalfOpenFailures = counts.TotalFailures
	}
	return snap
}

// Execute runs fn through the breaker. While the breaker rejects calls,
// fallback runs instead; without a fallback the call fails with a
// *errors.CircuitOpenError. The fallback never runs for a call the breaker
// admitted: errors returned by fn propagate unchanged and only count
// towards opening the breaker.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error, fallback Fallback) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, wrapFallback(fallback))
	return err
}

func wrapFallback(fallback Fallback) func(context.Context) (struct{}, error) {
	if fallback == nil {
		return nil
	}
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fallback(ctx)
	}
}

// Do is the value-returning form of Execute.
func Do[T any](ctx context.Context, b *CircuitBreaker, fn func(ctx context.Context) (T, error), fallback func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	var result T
	_, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn(ctx)
		if err != nil {
			b.recordFailure()
			return nil, err
		}
		result = v
		return nil, nil
	})
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if fallback != nil {
			return fallback(ctx)
		}
		return zero, &errspkg.CircuitOpenError{Service: b.settings.Name, State: string(b.State())}
	}
	return zero, err
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()
}
