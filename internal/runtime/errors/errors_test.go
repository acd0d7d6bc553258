package errors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrServiceRequired", ErrServiceRequired, "chainflow: event service is required"},
		{"ErrProcessorRequired", ErrProcessorRequired, "chainflow: event processor is required"},
		{"ErrTopicRequired", ErrTopicRequired, "chainflow: topic is required"},
		{"ErrConfigRequired", ErrConfigRequired, "chainflow: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "chainflow: logger is required"},
		{"ErrEmptyRing", ErrEmptyRing, "chainflow: node ring is empty"},
		{"ErrCircuitOpen", ErrCircuitOpen, "chainflow: circuit breaker is open"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "chainflow: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		if !errors.Is(NewConfigValidationError(inner), inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cause := errors.New("broker down")

	perr := &PersistenceError{Topic: "events.NFT_SALE", EventID: "evt-1", Err: cause}
	if !errors.Is(perr, ErrPersistence) {
		t.Error("PersistenceError should match ErrPersistence")
	}
	if !errors.Is(perr, cause) {
		t.Error("PersistenceError should match its cause")
	}

	if !errors.Is(&SchemaNotRegisteredError{EventType: "NFT_SALE"}, ErrSchemaNotRegistered) {
		t.Error("SchemaNotRegisteredError should match ErrSchemaNotRegistered")
	}
	if !errors.Is(&CircuitOpenError{Service: "metadata", State: "open"}, ErrCircuitOpen) {
		t.Error("CircuitOpenError should match ErrCircuitOpen")
	}
}

func TestStageOf(t *testing.T) {
	err := &StageError{Stage: "persist", Err: errors.New("boom")}
	wrapped := errors.Join(errors.New("outer"), err)

	if got := StageOf(wrapped); got != "persist" {
		t.Errorf("StageOf() = %q, want persist", got)
	}
	if got := StageOf(errors.New("plain")); got != "" {
		t.Errorf("StageOf() = %q, want empty", got)
	}
}
