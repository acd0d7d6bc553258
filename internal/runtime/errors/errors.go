package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired       = sterrors.New("chainflow: event service is required")
	ErrProcessorRequired     = sterrors.New("chainflow: event processor is required")
	ErrProcessorNameRequired = sterrors.New("chainflow: event processor name is required")
	ErrEventLogRequired      = sterrors.New("chainflow: event log is required")
	ErrTopicRequired         = sterrors.New("chainflow: topic is required")
	ErrConfigRequired        = sterrors.New("chainflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("chainflow: logger is required")
	ErrInvalidEvent          = sterrors.New("chainflow: invalid event")

	ErrSchemaNotRegistered = sterrors.New("chainflow: schema not registered")
	ErrUnknownSchemaID     = sterrors.New("chainflow: unknown schema id")
	ErrMalformedPayload    = sterrors.New("chainflow: malformed payload")
	ErrPersistence         = sterrors.New("chainflow: persistence failure")
	ErrCircuitOpen         = sterrors.New("chainflow: circuit breaker is open")
	ErrEmptyRing           = sterrors.New("chainflow: node ring is empty")
	ErrCommitRejected      = sterrors.New("chainflow: commit rejected by coordinator")
	ErrUnknownModel        = sterrors.New("chainflow: unknown consistency model")
	ErrUnsupportedShape    = sterrors.New("chainflow: unsupported event shape")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "chainflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// SchemaNotRegisteredError is returned when an event type has no schema.
type SchemaNotRegisteredError struct {
	EventType string
}

func (e *SchemaNotRegisteredError) Error() string {
	return fmt.Sprintf("chainflow: no schema registered for event type %q", e.EventType)
}

func (e *SchemaNotRegisteredError) Is(target error) bool { return target == ErrSchemaNotRegistered }

// PersistenceError reports a failed append to the event log.
type PersistenceError struct {
	Topic   string
	EventID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("chainflow: store event %s on %s: %v", e.EventID, e.Topic, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// CircuitOpenError is returned when a breaker rejects a call and no fallback is set.
type CircuitOpenError struct {
	Service string
	State   string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("chainflow: circuit breaker %q is %s", e.Service, e.State)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// StageError records which pipeline stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("chainflow: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failed stage name, or "" when err carries none.
func StageOf(err error) string {
	var se *StageError
	if sterrors.As(err, &se) {
		return se.Stage
	}
	return ""
}
