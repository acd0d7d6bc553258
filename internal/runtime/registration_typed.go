package runtime

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/events"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	"github.com/drblury/chainflow/internal/runtime/transform"
)

// TypedEvent carries an event together with its payload decoded into T.
type TypedEvent[T any] struct {
	Payload T
	Event   events.BaseEvent
}

// TypedProcessFunc handles an event whose payload was decoded into T.
type TypedProcessFunc[T any] func(ctx context.Context, event TypedEvent[T]) error

// TypedProcessorRegistration describes a processor that wants event payloads
// as a Go type instead of a generic map.
type TypedProcessorRegistration[T any] struct {
	Name       string
	EventTypes []events.EventType
	Handler    TypedProcessFunc[T]
}

// RegisterTypedProcessor decodes each event payload into T and calls
// reg.Handler. A payload that does not fit T fails the call with
// ErrMalformedPayload.
func RegisterTypedProcessor[T any](s *Service, reg TypedProcessorRegistration[T]) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if reg.Handler == nil {
		return errspkg.ErrProcessorRequired
	}
	factory, err := payloadFactory[T]()
	if err != nil {
		return err
	}
	return s.RegisterProcessor(NewProcessor(reg.Name, func(ctx context.Context, event events.BaseEvent) error {
		typed, err := transform.TransformForDomain(event, func(e events.BaseEvent) (TypedEvent[T], error) {
			payload, err := decodePayload(e, factory)
			return TypedEvent[T]{Payload: payload, Event: e}, err
		})
		if err != nil {
			return err
		}
		return reg.Handler(ctx, typed)
	}, reg.EventTypes...))
}

func decodePayload[T any](event events.BaseEvent, factory func() T) (T, error) {
	typed := factory()
	if len(event.Payload) == 0 {
		return typed, nil
	}
	raw, err := jsoncodec.Marshal(event.Payload)
	if err != nil {
		return typed, fmt.Errorf("%w: event %s: %v", errspkg.ErrMalformedPayload, event.ID, err)
	}
	target := any(&typed)
	if reflect.TypeOf(typed) != nil && reflect.TypeOf(typed).Kind() == reflect.Pointer {
		target = typed
	}
	if err := jsoncodec.Unmarshal(raw, target); err != nil {
		return typed, fmt.Errorf("%w: event %s: %v", errspkg.ErrMalformedPayload, event.ID, err)
	}
	return typed, nil
}

// payloadFactory returns a constructor for T. Pointer types get a freshly
// allocated element so decoding never writes through a nil pointer.
func payloadFactory[T any]() (func() T, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	switch typ.Kind() {
	case reflect.Interface:
		return nil, fmt.Errorf("chainflow: payload type %s must be concrete", typ)
	case reflect.Pointer:
		elem := typ.Elem()
		return func() T {
			return reflect.New(elem).Interface().(T)
		}, nil
	default:
		return func() T {
			var zero T
			return zero
		}, nil
	}
}
