// Package transport defines the event log backends chainflow appends records
// to and consumes them from. Each backend lives in its own sub-package and
// registers a Builder with the registry.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// SubscriberFactory builds a subscriber bound to a consumer group.
type SubscriberFactory func(groupID string) (message.Subscriber, error)

// Transport is a publisher plus a way to build group-scoped subscribers.
type Transport struct {
	Publisher     message.Publisher
	NewSubscriber SubscriberFactory
	// Closer releases resources shared by the publisher and subscribers,
	// such as a broker connection or database handle. Optional.
	Closer func() error
	// Offsets is set by backends that store consumer group positions
	// themselves. Nil for brokers that manage offsets internally.
	Offsets OffsetStore
}

// Subscriber builds a subscriber for groupID.
func (t Transport) Subscriber(groupID string) (message.Subscriber, error) {
	if t.NewSubscriber == nil {
		return nil, errors.New("transport has no subscriber factory")
	}
	return t.NewSubscriber(groupID)
}

// Close closes the publisher and then the shared resources.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if t.Closer != nil {
		if err := t.Closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shared returns a SubscriberFactory that ignores the group and hands out sub.
// It suits backends without consumer group semantics.
func Shared(sub message.Subscriber) SubscriberFactory {
	return func(string) (message.Subscriber, error) {
		return sub, nil
	}
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the settings backends read. The runtime config satisfies it
// so transports do not depend on the config package.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetIOFile() string

	GetSQLiteFile() string

	GetPostgresURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// OffsetStore is implemented by backends that track consumer group positions
// themselves and can rewind them for replay.
type OffsetStore interface {
	Offset(ctx context.Context, groupID, topic string) (int64, error)
	SetOffset(ctx context.Context, groupID, topic string, offset int64) error
	Lag(ctx context.Context, groupID, topic string) (int64, error)
}
