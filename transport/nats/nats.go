// Package nats is the NATS Core backend. Consumer groups map to queue
// groups, so each group sees every record once. NATS Core keeps no history;
// use the jetstream backend when records must survive consumer downtime.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/chainflow/transport"
)

// TransportName is the pubsub.system value selecting this backend.
const TransportName = "nats"

// PublisherFactory builds the publisher. Tests may replace it.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory builds a group subscriber. Tests may replace it.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS Core transport with JetStream disabled.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats url is required")
	}
	marshaler := &nats.NATSMarshaler{}
	options := []nc.Option{nc.Name("chainflow"), nc.MaxReconnects(-1)}
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   core,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(groupID string) (message.Subscriber, error) {
			return SubscriberFactory(nats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: groupID,
				SubscribersCount: 1,
				NatsOptions:      options,
				Unmarshaler:      marshaler,
				JetStream:        core,
			}, logger)
		},
	}, nil
}
