// Package kafka is the Kafka event log backend. Records are partitioned by
// their partition key so all records for one key stay ordered.
package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/transport"
)

// TransportName is the pubsub.system value selecting this backend.
const TransportName = "kafka"

// PublisherFactory builds the publisher. Tests may replace it.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory builds a group subscriber. Tests may replace it.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.KafkaCapabilities)
}

// PartitionKey picks the Kafka record key: the chainflow partition key when
// set, the message UUID otherwise.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadata.KeyPartitionKey); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

// Build creates a Kafka transport. New consumer groups start from the oldest
// retained record so a fresh group replays the log.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka brokers are required")
	}
	clientID := cfg.GetKafkaClientID()
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	pubSarama := kafka.DefaultSaramaSyncPublisherConfig()
	if clientID != "" {
		pubSarama.ClientID = clientID
	}
	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             marshaler,
		OverwriteSaramaConfig: pubSarama,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(groupID string) (message.Subscriber, error) {
		subSarama := kafka.DefaultSaramaSubscriberConfig()
		subSarama.Consumer.Offsets.Initial = sarama.OffsetOldest
		if clientID != "" {
			subSarama.ClientID = clientID
		}
		return SubscriberFactory(kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			ConsumerGroup:         groupID,
			OverwriteSaramaConfig: subSarama,
		}, logger)
	}

	return transport.Transport{
		Publisher:     publisher,
		NewSubscriber: newSubscriber,
	}, nil
}
