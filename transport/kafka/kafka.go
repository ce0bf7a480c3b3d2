// Package kafka is the Kafka pubsub backend.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/transport"
)

const TransportName = "kafka"

// Metadata keys.
const (
	PropertyBrokers       = "brokers"
	PropertyConsumerGroup = "consumerGroup"
)

var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build connects to the brokers listed in metadata. The consumer group
// defaults to the app id.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.Metadata.List(PropertyBrokers)
	if len(brokers) == 0 {
		return transport.Transport{}, fmt.Errorf("metadata %q is required", PropertyBrokers)
	}
	group := cfg.Metadata.String(PropertyConsumerGroup, cfg.AppID)

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: kafka.NewWithPartitioningMarshaler(PartitionKey),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:       brokers,
		Unmarshaler:   kafka.DefaultMarshaler{},
		ConsumerGroup: group,
	}, logger)
	if err != nil {
		return transport.Transport{}, errors.Join(fmt.Errorf("kafka subscriber: %w", err), publisher.Close())
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// PartitionKey keys a message by its partitionKey metadata so related events
// keep their order. Messages without one are spread by id.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadatapkg.KeyPartitionKey); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
