// Package rabbitmq is the AMQP pubsub backend.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outrigger/transport"
)

const TransportName = "rabbitmq"

// Metadata keys.
const (
	PropertyURL     = "url"
	PropertyDurable = "durable"
)

var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// connSubscriber owns the shared connection; publishers and subscribers built
// on an existing connection leave it open on Close.
type connSubscriber struct {
	message.Subscriber
	conn *amqp.ConnectionWrapper
}

func (s connSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), s.conn.Close())
}

// AMQPConfig derives the pubsub config. Queues are suffixed with the app id
// so every app gets its own queue per topic and replicas share it.
func AMQPConfig(cfg transport.Config) (amqp.Config, error) {
	url, err := cfg.Metadata.Required(PropertyURL)
	if err != nil {
		return amqp.Config{}, err
	}
	durable, err := cfg.Metadata.Bool(PropertyDurable, true)
	if err != nil {
		return amqp.Config{}, err
	}
	queueName := amqp.GenerateQueueNameTopicName
	if cfg.AppID != "" {
		queueName = amqp.GenerateQueueNameTopicNameWithSuffix(cfg.AppID)
	}
	if durable {
		return amqp.NewDurablePubSubConfig(url, queueName), nil
	}
	return amqp.NewNonDurablePubSubConfig(url, queueName), nil
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	amqpConfig, err := AMQPConfig(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   amqpConfig.Connection.AmqpURI,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("amqp connection: %w", err)
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("amqp publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, errors.Join(fmt.Errorf("amqp subscriber: %w", err), publisher.Close())
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: connSubscriber{Subscriber: subscriber, conn: conn},
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
