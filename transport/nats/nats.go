// Package nats is the NATS core pubsub backend. Delivery is at most once.
package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/outrigger/transport"
)

const TransportName = "nats"

// PropertyURL is the server url; it defaults to the local NATS port.
const PropertyURL = "url"

var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build subscribes through a queue group named after the app id, so replicas
// of one app split the stream between them.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.Metadata.String(PropertyURL, natsgo.DefaultURL)
	marshaler := &nats.NATSMarshaler{}
	var opts []natsgo.Option
	if cfg.AppID != "" {
		opts = append(opts, natsgo.Name(cfg.AppID))
	}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		Marshaler:   marshaler,
		NatsOptions: opts,
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(nats.SubscriberConfig{
		URL:              url,
		Unmarshaler:      marshaler,
		QueueGroupPrefix: cfg.AppID,
		NatsOptions:      opts,
	}, logger)
	if err != nil {
		return transport.Transport{}, errors.Join(fmt.Errorf("nats subscriber: %w", err), publisher.Close())
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
