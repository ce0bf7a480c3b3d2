// Package http is the webhook pubsub backend: publishing POSTs to
// publisherURL+topic and subscribing serves topics on serverAddress.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outrigger/transport"
)

const TransportName = "http"

// Metadata keys.
const (
	PropertyServerAddress = "serverAddress"
	PropertyPublisherURL  = "publisherURL"
)

var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// TopicURL joins the publisher base url and a topic.
func TopicURL(base, topic string) string {
	if base == "" || strings.HasSuffix(base, "/") {
		return base + topic
	}
	return base + "/" + topic
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.Metadata.String(PropertyServerAddress, ":8081")
	publisherURL, err := cfg.Metadata.Required(PropertyPublisherURL)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(TopicURL(publisherURL, topic), msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("http publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(serverAddr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		return transport.Transport{}, errors.Join(fmt.Errorf("http subscriber: %w", err), publisher.Close())
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"address": serverAddr})
			}
		}()
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
