// Package channel is the in-process pubsub backend. Messages never leave the
// sidecar, so it suits tests and single process deployments.
package channel

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/outrigger/transport"
)

const TransportName = "channel"

// Metadata keys.
const (
	PropertyBufferSize = "bufferSize"
	PropertyPersistent = "persistent"
	PropertyBlockAck   = "blockPublishUntilSubscriberAck"
)

// Factory creates the underlying pubsub; tests replace it.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// ConfigFrom reads the gochannel settings out of component metadata.
func ConfigFrom(cfg transport.Config) (gochannel.Config, error) {
	buffer, err := cfg.Metadata.Int(PropertyBufferSize, 0)
	if err != nil {
		return gochannel.Config{}, err
	}
	if buffer < 0 {
		return gochannel.Config{}, fmt.Errorf("metadata %q must not be negative", PropertyBufferSize)
	}
	persistent, err := cfg.Metadata.Bool(PropertyPersistent, false)
	if err != nil {
		return gochannel.Config{}, err
	}
	block, err := cfg.Metadata.Bool(PropertyBlockAck, false)
	if err != nil {
		return gochannel.Config{}, err
	}
	return gochannel.Config{
		OutputChannelBuffer:            int64(buffer),
		Persistent:                     persistent,
		BlockPublishUntilSubscriberAck: block,
	}, nil
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	gcfg, err := ConfigFrom(cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	pub, sub := Factory(gcfg, logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
