package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/transport"
)

type stubPublisher struct{ closed bool }

func (p *stubPublisher) Publish(string, ...*message.Message) error { return nil }
func (p *stubPublisher) Close() error                              { p.closed = true; return nil }

type stubSubscriber struct{}

func (stubSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (stubSubscriber) Close() error { return nil }

func TestTopicURL(t *testing.T) {
	assert.Equal(t, "http://peer/orders", TopicURL("http://peer/", "orders"))
	assert.Equal(t, "http://peer/orders", TopicURL("http://peer", "orders"))
}

func TestBuildMarshalsToTopicURL(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	var pubCfg watermillhttp.PublisherConfig
	var addr string
	PublisherFactory = func(cfg watermillhttp.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return &stubPublisher{}, nil
	}
	SubscriberFactory = func(a string, _ watermillhttp.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		addr = a
		return stubSubscriber{}, nil
	}

	_, err := Build(context.Background(), transport.Config{Metadata: components.Properties{
		PropertyServerAddress: ":9090",
		PropertyPublisherURL:  "http://peer:9090",
	}}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, ":9090", addr)

	req, err := pubCfg.MarshalMessageFunc("orders", message.NewMessage("m-1", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "http://peer:9090/orders", req.URL.String())
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(context.Background(), transport.Config{}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), PropertyPublisherURL)

	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })
	pub := &stubPublisher{}
	PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) { return pub, nil }
	SubscriberFactory = func(string, watermillhttp.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("address in use")
	}
	_, err = Build(context.Background(), transport.Config{Metadata: components.Properties{PropertyPublisherURL: "http://peer"}}, watermill.NopLogger{})
	require.Error(t, err)
	assert.True(t, pub.closed)
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}
