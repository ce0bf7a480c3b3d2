package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/outrigger/internal/runtime/api"
	"github.com/drblury/outrigger/internal/runtime/cloudevents"
	configpkg "github.com/drblury/outrigger/internal/runtime/config"
	idspkg "github.com/drblury/outrigger/internal/runtime/ids"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/pubsub"
	"github.com/drblury/outrigger/internal/runtime/tracing"
	"github.com/drblury/outrigger/transport"
)

func newRouterService(t *testing.T, conf configpkg.Config) *Service {
	t.Helper()
	log := loggingpkg.NewDiscardLogger()
	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(log))
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close() })
	reg := prometheus.NewRegistry()
	return &Service{
		Conf:     conf,
		Logger:   log,
		wmLogger: loggingpkg.NewWatermillAdapter(log),
		reg:      reg,
		router:   router,
		dlq:      NewDLQMetrics(reg),
		now:      time.Now,
	}
}

func passThrough(msg *message.Message) ([]*message.Message, error) { return nil, nil }

func TestCorrelationIDMiddleware(t *testing.T) {
	mw := CorrelationIDMiddleware().Middleware

	t.Run("adds missing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		var seen string
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			seen = m.Metadata.Get(metadatapkg.KeyCorrelationID)
			return nil, nil
		})(msg)
		require.NoError(t, err)
		assert.NotEmpty(t, seen)
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, "fixed")
		_, err := mw(passThrough)(msg)
		require.NoError(t, err)
		assert.Equal(t, "fixed", msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	})
}

func TestTracerMiddlewareContinuesPublisherTrace(t *testing.T) {
	interceptor := tracing.New(nil)
	ctx, span, md := interceptor.Outbound(context.Background(), "publish", trace.SpanKindProducer, metadatapkg.Metadata{})
	span.End()
	parent := trace.SpanContextFromContext(ctx)

	msg := message.NewMessage(idspkg.CreateULID(), nil)
	msg.Metadata = metadatapkg.ToWatermill(md)
	var observed trace.SpanContext
	_, err := tracerMiddleware(interceptor)(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanContextFromContext(m.Context())
		return nil, nil
	})(msg)
	require.NoError(t, err)
	require.True(t, observed.IsValid())
	assert.Equal(t, parent.TraceID(), observed.TraceID())
	assert.NotEqual(t, parent.SpanID(), observed.SpanID())
}

func TestRegisterMiddlewareValidations(t *testing.T) {
	t.Run("requires router", func(t *testing.T) {
		err := (&Service{}).RegisterMiddleware(MiddlewareRegistration{Middleware: func(h message.HandlerFunc) message.HandlerFunc { return h }})
		require.Error(t, err)
	})

	t.Run("requires middleware or builder", func(t *testing.T) {
		svc := newRouterService(t, configpkg.Config{})
		require.Error(t, svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))
	})

	t.Run("propagates builder error", func(t *testing.T) {
		svc := newRouterService(t, configpkg.Config{})
		err := svc.RegisterMiddleware(MiddlewareRegistration{Builder: func(*Service) (message.HandlerMiddleware, error) {
			return nil, errors.New("boom")
		}})
		require.EqualError(t, err, "boom")
	})

	t.Run("skips nil middleware", func(t *testing.T) {
		svc := newRouterService(t, configpkg.Config{})
		require.NoError(t, svc.RegisterMiddleware(MiddlewareRegistration{Builder: func(*Service) (message.HandlerMiddleware, error) {
			return nil, nil
		}}))
	})
}

func TestLogMessagesMiddlewareUsesServiceLogger(t *testing.T) {
	svc := newRouterService(t, configpkg.Config{})
	mw, err := LogMessagesMiddleware(nil).Builder(svc)
	require.NoError(t, err)
	require.NotNil(t, mw)

	_, err = mw(passThrough)(message.NewMessage("id", []byte("payload")))
	require.NoError(t, err)

	_, err = LogMessagesMiddleware(nil).Builder(&Service{})
	require.Error(t, err)
}

func TestMetricsMiddleware(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		svc := newRouterService(t, configpkg.Config{})
		mw, err := MetricsMiddleware().Builder(svc)
		require.NoError(t, err)
		assert.Nil(t, mw)
	})

	t.Run("enabled with port", func(t *testing.T) {
		svc := newRouterService(t, configpkg.Config{MetricsEnabled: true, MetricsPort: 9464})
		mw, err := MetricsMiddleware().Builder(svc)
		require.NoError(t, err)
		assert.NotNil(t, mw)
		assert.Contains(t, svc.httpServers, 9464)
	})
}

func TestRetryMiddlewareUsesSubscriptionMaxRetries(t *testing.T) {
	svc := newRouterService(t, configpkg.Config{RetryMaxRetries: 10, RetryInitialInterval: time.Millisecond, RetryMaxInterval: time.Millisecond})
	sub := &subscription{Subscription: configpkg.Subscription{Topic: "orders", MaxRetries: 2}}

	attempts := 0
	_, err := svc.retryMiddleware(sub)(func(*message.Message) ([]*message.Message, error) {
		attempts++
		return nil, cloudevents.ErrRetry
	})(message.NewMessage("id", nil))
	require.Error(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	_, err = svc.retryMiddleware(sub)(func(*message.Message) ([]*message.Message, error) {
		attempts++
		return nil, cloudevents.ErrDeadLetter
	})(message.NewMessage("id", nil))
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "dead-letter decisions are not retried")
}

type recordingPublisher struct {
	topic string
	msgs  []*message.Message
	err   error
}

func (p *recordingPublisher) Publish(topic string, msgs ...*message.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func cloudEventMessage(t *testing.T, topic string) *message.Message {
	t.Helper()
	evt, err := cloudevents.FromPayload("checkout", []byte(`{"id":1}`), "application/json")
	require.NoError(t, err)
	cloudevents.SetRouting(&evt, "pubsub", topic)
	payload, err := jsoncodec.Marshal(evt)
	require.NoError(t, err)
	msg := message.NewMessage(evt.ID, payload)
	msg.Metadata.Set(metadatapkg.KeyContentType, cloudevents.ContentType)
	return msg
}

func TestOutcomeMiddlewareSettlesDeliveries(t *testing.T) {
	tests := []struct {
		name       string
		dlq        string
		handlerErr error
		wantErr    bool
		wantDLQ    bool
		check      func(t *testing.T, stats *api.SubscriptionStats)
	}{
		{"delivered", "", nil, false, false, func(t *testing.T, s *api.SubscriptionStats) { assert.Equal(t, int64(1), s.Delivered) }},
		{"dropped", "", cloudevents.ErrSkip, false, false, func(t *testing.T, s *api.SubscriptionStats) { assert.Equal(t, int64(1), s.Dropped) }},
		{"expired", "", errExpired, false, false, func(t *testing.T, s *api.SubscriptionStats) { assert.Equal(t, int64(1), s.Expired) }},
		{"failed without dead letter topic", "", cloudevents.ErrRetry, true, false, func(t *testing.T, s *api.SubscriptionStats) {
			assert.Equal(t, int64(1), s.Failed)
			assert.NotEmpty(t, s.LastError)
		}},
		{"dead letter without topic is nacked", "", cloudevents.ErrDeadLetter, true, false, func(t *testing.T, s *api.SubscriptionStats) {
			assert.Equal(t, int64(1), s.Failed)
		}},
		{"dead lettered", "orders-dlq", cloudevents.ErrDeadLetter, false, true, func(t *testing.T, s *api.SubscriptionStats) {
			assert.Equal(t, int64(1), s.DeadLettered)
		}},
		{"retries exhausted", "orders-dlq", cloudevents.ErrRetry, false, true, func(t *testing.T, s *api.SubscriptionStats) {
			assert.Equal(t, int64(1), s.DeadLettered)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newRouterService(t, configpkg.Config{})
			pub := &recordingPublisher{}
			sub := newTestSubscription(pub, configpkg.Subscription{PubSubName: "pubsub", Topic: "orders", Route: "/orders", DeadLetterTopic: tt.dlq})

			_, err := svc.outcomeMiddleware(sub)(func(*message.Message) ([]*message.Message, error) {
				return nil, tt.handlerErr
			})(cloudEventMessage(t, "orders"))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			if tt.wantDLQ {
				require.Len(t, pub.msgs, 1)
				assert.Equal(t, "orders-dlq", pub.topic)
				evt, err := cloudevents.Parse(pub.msgs[0].Payload)
				require.NoError(t, err)
				assert.Equal(t, "orders", evt.GetExtensionString(cloudevents.ExtOriginalTopic))
				assert.True(t, evt.GetExtensionBool(cloudevents.ExtDeadLetter))
			} else {
				assert.Empty(t, pub.msgs)
			}
			tt.check(t, sub.stats.snapshot(time.Now()))
		})
	}
}

func TestOutcomeMiddlewareNacksWhenDeadLetterPublishFails(t *testing.T) {
	svc := newRouterService(t, configpkg.Config{})
	pub := &recordingPublisher{err: errors.New("broker down")}
	sub := newTestSubscription(pub, configpkg.Subscription{PubSubName: "pubsub", Topic: "orders", DeadLetterTopic: "orders-dlq"})

	_, err := svc.outcomeMiddleware(sub)(func(*message.Message) ([]*message.Message, error) {
		return nil, cloudevents.ErrDeadLetter
	})(cloudEventMessage(t, "orders"))
	require.Error(t, err)
	assert.Equal(t, int64(1), sub.stats.snapshot(time.Now()).Failed)
}

func TestDeliverDeadLettersMalformedEvents(t *testing.T) {
	svc := newRouterService(t, configpkg.Config{})
	sub := newTestSubscription(&recordingPublisher{}, configpkg.Subscription{PubSubName: "pubsub", Topic: "orders", Route: "/orders"})

	msg := message.NewMessage("id", []byte(`{"specversion":"1.0"`))
	msg.Metadata.Set(metadatapkg.KeyContentType, cloudevents.ContentType)
	err := svc.deliver(sub)(msg)
	require.Error(t, err)
	assert.True(t, cloudevents.ShouldDeadLetter(err))
}

func TestEventFromMessageWrapsRawPayloads(t *testing.T) {
	msg := message.NewMessage("raw-1", []byte("plain text"))
	msg.Metadata.Set(metadatapkg.KeyContentType, "text/plain")

	evt, err := eventFromMessage(msg, configpkg.Subscription{PubSubName: "pubsub", Topic: "logs"})
	require.NoError(t, err)
	assert.Equal(t, "raw-1", evt.ID)
	assert.Equal(t, "logs", cloudevents.GetTopic(evt))
	payload, err := evt.Payload()
	require.NoError(t, err)
	assert.Equal(t, "plain text", string(payload))
}

func newTestSubscription(pub message.Publisher, cfg configpkg.Subscription) *subscription {
	return &subscription{
		Subscription: cfg,
		comp:         &pubsub.Component{Transport: transport.Transport{Publisher: pub}, Name: cfg.PubSubName, Backend: "test"},
		stats:        newSubscriptionStats(),
	}
}
