package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/actors"
	"github.com/drblury/outrigger/internal/runtime/api"
	"github.com/drblury/outrigger/internal/runtime/bindings"
	"github.com/drblury/outrigger/internal/runtime/cloudevents"
	"github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/handlers"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/rpc"
	"github.com/drblury/outrigger/internal/runtime/state"
)

func newCaller(t *testing.T, a *App) *Caller {
	t.Helper()
	ch := rpc.NewLoopback(a.Server())
	t.Cleanup(func() { _ = ch.Close() })
	return NewCaller(rpc.NewClient(ch))
}

func orderEvent(t *testing.T) cloudevents.Event {
	t.Helper()
	evt, err := cloudevents.FromPayload("checkout", []byte(`{"orderId":1}`), "application/json")
	require.NoError(t, err)
	cloudevents.SetRouting(&evt, "pubsub", "orders")
	return evt
}

func TestDeliverEventRunsTopicHandler(t *testing.T) {
	a := New()
	var got handlers.Event
	require.NoError(t, a.AddTopicHandler(config.Subscription{PubSubName: "pubsub", Topic: "orders"}, func(_ context.Context, evt handlers.Event) error {
		got = evt
		return nil
	}))
	c := newCaller(t, a)

	sub := config.Subscription{PubSubName: "pubsub", Topic: "orders", Route: "/orders"}
	evt := orderEvent(t)
	err := c.DeliverEvent(context.Background(), sub, evt, metadatapkg.Metadata{metadatapkg.KeyCorrelationID: "c-1"})
	require.NoError(t, err)

	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, "orders", got.Topic)
	assert.Equal(t, "pubsub", got.PubSubName)
	assert.Equal(t, "/orders", got.Route)
	assert.Equal(t, "c-1", got.Metadata.Get(metadatapkg.KeyCorrelationID))
	payload, err := got.Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":1}`, string(payload))
}

func TestDeliverEventMapsHandlerOutcome(t *testing.T) {
	tests := []struct {
		name    string
		handler error
		check   func(t *testing.T, err error)
	}{
		{"retry", errors.New("db down"), func(t *testing.T, err error) { assert.True(t, cloudevents.IsRetryable(err)) }},
		{"drop", cloudevents.ErrSkip, func(t *testing.T, err error) { assert.ErrorIs(t, err, cloudevents.ErrSkip) }},
		{"dead letter", cloudevents.ErrDeadLetterWithReason("bad order", nil), func(t *testing.T, err error) {
			assert.True(t, cloudevents.ShouldDeadLetter(err))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			require.NoError(t, a.AddTopicHandler(config.Subscription{PubSubName: "pubsub", Topic: "orders"}, func(context.Context, handlers.Event) error {
				return tt.handler
			}))
			c := newCaller(t, a)
			err := c.DeliverEvent(context.Background(), config.Subscription{PubSubName: "pubsub", Topic: "orders", Route: "/orders"}, orderEvent(t), nil)
			tt.check(t, err)
		})
	}
}

func TestDeliverEventUnknownRouteIsDropped(t *testing.T) {
	c := newCaller(t, New())
	err := c.DeliverEvent(context.Background(), config.Subscription{PubSubName: "pubsub", Topic: "orders", Route: "/nowhere"}, orderEvent(t), nil)
	assert.ErrorIs(t, err, cloudevents.ErrSkip)
}

func TestAddTopicHandlerValidates(t *testing.T) {
	a := New()
	noop := func(context.Context, handlers.Event) error { return nil }

	assert.ErrorIs(t, a.AddTopicHandler(config.Subscription{PubSubName: "p", Topic: "t"}, nil), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, a.AddTopicHandler(config.Subscription{PubSubName: "p"}, noop), errspkg.ErrTopicRequired)
	assert.True(t, errspkg.IsKind(a.AddTopicHandler(config.Subscription{Topic: "t"}, noop), errspkg.KindInvalidArgument))

	require.NoError(t, a.AddTopicHandler(config.Subscription{PubSubName: "p", Topic: "t"}, noop))
	err := a.AddTopicHandler(config.Subscription{PubSubName: "q", Topic: "other", Route: "/t"}, noop)
	assert.True(t, errspkg.IsKind(err, errspkg.KindInvalidArgument))
}

func TestConfigListsDeclarations(t *testing.T) {
	a := New()
	noop := func(context.Context, handlers.Event) error { return nil }
	require.NoError(t, a.AddTopicHandler(config.Subscription{PubSubName: "p", Topic: "b", DeadLetterTopic: "b-dlq"}, noop))
	require.NoError(t, a.AddTopicHandler(config.Subscription{PubSubName: "p", Topic: "a"}, noop))
	require.NoError(t, a.AddBindingHandler("cron", func(context.Context, BindingEvent) ([]byte, error) { return nil, nil }))
	host := actors.NewHost()
	host.Register("cart", func(actors.Ref) actors.Actor { return nil })
	a.HostActors(host)

	cfg, err := newCaller(t, a).Config(context.Background())
	require.NoError(t, err)
	require.Len(t, cfg.Subscriptions, 2)
	assert.Equal(t, "/a", cfg.Subscriptions[0].Route)
	assert.Equal(t, "b-dlq", cfg.Subscriptions[1].DeadLetterTopic)
	assert.Equal(t, []string{"cron"}, cfg.Bindings)
	assert.Equal(t, []string{"cart"}, cfg.ActorTypes)
}

func TestDeliverBinding(t *testing.T) {
	a := New()
	require.NoError(t, a.AddBindingHandler("cron", func(_ context.Context, in BindingEvent) ([]byte, error) {
		if in.Metadata.Get("schedule") == "" {
			return nil, errors.New("schedule missing")
		}
		return append([]byte("seen:"), in.Data...), nil
	}))
	c := newCaller(t, a)

	out, err := c.DeliverBinding(context.Background(), "cron", bindings.ReadResponse{Data: []byte("tick"), Metadata: map[string]string{"schedule": "@every 1s"}})
	require.NoError(t, err)
	assert.Equal(t, "seen:tick", string(out))

	_, err = c.DeliverBinding(context.Background(), "cron", bindings.ReadResponse{})
	assert.Error(t, err)

	_, err = c.DeliverBinding(context.Background(), "queue", bindings.ReadResponse{})
	assert.True(t, errspkg.IsKind(err, errspkg.KindComponentNotFound))
}

func TestInvokeMethod(t *testing.T) {
	a := New()
	require.NoError(t, a.AddInvocationHandler("/neworder", func(_ context.Context, in Invocation) (Content, error) {
		return Content{Data: []byte(in.HTTPVerb + " " + string(in.Data)), ContentType: "text/plain"}, nil
	}))
	c := newCaller(t, a)

	resp, err := c.Invoke(context.Background(), api.InvokeRequest{AppID: "orders", Method: "neworder", HTTPVerb: "POST", Data: []byte("1")})
	require.NoError(t, err)
	assert.Equal(t, "POST 1", string(resp.Data))
	assert.Equal(t, "text/plain", resp.ContentType)

	_, err = c.Invoke(context.Background(), api.InvokeRequest{Method: "missing"})
	assert.True(t, errspkg.IsKind(err, errspkg.KindOperationNotSupported))
}

type counter struct{}

func (counter) Invoke(_ context.Context, turn *actors.Turn, method string, data []byte) ([]byte, error) {
	if method != "set" {
		return nil, errors.New("unknown method")
	}
	turn.Set("value", data)
	return []byte("ok"), nil
}

func TestInvokeActorReturnsStagedOps(t *testing.T) {
	a := New()
	c := newCaller(t, a)
	ref := actors.Ref{Type: "counter", ID: "1"}

	_, err := c.InvokeActor(context.Background(), actors.Call{Ref: ref, Kind: actors.KindMethod, Name: "set"})
	assert.True(t, errspkg.IsKind(err, errspkg.KindComponentNotFound))

	host := actors.NewHost()
	host.Register("counter", func(actors.Ref) actors.Actor { return counter{} })
	a.HostActors(host)

	res, err := c.InvokeActor(context.Background(), actors.Call{Ref: ref, Kind: actors.KindMethod, Name: "set", Data: []byte("5")})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Data))
	require.Len(t, res.Ops, 1)
	assert.Equal(t, actors.StateOp{Type: state.Upsert, Key: "value", Value: []byte("5")}, res.Ops[0])
}
