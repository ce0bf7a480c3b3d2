// Package jetstream is the NATS JetStream pubsub backend. Every topic maps to
// a subject inside one stream; each app consumes through its own durable pull
// consumer, so delivery is at least once with redelivery on nack.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/outrigger/internal/runtime/ids"
	"github.com/drblury/outrigger/transport"
)

const TransportName = "nats-jetstream"

// Metadata keys.
const (
	PropertyURL        = "url"
	PropertyStreamName = "streamName"
	PropertyMaxDeliver = "maxDeliver"
	PropertyAckWait    = "ackWait"
	PropertyReplicas   = "replicas"
	PropertyRetention  = "retention"
)

const (
	DefaultStreamName = "OUTRIGGER"
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second

	headerUUID      = "Outrigger-Uuid"
	headerDeliverAt = "Outrigger-Deliver-At"
	fetchBatch      = 10
)

var ErrClosed = errors.New("jetstream transport closed")

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Config holds the stream and consumer settings.
type Config struct {
	URL        string
	StreamName string
	// Consumer prefixes durable consumer names, normally the app id.
	Consumer   string
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int
	// Retention is "limits" (default), "interest" or "workqueue".
	Retention string
}

// ConfigFrom reads Config out of component metadata.
func ConfigFrom(cfg transport.Config) (Config, error) {
	maxDeliver, err := cfg.Metadata.Int(PropertyMaxDeliver, DefaultMaxDeliver)
	if err != nil {
		return Config{}, err
	}
	ackWait, err := cfg.Metadata.Duration(PropertyAckWait, DefaultAckWait)
	if err != nil {
		return Config{}, err
	}
	replicas, err := cfg.Metadata.Int(PropertyReplicas, 1)
	if err != nil {
		return Config{}, err
	}
	retention := cfg.Metadata.String(PropertyRetention, "limits")
	switch retention {
	case "limits", "interest", "workqueue":
	default:
		return Config{}, fmt.Errorf("metadata %q: unknown retention %q", PropertyRetention, retention)
	}
	return Config{
		URL:        cfg.Metadata.String(PropertyURL, nats.DefaultURL),
		StreamName: cfg.Metadata.String(PropertyStreamName, DefaultStreamName),
		Consumer:   cfg.AppID,
		MaxDeliver: maxDeliver,
		AckWait:    ackWait,
		Replicas:   replicas,
		Retention:  retention,
	}.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) subject(topic string) string {
	return c.StreamName + "." + topic
}

// durable names a consumer. JetStream forbids '.', '*' and '>' in them.
func (c Config) durable(topic string) string {
	name := topic
	if c.Consumer != "" {
		name = c.Consumer + "_" + topic
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(name)
}

func (c Config) streamConfig() *nats.StreamConfig {
	sc := &nats.StreamConfig{
		Name:     c.StreamName,
		Subjects: []string{c.StreamName + ".>"},
		MaxAge:   7 * 24 * time.Hour,
		Replicas: c.Replicas,
	}
	switch c.Retention {
	case "interest":
		sc.Retention = nats.InterestPolicy
	case "workqueue":
		sc.Retention = nats.WorkQueuePolicy
	default:
		sc.Retention = nats.LimitsPolicy
	}
	return sc
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	jcfg, err := ConfigFrom(cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	t, err := New(jcfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Transport publishes and consumes through one JetStream stream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	done   chan struct{}
}

func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name(cfg.Consumer))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	sc := cfg.streamConfig()
	if _, err := js.AddStream(sc); err != nil {
		if _, err := js.UpdateStream(sc); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
		}
	}

	return &Transport{nc: nc, js: js, config: cfg, logger: logger, done: make(chan struct{})}, nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish appends messages to the stream. A transport.MetadataDelay entry
// holds the message back until the delay has passed.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	for _, msg := range messages {
		nm, err := toNATS(t.config.subject(topic), msg, time.Now())
		if err != nil {
			return err
		}
		if _, err := t.js.PublishMsg(nm); err != nil {
			return fmt.Errorf("publish to %s: %w", nm.Subject, err)
		}
	}
	return nil
}

func toNATS(subject string, msg *message.Message, now time.Time) (*nats.Msg, error) {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		if k == transport.MetadataDelay {
			continue
		}
		header.Set(k, v)
	}
	header.Set(headerUUID, msg.UUID)
	header.Set(nats.MsgIdHdr, msg.UUID)

	if raw := msg.Metadata.Get(transport.MetadataDelay); raw != "" {
		delay, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", transport.MetadataDelay, err)
		}
		if delay > 0 {
			header.Set(headerDeliverAt, strconv.FormatInt(now.Add(delay).UnixMilli(), 10))
		}
	}
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}, nil
}

// toMessage converts a delivered message. remaining is positive while the
// message is still delayed.
func toMessage(nm *nats.Msg, now time.Time) (msg *message.Message, remaining time.Duration) {
	if raw := nm.Header.Get(headerDeliverAt); raw != "" {
		if at, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if wait := time.UnixMilli(at).Sub(now); wait > 0 {
				return nil, wait
			}
		}
	}

	id := nm.Header.Get(headerUUID)
	if id == "" {
		id = ids.CreateULID()
	}
	msg = message.NewMessage(id, nm.Data)
	for k, v := range nm.Header {
		if len(v) == 0 || k == headerUUID || k == headerDeliverAt || k == nats.MsgIdHdr {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg, 0
}

func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	subject := t.config.subject(topic)
	durable := t.config.durable(topic)

	cc := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, cc); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, cc); err != nil {
			return nil, fmt.Errorf("ensure consumer %s: %w", durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", subject, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	out := make(chan *message.Message)
	go t.consume(ctx, sub, out, topic)
	return out, nil
}

func (t *Transport) consume(ctx context.Context, sub *nats.Subscription, out chan<- *message.Message, topic string) {
	defer close(out)
	fields := watermill.LogFields{"topic": topic}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		batch, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			t.logger.Error("JetStream fetch failed", err, fields)
			continue
		}

		for _, nm := range batch {
			msg, wait := toMessage(nm, time.Now())
			if msg == nil {
				if err := nm.NakWithDelay(wait); err != nil {
					t.logger.Error("Could not defer delayed message", err, fields)
				}
				continue
			}
			if !t.deliver(ctx, nm, msg, out, fields) {
				return
			}
		}
	}
}

func (t *Transport) deliver(ctx context.Context, nm *nats.Msg, msg *message.Message, out chan<- *message.Message, fields watermill.LogFields) bool {
	msg.SetContext(ctx)
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}

	select {
	case <-msg.Acked():
		if err := nm.Ack(); err != nil {
			t.logger.Error("JetStream ack failed", err, fields)
		}
	case <-msg.Nacked():
		if err := nm.Nak(); err != nil {
			t.logger.Error("JetStream nak failed", err, fields)
		}
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}
	return true
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	t.nc.Close()
	return errors.Join(errs...)
}

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
