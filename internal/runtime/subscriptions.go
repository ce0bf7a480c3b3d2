package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/outrigger/internal/runtime/api"
	"github.com/drblury/outrigger/internal/runtime/cloudevents"
	configpkg "github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/pubsub"
)

// Message metadata set by the sidecar while delivering.
const (
	metadataKeyAttempt      = "outrigger_attempt"
	metadataKeySubscription = "outrigger_subscription"
	metadataKeyTopic        = "outrigger_topic"
)

// errExpired marks an event whose ttl passed before delivery. It is acked.
var errExpired = fmt.Errorf("%w: event expired", cloudevents.ErrSkip)

// RetryMiddlewareConfig customises redelivery of failed events.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = cloudevents.IsRetryable
	}
	return cfg
}

// subscription is one topic routed to an application route.
type subscription struct {
	configpkg.Subscription
	comp  *pubsub.Component
	stats *subscriptionStats
}

func (sub *subscription) name() string {
	return sub.PubSubName + ":" + sub.Topic + ":" + sub.Route
}

func (s *Service) subscriptions() []*subscription {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return append([]*subscription(nil), s.subs...)
}

// mergeSubscriptions joins manifest and app declared subscriptions. A
// manifest entry wins over an app entry for the same pubsub, topic and route.
func mergeSubscriptions(manifest, declared []configpkg.Subscription) []configpkg.Subscription {
	seen := make(map[string]bool)
	var out []configpkg.Subscription
	for _, list := range [][]configpkg.Subscription{manifest, declared} {
		for _, sub := range list {
			if sub.Route == "" {
				sub.Route = "/" + strings.TrimPrefix(sub.Topic, "/")
			}
			key := sub.PubSubName + "\x00" + sub.Topic + "\x00" + sub.Route
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, sub)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PubSubName != out[j].PubSubName {
			return out[i].PubSubName < out[j].PubSubName
		}
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Route < out[j].Route
	})
	return out
}

// addSubscriptions adds one router handler per subscription. Events are
// only delivered when an app channel exists.
func (s *Service) addSubscriptions(declared []configpkg.Subscription) error {
	all := mergeSubscriptions(s.Manifest.Subscriptions, declared)
	if len(all) > 0 && s.app == nil {
		s.Logger.Info("Subscriptions declared without an app channel, not started", loggingpkg.LogFields{"subscriptions": len(all)})
		return nil
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, cfg := range all {
		comp, err := s.pubsub.Resolve(cfg.PubSubName)
		if err != nil {
			return fmt.Errorf("subscription to %q: %w", cfg.Topic, err)
		}
		sub := &subscription{Subscription: cfg, comp: comp, stats: newSubscriptionStats()}
		handler := s.router.AddNoPublisherHandler(sub.name(), sub.Topic, comp.Subscriber, s.deliver(sub))
		handler.AddMiddleware(
			s.outcomeMiddleware(sub),
			s.retryMiddleware(sub),
			middleware.Recoverer,
		)
		s.subs = append(s.subs, sub)
		s.Logger.Info("Subscribed", loggingpkg.LogFields{
			"pubsub":            sub.PubSubName,
			"topic":             sub.Topic,
			"route":             sub.Route,
			"dead_letter_topic": sub.DeadLetterTopic,
		})
	}
	return nil
}

// deliver hands one broker message to the application and returns the
// outcome as an error: nil, ErrSkip, ErrDeadLetter or a retryable error.
func (s *Service) deliver(sub *subscription) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		msg.Metadata.Set(metadataKeySubscription, sub.name())
		msg.Metadata.Set(metadataKeyTopic, sub.Topic)

		evt, err := eventFromMessage(msg, sub.Subscription)
		if err != nil {
			return cloudevents.ErrDeadLetterWithReason("malformed event", err)
		}
		if cloudevents.Expired(evt, s.now()) {
			return errExpired
		}

		attempt, _ := strconv.Atoi(msg.Metadata.Get(metadataKeyAttempt))
		attempt++
		msg.Metadata.Set(metadataKeyAttempt, strconv.Itoa(attempt))
		evt.Extensions[cloudevents.ExtAttempt] = attempt

		md := metadatapkg.FromWatermill(msg.Metadata).Without(metadataKeyAttempt, metadataKeySubscription, metadataKeyTopic)
		return s.app.DeliverEvent(msg.Context(), sub.Subscription, evt, md)
	}
}

// eventFromMessage parses the CloudEvent carried by msg. Raw payloads are
// wrapped in a fresh envelope with the message id.
func eventFromMessage(msg *message.Message, sub configpkg.Subscription) (cloudevents.Event, error) {
	md := metadatapkg.FromWatermill(msg.Metadata)
	contentType := md.ContentType()
	if contentType == cloudevents.ContentType || (md.Get(metadatapkg.KeyContentType) == "" && looksLikeEvent(msg.Payload)) {
		evt, err := cloudevents.Parse(msg.Payload)
		if err != nil {
			return cloudevents.Event{}, err
		}
		if evt.Extensions == nil {
			evt.Extensions = make(map[string]any)
		}
		return evt, nil
	}
	evt, err := cloudevents.FromPayload("", msg.Payload, contentType)
	if err != nil {
		return cloudevents.Event{}, err
	}
	evt.ID = msg.UUID
	cloudevents.SetRouting(&evt, sub.PubSubName, sub.Topic)
	return evt, nil
}

func looksLikeEvent(payload []byte) bool {
	var probe struct {
		SpecVersion string `json:"specversion"`
	}
	return jsoncodec.Unmarshal(payload, &probe) == nil && probe.SpecVersion != ""
}

// retryMiddleware redelivers retryable failures with exponential backoff.
// The subscription's maxRetries overrides the sidecar setting.
func (s *Service) retryMiddleware(sub *subscription) message.HandlerMiddleware {
	cfg := RetryMiddlewareConfig{
		MaxRetries:      s.Conf.RetryMaxRetries,
		InitialInterval: s.Conf.RetryInitialInterval,
		MaxInterval:     s.Conf.RetryMaxInterval,
	}
	if sub.MaxRetries > 0 {
		cfg.MaxRetries = sub.MaxRetries
	}
	cfg = cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      2,
		Logger:          s.wmLogger,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return cfg.RetryIf(params.Err)
		},
	}.Middleware
}

// outcomeMiddleware settles a delivery: success, drop and expiry ack; a
// dead-letter decision or exhausted retries publish to the dead letter topic
// and ack; anything else nacks so the broker redelivers.
func (s *Service) outcomeMiddleware(sub *subscription) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			sub.stats.start()
			started := s.now()
			_, err := h(msg)
			elapsed := s.now().Sub(started)

			outcome, err := s.settle(sub, msg, err)
			sub.stats.finish(outcome, elapsed, err, s.now())
			if outcome == OutcomeFailed {
				return nil, err
			}
			return nil, nil
		}
	}
}

func (s *Service) settle(sub *subscription, msg *message.Message, err error) (Outcome, error) {
	log := s.Logger.With(loggingpkg.LogFields{
		"topic":        sub.Topic,
		"route":        sub.Route,
		"message_uuid": msg.UUID,
	})
	switch {
	case err == nil:
		return OutcomeDelivered, nil
	case errors.Is(err, errExpired):
		log.Debug("Discarding expired event", nil)
		return OutcomeExpired, nil
	case errors.Is(err, cloudevents.ErrSkip):
		log.Debug("Event dropped by app", nil)
		return OutcomeDropped, err
	}

	if sub.DeadLetterTopic == "" {
		log.Error("Event delivery failed, nacking", err, nil)
		return OutcomeFailed, err
	}
	if dlqErr := s.publishDeadLetter(sub, msg, err); dlqErr != nil {
		log.Error("Publishing to dead letter topic failed, nacking", dlqErr, loggingpkg.LogFields{"dead_letter_topic": sub.DeadLetterTopic})
		return OutcomeFailed, errors.Join(err, dlqErr)
	}
	log.Info("Event moved to dead letter topic", loggingpkg.LogFields{
		"dead_letter_topic": sub.DeadLetterTopic,
		"error":             err.Error(),
	})
	return OutcomeDeadLettered, err
}

// deadLetterMetadata copies md without the delivery bookkeeping keys.
func deadLetterMetadata(md message.Metadata) message.Metadata {
	out := make(message.Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	delete(out, metadataKeyAttempt)
	delete(out, metadataKeySubscription)
	delete(out, metadataKeyTopic)
	return out
}

// publishDeadLetter republishes the event of msg, marked with its original
// topic and the failure, to the dead letter topic of the same component.
func (s *Service) publishDeadLetter(sub *subscription, msg *message.Message, cause error) error {
	evt, err := eventFromMessage(msg, sub.Subscription)
	var payload []byte
	if err == nil {
		cloudevents.PrepareForDLQ(&evt, sub.Topic, cause)
		payload, err = jsoncodec.Marshal(evt)
	}
	if err != nil {
		payload = msg.Payload
	}
	out := message.NewMessage(msg.UUID, payload)
	out.Metadata = deadLetterMetadata(msg.Metadata)
	if err == nil {
		out.Metadata.Set(metadatapkg.KeyContentType, cloudevents.ContentType)
	}
	out.SetContext(msg.Context())
	if err := sub.comp.Publisher.Publish(sub.DeadLetterTopic, out); err != nil {
		return errspkg.BackendUnavailable("pubsub.dead_letter", err).WithComponent(sub.PubSubName)
	}

	attempts, _ := strconv.Atoi(msg.Metadata.Get(metadataKeyAttempt))
	var age time.Duration
	if err == nil && !evt.Time.IsZero() {
		age = s.now().Sub(evt.Time)
	}
	s.dlq.RecordMessageToDLQ(sub.Topic, sub.Route, attempts, age)
	return nil
}

// SubscriptionMetadata lists active subscriptions with their counters.
func (s *Service) SubscriptionMetadata() []api.SubscriptionMetadata {
	subs := s.subscriptions()
	now := s.now()
	out := make([]api.SubscriptionMetadata, 0, len(subs))
	for _, sub := range subs {
		out = append(out, api.SubscriptionMetadata{Subscription: sub.Subscription, Stats: sub.stats.snapshot(now)})
	}
	return out
}
