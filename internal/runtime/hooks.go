package runtime

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
)

// DeliveryContext describes one delivery of a subscription message to the
// application.
type DeliveryContext struct {
	// Handler is the router handler name, pubsub:topic:route.
	Handler string
	// Topic the message was received from.
	Topic       string
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration and Attempts are only set in OnDelivered and OnFailed.
	Duration time.Duration
	Attempts int
}

// DeliveryHooks are callbacks around each delivery. Nil hooks are skipped.
type DeliveryHooks struct {
	OnStart     func(ctx DeliveryContext)
	OnDelivered func(ctx DeliveryContext)
	// OnFailed is called for deliveries that end nacked. Dropped and
	// dead-lettered messages count as delivered.
	OnFailed func(ctx DeliveryContext, err error)
}

func (h DeliveryHooks) empty() bool {
	return h.OnStart == nil && h.OnDelivered == nil && h.OnFailed == nil
}

// Merge combines two hook sets; the hooks of other run after those of h.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnStart:     chainHooks(h.OnStart, other.OnStart),
		OnDelivered: chainHooks(h.OnDelivered, other.OnDelivered),
		OnFailed:    chainErrorHooks(h.OnFailed, other.OnFailed),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func deliveryHooksMiddleware(hooks DeliveryHooks, now func() time.Time) message.HandlerMiddleware {
	if now == nil {
		now = time.Now
	}
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			dc := DeliveryContext{
				Handler:     message.HandlerNameFromCtx(msg.Context()),
				Topic:       message.SubscribeTopicFromCtx(msg.Context()),
				MessageUUID: msg.UUID,
				Metadata:    msg.Metadata,
				Context:     msg.Context(),
				StartedAt:   now(),
			}

			if hooks.OnStart != nil {
				hooks.OnStart(dc)
			}

			msgs, err := h(msg)
			dc.Duration = now().Sub(dc.StartedAt)
			dc.Attempts, _ = strconv.Atoi(msg.Metadata.Get(metadataKeyAttempt))

			if err != nil {
				if hooks.OnFailed != nil {
					hooks.OnFailed(dc, err)
				}
			} else if hooks.OnDelivered != nil {
				hooks.OnDelivered(dc)
			}
			return msgs, err
		}
	}
}

// LoggingHooks logs every delivery.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	logger = loggingpkg.OrDiscard(logger)
	return DeliveryHooks{
		OnStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", loggingpkg.LogFields{
				"handler":      ctx.Handler,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
			})
		},
		OnDelivered: func(ctx DeliveryContext) {
			logger.Info("Delivery completed", loggingpkg.LogFields{
				"handler":      ctx.Handler,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"attempts":     ctx.Attempts,
			})
		},
		OnFailed: func(ctx DeliveryContext, err error) {
			logger.Error("Delivery failed", err, loggingpkg.LogFields{
				"handler":      ctx.Handler,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks forwards deliveries to simple counters keyed by topic.
func MetricsHooks(onStart, onDelivered, onFailed func(handler, topic string)) DeliveryHooks {
	return DeliveryHooks{
		OnStart: func(ctx DeliveryContext) {
			if onStart != nil {
				onStart(ctx.Handler, ctx.Topic)
			}
		},
		OnDelivered: func(ctx DeliveryContext) {
			if onDelivered != nil {
				onDelivered(ctx.Handler, ctx.Topic)
			}
		},
		OnFailed: func(ctx DeliveryContext, err error) {
			if onFailed != nil {
				onFailed(ctx.Handler, ctx.Topic)
			}
		},
	}
}
