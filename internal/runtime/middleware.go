package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/outrigger/internal/runtime/ids"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/tracing"
)

// MiddlewareBuilder constructs a router middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on
// the subscription router. Router middlewares wrap every subscription,
// outside the per-subscription retry and dead-letter handling.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		DeliveryHooksMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Prometheus router metrics and serves /metrics on
// the metrics port.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			if err := s.dlq.Register(); err != nil {
				return nil, err
			}
			metricsBuilder := metrics.NewPrometheusMetricsBuilder(s.reg, "outrigger", "subscriptions")
			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each delivered message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
					msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
				}
				return h(msg)
			}
		},
	}
}

// LogMessagesMiddleware logs the payload and metadata of delivered messages
// at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware continues the publisher's trace in a consumer span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return tracerMiddleware(tracing.New(s.tracer)), nil
		},
	}
}

// DeliveryHooksMiddleware calls the hooks given in ServiceDependencies.
func DeliveryHooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "delivery_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.hooks.empty() {
				return nil, nil
			}
			return deliveryHooksMiddleware(s.hooks, s.now), nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Delivering message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(interceptor *tracing.Interceptor) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			md := metadatapkg.FromWatermill(msg.Metadata)
			ctx, span := interceptor.Inbound(msg.Context(), "subscription.deliver", trace.SpanKindConsumer, md,
				attribute.String("messaging.message.id", msg.UUID),
				attribute.String("messaging.destination.name", message.SubscribeTopicFromCtx(msg.Context())),
			)
			msg.SetContext(ctx)
			out, err := h(msg)
			tracing.End(span, err)
			return out, err
		}
	}
}
