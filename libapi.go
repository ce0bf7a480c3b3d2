package outrigger

import (
	"context"

	runtimepkg "github.com/drblury/outrigger/internal/runtime"
	"github.com/drblury/outrigger/internal/runtime/actors"
	"github.com/drblury/outrigger/internal/runtime/api"
	"github.com/drblury/outrigger/internal/runtime/app"
	"github.com/drblury/outrigger/internal/runtime/client"
	ce "github.com/drblury/outrigger/internal/runtime/cloudevents"
	configpkg "github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	handlerpkg "github.com/drblury/outrigger/internal/runtime/handlers"
	idspkg "github.com/drblury/outrigger/internal/runtime/ids"
	jsoncodec "github.com/drblury/outrigger/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/rpc"
	"github.com/drblury/outrigger/internal/runtime/state"
	"github.com/drblury/outrigger/transport"
	"google.golang.org/protobuf/proto"
)

type (
	Config              = configpkg.Config
	Manifest            = configpkg.Manifest
	ComponentSpec       = configpkg.ComponentSpec
	Subscription        = configpkg.Subscription
	AppEndpoint         = configpkg.AppEndpoint
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	// DLQ metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQTopicMetrics    = runtimepkg.DLQTopicMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	// Application side
	Client                               = client.Client
	StateOption                          = client.StateOption
	PublishOption                        = client.PublishOption
	InvokeOption                         = client.InvokeOption
	ActorProxy                           = client.ActorProxy
	App                                  = app.App
	Invocation                           = app.Invocation
	Content                              = app.Content
	BindingEvent                         = app.BindingEvent
	Event                                = handlerpkg.Event
	EventHandler                         = handlerpkg.Func
	MessageContextBase                   = handlerpkg.MessageContextBase
	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any]            = handlerpkg.JSONMessageHandler[T]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	CloudEvent                           = ce.Event

	// Actors
	ActorRef      = actors.Ref
	Actor         = actors.Actor
	ActorFactory  = actors.Factory
	ActorHost     = actors.Host
	ActorTurn     = actors.Turn
	ActorTimer    = actors.Timer
	ActorReminder = actors.Reminder

	// State
	StateItem        = state.Item
	StateOperation   = state.Operation
	StateGetResponse = state.GetResponse

	MetadataResponse = api.MetadataResponse

	Metadata      = metadatapkg.Metadata
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Error     = errspkg.Error
	ErrorKind = errspkg.Kind

	Channel = rpc.Channel

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig
	LoadManifest   = configpkg.LoadManifest
	ParseManifest  = configpkg.ParseManifest

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	DeliveryHooksMiddleware = runtimepkg.DeliveryHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	MetricsHooks            = runtimepkg.MetricsHooks
	NewDLQMetrics           = runtimepkg.NewDLQMetrics

	NewClient        = client.New
	DialClient       = client.Dial
	NewApp           = app.New
	WithAppLogger    = app.WithLogger
	NewActorHost     = actors.NewHost
	NewLoopback      = rpc.NewLoopback
	NewHTTPChannel   = rpc.NewHTTPChannel
	WithETag         = client.WithETag
	SaveStateJSON    = client.SaveStateJSON
	WithStateTTL     = client.WithStateTTL
	WithContentType  = client.WithContentType
	WithTTL          = client.WithTTL
	WithRawPayload   = client.WithRawPayload
	WithHTTPVerb     = client.WithHTTPVerb
	WithCallTimeout  = rpc.WithTimeout
	WithCallerAppID  = rpc.WithCallerAppID
	NewCloudEvent    = ce.New
	GetAttempt       = ce.GetAttempt
	IsDeadLetter     = ce.IsDeadLetter
	GetOriginalTopic = ce.GetOriginalTopic
	GetErrorMessage  = ce.GetErrorMessage

	// Handler outcomes
	ErrRetry                = ce.ErrRetry
	ErrDeadLetter           = ce.ErrDeadLetter
	ErrSkip                 = ce.ErrSkip
	ErrRetryAfter           = ce.ErrRetryAfter
	ErrDeadLetterWithReason = ce.ErrDeadLetterWithReason
	IsRetryable             = ce.IsRetryable
	ShouldDeadLetter        = ce.ShouldDeadLetter

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrComponentNotFound     = errspkg.ErrComponentNotFound
	ErrPreconditionFailed    = errspkg.ErrPreconditionFailed
	ErrTransactionAborted    = errspkg.ErrTransactionAborted
	ErrDeadlineExceeded      = errspkg.ErrDeadlineExceeded
	ErrOperationNotSupported = errspkg.ErrOperationNotSupported
	ErrBackendUnavailable    = errspkg.ErrBackendUnavailable
	ErrInvalidArgument       = errspkg.ErrInvalidArgument
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrStoreRequired         = errspkg.ErrStoreRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	IsKind                   = errspkg.IsKind
	KindOf                   = errspkg.KindOf

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewDiscardLogger     = loggingpkg.NewDiscardLogger

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID
)

// BuildJSONHandler adapts a typed JSON handler for App.AddTopicHandler.
func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger ServiceLogger) (EventHandler, error) {
	return handlerpkg.BuildJSONHandler(handler, logger)
}

// BuildProtoHandler adapts a typed proto handler for App.AddTopicHandler.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger ServiceLogger) (EventHandler, error) {
	return handlerpkg.BuildProtoHandler(prototype, handler, nil, logger)
}

// GetStateJSON reads key from store and decodes it into a T.
func GetStateJSON[T any](ctx context.Context, c *Client, store, key string) (T, string, bool, error) {
	return client.GetStateJSON[T](ctx, c, store, key)
}

// Metadata keys understood by the sidecar.
const (
	MetadataKeyContentType   = metadatapkg.KeyContentType
	MetadataKeyTTLInSeconds  = metadatapkg.KeyTTLInSeconds
	MetadataKeyRawPayload    = metadatapkg.KeyRawPayload
	MetadataKeyPartitionKey  = metadatapkg.KeyPartitionKey
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyEventSchema   = metadatapkg.KeyEventSchema
)

// Error kinds returned by every capability.
const (
	KindComponentNotFound     = errspkg.KindComponentNotFound
	KindPreconditionFailed    = errspkg.KindPreconditionFailed
	KindTransactionAborted    = errspkg.KindTransactionAborted
	KindDeadlineExceeded      = errspkg.KindDeadlineExceeded
	KindOperationNotSupported = errspkg.KindOperationNotSupported
	KindBackendUnavailable    = errspkg.KindBackendUnavailable
	KindInvalidArgument       = errspkg.KindInvalidArgument
	KindInternal              = errspkg.KindInternal
)

// CloudEvents extension keys set by the sidecar.
const (
	ExtAttempt       = ce.ExtAttempt
	ExtDeadLetter    = ce.ExtDeadLetter
	ExtOriginalTopic = ce.ExtOriginalTopic
	ExtErrorMessage  = ce.ExtErrorMessage
	ExtExpiration    = ce.ExtExpiration
)
