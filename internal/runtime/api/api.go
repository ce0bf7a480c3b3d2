// Package api defines the operations of the sidecar capabilities and their
// request and response bodies. The sidecar handlers and the application
// client share these types; they travel as JSON payloads of rpc.Request.
package api

import (
	"github.com/drblury/outrigger/internal/runtime/actors"
	"github.com/drblury/outrigger/internal/runtime/config"
	"github.com/drblury/outrigger/internal/runtime/state"
	"github.com/drblury/outrigger/transport"
)

// State operations.
const (
	OpSaveState   = "save"
	OpGetState    = "get"
	OpBulkGet     = "bulk_get"
	OpDeleteState = "delete"
	OpTransaction = "transaction"
)

// Pub/sub, bindings, secrets and service invocation operations.
const (
	OpPublish       = "publish"
	OpInvokeBinding = "invoke"
	OpGetSecret     = "get"
	OpBulkGetSecret = "bulk_get"
	OpInvokeMethod  = "invoke"
)

// Actor operations.
const (
	OpInvokeActor        = "invoke"
	OpGetActorState      = "get_state"
	OpRegisterTimer      = "register_timer"
	OpUnregisterTimer    = "unregister_timer"
	OpRegisterReminder   = "register_reminder"
	OpUnregisterReminder = "unregister_reminder"
	OpGetReminder        = "get_reminder"
)

// Metadata and health operations.
const (
	OpGetMetadata = "get"
	OpProbe       = "probe"
)

type SaveStateRequest struct {
	StoreName string       `json:"storeName"`
	Items     []state.Item `json:"items"`
}

type GetStateRequest struct {
	StoreName string            `json:"storeName"`
	Key       string            `json:"key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// BulkGetStateRequest reads several keys. Parallelism bounds concurrent
// single-key reads on drivers without a native bulk read.
type BulkGetStateRequest struct {
	StoreName   string   `json:"storeName"`
	Keys        []string `json:"keys"`
	Parallelism int      `json:"parallelism,omitempty"`
}

// BulkGetStateResponse is aligned with the requested keys.
type BulkGetStateResponse struct {
	Items []state.GetResponse `json:"items"`
}

type DeleteStateRequest struct {
	StoreName string  `json:"storeName"`
	Key       string  `json:"key"`
	ETag      *string `json:"etag,omitempty"`
}

type TransactionRequest struct {
	StoreName  string            `json:"storeName"`
	Operations []state.Operation `json:"operations"`
}

// PublishRequest publishes Data to Topic. ContentType defaults to
// application/json; Metadata may carry ttlInSeconds.
type PublishRequest struct {
	PubSubName  string            `json:"pubsubName"`
	Topic       string            `json:"topic"`
	Data        []byte            `json:"data,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type PublishResponse struct {
	ID string `json:"id"`
}

type BindingRequest struct {
	Name      string            `json:"name"`
	Operation string            `json:"operation"`
	Data      []byte            `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type GetSecretRequest struct {
	StoreName string            `json:"storeName"`
	Key       string            `json:"key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type BulkGetSecretRequest struct {
	StoreName string            `json:"storeName"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// InvokeRequest calls Method on the application AppID.
type InvokeRequest struct {
	AppID       string            `json:"appId"`
	Method      string            `json:"method"`
	Data        []byte            `json:"data,omitempty"`
	HTTPVerb    string            `json:"httpVerb,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type InvokeResponse struct {
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// InvokeActorRequest runs Method on Ref. Kind defaults to a method call;
// sidecars forwarding timer and reminder turns set it.
type InvokeActorRequest struct {
	Ref      actors.Ref        `json:"ref"`
	Kind     actors.CallKind   `json:"kind,omitempty"`
	Method   string            `json:"method"`
	Data     []byte            `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ActorStateRequest struct {
	Ref actors.Ref `json:"ref"`
	Key string     `json:"key"`
}

type ActorStateResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type TimerRequest struct {
	Ref   actors.Ref   `json:"ref"`
	Timer actors.Timer `json:"timer"`
}

type ReminderRequest struct {
	Ref      actors.Ref      `json:"ref"`
	Reminder actors.Reminder `json:"reminder"`
}

// UnregisterRequest names a timer or reminder of Ref.
type UnregisterRequest struct {
	Ref  actors.Ref `json:"ref"`
	Name string     `json:"name"`
}

type GetReminderResponse struct {
	Reminder actors.Reminder `json:"reminder"`
	Found    bool            `json:"found"`
}

// ComponentMetadata describes one loaded component.
type ComponentMetadata struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	// Transport is set for pubsub components.
	Transport *transport.Capabilities `json:"transport,omitempty"`
}

type ActorMetadata struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// SubscriptionMetadata is a declared subscription with its delivery counters.
type SubscriptionMetadata struct {
	config.Subscription
	Stats *SubscriptionStats `json:"stats,omitempty"`
}

// SubscriptionStats summarise deliveries of one subscription since start.
type SubscriptionStats struct {
	Delivered      int64   `json:"delivered"`
	Failed         int64   `json:"failed"`
	DeadLettered   int64   `json:"deadLettered"`
	Dropped        int64   `json:"dropped"`
	Expired        int64   `json:"expired"`
	LastError      string  `json:"lastError,omitempty"`
	InFlight       int64   `json:"inFlight"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	P95LatencyMs   float64 `json:"p95LatencyMs"`
	MaxLatencyMs   float64 `json:"maxLatencyMs"`
	RatePerSecond  float64 `json:"ratePerSecond"`
	LastDeliveryAt string  `json:"lastDeliveryAt,omitempty"`
}

type MetadataResponse struct {
	AppID          string                 `json:"appId"`
	RuntimeVersion string                 `json:"runtimeVersion"`
	Components     []ComponentMetadata    `json:"components"`
	Subscriptions  []SubscriptionMetadata `json:"subscriptions"`
	Actors         []ActorMetadata        `json:"actors,omitempty"`
	InputBindings  []string               `json:"inputBindings,omitempty"`
	OutputBindings []string               `json:"outputBindings,omitempty"`
	Extended       map[string]string      `json:"extended,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
