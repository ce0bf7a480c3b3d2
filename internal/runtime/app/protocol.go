// Package app is the channel from the sidecar to the application.
//
// The application serves an rpc.Server under the "app" capability. The
// sidecar delivers subscribed events, input binding events, service
// invocations and actor turns to it, and asks it once at startup which
// subscriptions and actor types it has.
package app

import (
	"github.com/drblury/outrigger/internal/runtime/config"
)

// Operations of the app capability.
const (
	OpEvent   = "event"
	OpBinding = "binding"
	OpInvoke  = "invoke"
	OpActor   = "actor"
	OpConfig  = "config"
)

// Metadata keys set by the sidecar on app channel requests.
const (
	MetadataRoute      = "route"
	MetadataPubSubName = "pubsubname"
	MetadataTopic      = "topic"
	MetadataBinding    = "binding"
	MetadataMethod     = "method"
	MetadataHTTPVerb   = "httpVerb"
)

// EventResponse answers an event delivery with a cloudevents status:
// SUCCESS, RETRY, DROP or DEAD_LETTER.
type EventResponse struct {
	Status string `json:"status"`
}

// Config is what the application declares about itself.
type Config struct {
	Subscriptions []config.Subscription `json:"subscriptions,omitempty"`
	ActorTypes    []string              `json:"actorTypes,omitempty"`
	Bindings      []string              `json:"bindings,omitempty"`
}
