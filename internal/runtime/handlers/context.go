// Package handlers decodes delivered pub/sub events into typed payloads.
//
// Applications register topic handlers as Func values. BuildJSONHandler and
// BuildProtoHandler wrap a typed function so it receives the decoded payload
// together with the CloudEvent and its delivery metadata.
package handlers

import (
	"context"

	"github.com/drblury/outrigger/internal/runtime/cloudevents"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
)

// Event is one delivery of a subscribed topic.
type Event struct {
	cloudevents.Event

	PubSubName string
	Topic      string
	Route      string
	// Metadata holds the delivery metadata forwarded by the sidecar.
	Metadata metadatapkg.Metadata
}

// Func handles one event. The returned error steers redelivery, see
// cloudevents.ClassifyError.
type Func func(ctx context.Context, evt Event) error

// MessageContextBase holds what JSON and proto handlers share.
type MessageContextBase struct {
	Event    cloudevents.Event
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

func newBase(evt Event, logger loggingpkg.ServiceLogger) MessageContextBase {
	return MessageContextBase{
		Event:    evt.Event,
		Metadata: evt.Metadata,
		Logger:   loggingpkg.OrDiscard(logger).With(loggingpkg.LogFields{"topic": evt.Topic, "event_id": evt.ID}),
	}
}

// CloneMetadata copies the delivery metadata so handlers can reuse it on
// events they publish.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[metadatapkg.KeyCorrelationID]
}

// Attempt returns the delivery attempt recorded on the event, 1 for the
// first delivery.
func (b MessageContextBase) Attempt() int {
	if n := cloudevents.GetAttempt(b.Event); n > 0 {
		return n
	}
	return 1
}
