// Package transport holds the broker backends behind pubsub components.
//
// Each backend lives in its own sub-package and registers a Builder under
// its name from init. The sidecar exposes every registered backend as the
// component type "pubsub.<name>"; the component metadata of the manifest
// entry arrives here as Config.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outrigger/internal/runtime/components"
)

// Message metadata understood by backends.
const (
	// MetadataDelay asks queue backends to hold a message back, as a Go duration.
	MetadataDelay = "outrigger_delay"
	// MetadataError is set on a message before it is nacked; backends with
	// their own dead letter table record it as the failure reason.
	MetadataError = "outrigger_error"
)

// Transport combines the publisher and subscriber of one backend.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and the subscriber. A value serving both roles
// is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Config is the component declaration a backend is built from.
type Config struct {
	// Name is the logical component name.
	Name string
	// AppID is the application the sidecar serves. Backends with consumer
	// groups use it so replicas of one app compete for messages.
	AppID string
	// Metadata holds the backend specific settings.
	Metadata components.Properties
}

// Builder creates a backend from its component declaration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// CapabilitiesProvider is implemented by backends that report capabilities
// per instance.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// DLQManager is implemented by backends with their own dead letter table.
type DLQManager interface {
	GetDLQCount(topic string) (int64, error)
	ReplayDLQMessage(dlqID int64) error
	ReplayAllDLQ(topic string) (int64, error)
	PurgeDLQ(topic string) (int64, error)
}

// DLQLister is implemented by backends that can page through dead letters.
type DLQLister interface {
	ListDLQMessages(topic string, limit, offset int) ([]DLQMessage, error)
}

// DLQMessage is one dead lettered message.
type DLQMessage struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
	RetryCount    int               `json:"retry_count"`
}

// QueueIntrospector reports queue depth.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}

// DelayedPublisher delivers messages after a delay.
type DelayedPublisher interface {
	PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error
}
