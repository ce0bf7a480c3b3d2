package transport

// Capabilities describes what a pubsub backend guarantees. The sidecar reads
// them to decide which delivery features it emulates itself.
type Capabilities struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`

	// SupportsDelay means the backend delays delivery natively.
	SupportsDelay bool `json:"supportsDelay"`
	// SupportsNativeDLQ means failed messages land in a backend owned dead
	// letter store instead of the sidecar's poison topic.
	SupportsNativeDLQ bool `json:"supportsNativeDlq"`
	SupportsOrdering  bool `json:"supportsOrdering"`
	SupportsTracing   bool `json:"supportsTracing"`
	SupportsBatching  bool `json:"supportsBatching"`
	SupportsAck       bool `json:"supportsAck"`
	// SupportsNack means a nacked message is redelivered by the backend.
	SupportsNack         bool `json:"supportsNack"`
	SupportsPriority     bool `json:"supportsPriority"`
	SupportsPartitioning bool `json:"supportsPartitioning"`

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64 `json:"maxMessageSize,omitempty"`
	// MaxDelayDuration in milliseconds, 0 when unknown.
	MaxDelayDuration int64 `json:"maxDelayDuration,omitempty"`
}

func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once delivery: ack plus redelivery
// on nack.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsPriority:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    256 << 10,
		MaxDelayDuration:  900000,
	}

	SQLiteCapabilities = Capabilities{
		Name:              "sqlite",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	PostgresCapabilities = Capabilities{
		Name:              "postgres",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}
)

// GetCapabilities looks name up in DefaultRegistry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
