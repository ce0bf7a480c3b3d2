package cloudevents

import (
	"time"
)

// Extension attribute names set by the runtime. CloudEvents restricts
// extension names to lower-case alphanumerics.
const (
	ExtTopic         = "topic"
	ExtPubSubName    = "pubsubname"
	ExtTraceParent   = "traceparent"
	ExtTraceState    = "tracestate"
	ExtExpiration    = "expiration"
	ExtAttempt       = "attempt"
	ExtDeadLetter    = "deadletter"
	ExtOriginalTopic = "originaltopic"
	ExtErrorMessage  = "errormessage"
	ExtPartitionKey  = "partitionkey"
)

func (e *Event) set(key string, value any) {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
}

// SetRouting records where the event was published.
func SetRouting(evt *Event, pubsubName, topic string) {
	evt.set(ExtPubSubName, pubsubName)
	evt.set(ExtTopic, topic)
}

// GetTopic returns the topic the event was published to.
func GetTopic(evt Event) string {
	return evt.GetExtensionString(ExtTopic)
}

// SetTraceContext copies W3C trace headers onto the event. Empty values are
// skipped.
func SetTraceContext(evt *Event, traceParent, traceState string) {
	if traceParent != "" {
		evt.set(ExtTraceParent, traceParent)
	}
	if traceState != "" {
		evt.set(ExtTraceState, traceState)
	}
}

// TraceContext returns the traceparent and tracestate extensions.
func TraceContext(evt Event) (traceParent, traceState string) {
	return evt.GetExtensionString(ExtTraceParent), evt.GetExtensionString(ExtTraceState)
}

// SetExpiration stamps the absolute expiry of an event with a time to live.
func SetExpiration(evt *Event, at time.Time) {
	evt.set(ExtExpiration, FormatTime(at))
}

// GetExpiration returns the expiry, zero when the event never expires.
func GetExpiration(evt Event) time.Time {
	return evt.GetExtensionTime(ExtExpiration)
}

// Expired reports whether evt carries an expiration at or before now.
func Expired(evt Event, now time.Time) bool {
	at := GetExpiration(evt)
	return !at.IsZero() && !now.Before(at)
}

// GetAttempt returns the delivery attempt number, 0 before the first.
func GetAttempt(evt Event) int {
	return evt.GetExtensionInt(ExtAttempt)
}

// IncrementAttempt bumps the attempt counter and returns the new value.
func IncrementAttempt(evt *Event) int {
	n := GetAttempt(*evt) + 1
	evt.set(ExtAttempt, n)
	return n
}

func IsDeadLetter(evt Event) bool {
	return evt.GetExtensionBool(ExtDeadLetter)
}

func GetOriginalTopic(evt Event) string {
	return evt.GetExtensionString(ExtOriginalTopic)
}

func GetErrorMessage(evt Event) string {
	return evt.GetExtensionString(ExtErrorMessage)
}

// PrepareForDLQ marks evt as dead-lettered from originalTopic because of err.
func PrepareForDLQ(evt *Event, originalTopic string, err error) {
	evt.set(ExtDeadLetter, true)
	evt.set(ExtOriginalTopic, originalTopic)
	if err != nil {
		evt.set(ExtErrorMessage, err.Error())
	}
}
