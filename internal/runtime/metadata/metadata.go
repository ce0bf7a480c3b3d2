package metadata

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Well known keys carried in request and event metadata.
const (
	KeyContentType  = "contentType"
	KeyTTLInSeconds = "ttlInSeconds"
	KeyTraceParent  = "traceparent"
	KeyTraceState   = "tracestate"
	KeyBaggage      = "baggage"
	KeyCallerAppID  = "outrigger-caller-app-id"
	KeyPartitionKey = "partitionKey"
	KeyRawPayload   = "rawPayload"

	// KeyCorrelationID links events and calls that belong to one flow.
	KeyCorrelationID = "correlation_id"
	// KeyEventSchema names the Go or proto type of a published payload.
	KeyEventSchema = "event_message_schema"
)

// DefaultContentType is assumed when a payload carries no content type.
const DefaultContentType = "application/json"

// Metadata represents the string headers carried alongside a request or event.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get reads key, tolerating a nil map.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// ContentType returns the declared content type or DefaultContentType.
func (m Metadata) ContentType() string {
	if ct := strings.TrimSpace(m.Get(KeyContentType)); ct != "" {
		return ct
	}
	return DefaultContentType
}

// TTL parses ttlInSeconds. ok is false when the key is absent; a malformed or
// non-positive value is reported as an error.
func (m Metadata) TTL() (ttl time.Duration, ok bool, err error) {
	raw := strings.TrimSpace(m.Get(KeyTTLInSeconds))
	if raw == "" {
		return 0, false, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	if secs <= 0 || secs > math.MaxInt64/int64(time.Second) {
		return 0, false, strconv.ErrRange
	}
	return time.Duration(secs) * time.Second, true, nil
}

// Bool parses a boolean flag, false when absent or malformed.
func (m Metadata) Bool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(m.Get(key)))
	return err == nil && v
}

// Without returns a copy of m with the listed keys removed.
func (m Metadata) Without(keys ...string) Metadata {
	cloned := m.Clone()
	for _, k := range keys {
		delete(cloned, k)
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
