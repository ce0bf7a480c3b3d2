// Package cloudevents wraps published payloads in CloudEvents 1.0 envelopes.
//
// The sidecar builds an Event for every publish: the id is a ULID, the source
// is the publishing app id, and runtime facts (topic, trace context, expiry,
// delivery attempts) travel as flattened extension attributes.
package cloudevents

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	idspkg "github.com/drblury/outrigger/internal/runtime/ids"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// ContentType is the structured-mode media type of a serialized Event.
const ContentType = "application/cloudevents+json"

// DefaultType is the event type of payloads published without one.
const DefaultType = "com.outrigger.event.sent"

// Event is a CloudEvents 1.0 envelope.
type Event struct {
	SpecVersion string
	Type        string
	Source      string
	ID          string
	Time        time.Time

	DataContentType *string
	DataSchema      *string
	Subject         *string

	// Data holds JSON data as a json.RawMessage or text data as a string.
	Data any
	// DataBase64 carries binary data.
	DataBase64 *string

	// Extensions are flattened into the top-level JSON object.
	Extensions map[string]any
}

// New creates an event with a ULID id and the current time.
func New(eventType, source string, data any) Event {
	return Event{
		SpecVersion: SpecVersion,
		Type:        eventType,
		Source:      source,
		ID:          idspkg.CreateULID(),
		Time:        Now(),
		Data:        data,
		Extensions:  make(map[string]any),
	}
}

// NewWithID creates an event with a caller chosen id.
func NewWithID(id, eventType, source string, data any) Event {
	evt := New(eventType, source, data)
	evt.ID = id
	return evt
}

// FromPayload wraps raw publish bytes. JSON payloads are embedded as data,
// text payloads as a string and anything else as data_base64. A JSON content
// type with a payload that is not valid JSON is rejected.
func FromPayload(source string, payload []byte, contentType string) (Event, error) {
	evt := New(DefaultType, source, nil).WithDataContentType(contentType)
	switch {
	case len(payload) == 0:
	case IsJSON(contentType):
		if !jsoncodec.Valid(payload) {
			return Event{}, fmt.Errorf("payload is not valid JSON for content type %q", contentType)
		}
		evt.Data = json.RawMessage(append([]byte(nil), payload...))
	case strings.HasPrefix(contentType, "text/"):
		evt.Data = string(payload)
	default:
		encoded := base64.StdEncoding.EncodeToString(payload)
		evt.DataBase64 = &encoded
	}
	return evt, nil
}

// IsJSON reports whether contentType names a JSON media type.
func IsJSON(contentType string) bool {
	mediaType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	mediaType = strings.TrimSpace(mediaType)
	return mediaType == "application/json" || mediaType == "text/json" || strings.HasSuffix(mediaType, "+json")
}

// Payload returns the data bytes as they were published.
func (e Event) Payload() ([]byte, error) {
	if e.DataBase64 != nil {
		return base64.StdEncoding.DecodeString(*e.DataBase64)
	}
	switch d := e.Data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append([]byte(nil), d...), nil
	case []byte:
		return append([]byte(nil), d...), nil
	case string:
		if IsJSON(e.ContentType()) {
			return jsoncodec.Marshal(d)
		}
		return []byte(d), nil
	default:
		return jsoncodec.Marshal(d)
	}
}

// ContentType returns the data content type, or application/json.
func (e Event) ContentType() string {
	if e.DataContentType != nil && *e.DataContentType != "" {
		return *e.DataContentType
	}
	return "application/json"
}

func (e Event) WithSubject(subject string) Event {
	e.Subject = &subject
	return e
}

func (e Event) WithDataContentType(contentType string) Event {
	e.DataContentType = &contentType
	return e
}

func (e Event) WithDataSchema(schema string) Event {
	e.DataSchema = &schema
	return e
}

// WithExtension sets an extension attribute on a copy of the event.
func (e Event) WithExtension(key string, value any) Event {
	e = e.Clone()
	e.Extensions[key] = value
	return e
}

// GetExtension returns the extension value or nil.
func (e Event) GetExtension(key string) any {
	if e.Extensions == nil {
		return nil
	}
	return e.Extensions[key]
}

// GetExtensionString formats non-string values with %v.
func (e Event) GetExtensionString(key string) string {
	switch v := e.GetExtension(key).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetExtensionInt returns 0 when the extension is missing or not numeric.
func (e Event) GetExtensionInt(key string) int {
	switch n := e.GetExtension(key).(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func (e Event) GetExtensionBool(key string) bool {
	b, _ := e.GetExtension(key).(bool)
	return b
}

// GetExtensionTime reads an RFC3339 string or unix seconds.
func (e Event) GetExtensionTime(key string) time.Time {
	switch t := e.GetExtension(key).(type) {
	case time.Time:
		return t
	case string:
		parsed, err := ParseTime(t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	case int64:
		return time.Unix(t, 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

// Validate checks the required attributes.
func (e Event) Validate() error {
	switch {
	case e.SpecVersion != SpecVersion:
		return fmt.Errorf("specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	case e.Type == "":
		return fmt.Errorf("type is required")
	case e.Source == "":
		return fmt.Errorf("source is required")
	case e.ID == "":
		return fmt.Errorf("id is required")
	}
	return nil
}

// Clone returns a deep copy. The extensions map of the copy is never nil.
func (e Event) Clone() Event {
	cloned := e
	cloned.DataContentType = cloneString(e.DataContentType)
	cloned.DataSchema = cloneString(e.DataSchema)
	cloned.Subject = cloneString(e.Subject)
	cloned.DataBase64 = cloneString(e.DataBase64)
	if raw, ok := e.Data.(json.RawMessage); ok {
		cloned.Data = append(json.RawMessage(nil), raw...)
	}
	cloned.Extensions = make(map[string]any, len(e.Extensions))
	for k, v := range e.Extensions {
		cloned.Extensions[k] = v
	}
	return cloned
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var knownAttributes = map[string]bool{
	"specversion":     true,
	"type":            true,
	"source":          true,
	"id":              true,
	"time":            true,
	"datacontenttype": true,
	"dataschema":      true,
	"subject":         true,
	"data":            true,
	"data_base64":     true,
}

// MarshalJSON writes the structured JSON format.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Extensions)+10)
	for k, v := range e.Extensions {
		if !knownAttributes[k] {
			m[k] = v
		}
	}

	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = e.Time.UTC().Format(TimeFormatNano)
	}
	if e.DataContentType != nil {
		m["datacontenttype"] = *e.DataContentType
	}
	if e.DataSchema != nil {
		m["dataschema"] = *e.DataSchema
	}
	if e.Subject != nil {
		m["subject"] = *e.Subject
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if e.DataBase64 != nil {
		m["data_base64"] = *e.DataBase64
	}
	return jsoncodec.Marshal(m)
}

// UnmarshalJSON reads the structured JSON format. JSON data is kept raw so
// Payload returns the published bytes.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}
	*e = Event{Extensions: make(map[string]any)}

	strs := map[string]*string{
		"specversion": &e.SpecVersion,
		"type":        &e.Type,
		"source":      &e.Source,
		"id":          &e.ID,
	}
	for key, dst := range strs {
		if raw, ok := m[key]; ok {
			if err := jsoncodec.Unmarshal(raw, dst); err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
		}
	}

	optional := map[string]**string{
		"datacontenttype": &e.DataContentType,
		"dataschema":      &e.DataSchema,
		"subject":         &e.Subject,
		"data_base64":     &e.DataBase64,
	}
	for key, dst := range optional {
		if raw, ok := m[key]; ok {
			var v string
			if err := jsoncodec.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = &v
		}
	}

	if raw, ok := m["time"]; ok {
		var s string
		if err := jsoncodec.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
		t, err := ParseTime(s)
		if err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
		e.Time = t
	}

	if raw, ok := m["data"]; ok {
		if IsJSON(e.ContentType()) {
			e.Data = append(json.RawMessage(nil), raw...)
		} else {
			var s string
			if err := jsoncodec.Unmarshal(raw, &s); err == nil {
				e.Data = s
			} else {
				e.Data = append(json.RawMessage(nil), raw...)
			}
		}
	}

	for k, raw := range m {
		if knownAttributes[k] {
			continue
		}
		var v any
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("invalid extension %q: %w", k, err)
		}
		e.Extensions[k] = v
	}
	return nil
}

// Parse decodes a structured event and validates it.
func Parse(data []byte) (Event, error) {
	var evt Event
	if err := jsoncodec.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode cloudevent: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}
