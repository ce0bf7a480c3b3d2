package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Component kinds understood by the runtime.
const (
	KindState        = "state"
	KindPubSub       = "pubsub"
	KindBindings     = "bindings"
	KindSecretStores = "secretstores"
)

var knownKinds = map[string]bool{
	KindState:        true,
	KindPubSub:       true,
	KindBindings:     true,
	KindSecretStores: true,
}

// Manifest is the declarative description of everything a sidecar wires at
// startup.
type Manifest struct {
	AppID         string          `yaml:"appID"`
	Components    []ComponentSpec `yaml:"components"`
	Subscriptions []Subscription  `yaml:"subscriptions"`
	Apps          []AppEndpoint   `yaml:"apps"`
}

// ComponentSpec declares one logical component. Type is "<kind>.<driver>",
// for example "state.sqlite" or "pubsub.kafka".
type ComponentSpec struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Version  string            `yaml:"version"`
	Metadata map[string]string `yaml:"metadata"`
}

// Kind returns the component kind encoded in Type.
func (c ComponentSpec) Kind() string {
	kind, _, _ := strings.Cut(c.Type, ".")
	return kind
}

// Subscription routes a topic of a pub/sub component to an application route.
// A zero MaxRetries uses the sidecar's retry setting.
type Subscription struct {
	PubSubName      string            `yaml:"pubsubname" json:"pubsubname"`
	Topic           string            `yaml:"topic" json:"topic"`
	Route           string            `yaml:"route" json:"route,omitempty"`
	DeadLetterTopic string            `yaml:"deadLetterTopic" json:"deadLetterTopic,omitempty"`
	MaxRetries      int               `yaml:"maxRetries" json:"maxRetries,omitempty"`
	Metadata        map[string]string `yaml:"metadata" json:"metadata,omitempty"`
}

// AppEndpoint resolves a remote application id to its sidecar address.
type AppEndpoint struct {
	AppID   string `yaml:"appID"`
	Address string `yaml:"address"`
}

// LoadManifest reads a YAML manifest. ${VAR} references are expanded from the
// environment before parsing so credentials can stay out of the file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %q: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	expanded := os.ExpandEnv(string(data))

	var m Manifest
	if err := yaml.Unmarshal([]byte(expanded), &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks names, kinds and cross references.
func (m *Manifest) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(m.Components))

	for i, c := range m.Components {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("components[%d]: name is required", i))
			continue
		}
		if !knownKinds[c.Kind()] || !strings.Contains(c.Type, ".") {
			errs = append(errs, fmt.Errorf("component %q: type %q must be <kind>.<driver> with kind one of state, pubsub, bindings, secretstores", c.Name, c.Type))
			continue
		}
		id := c.Kind() + "/" + c.Name
		if seen[id] {
			errs = append(errs, fmt.Errorf("component %q: duplicate %s component", c.Name, c.Kind()))
		}
		seen[id] = true
	}

	for i, s := range m.Subscriptions {
		if s.Topic == "" {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: topic is required", i))
		}
		if !seen[KindPubSub+"/"+s.PubSubName] {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: unknown pubsub component %q", i, s.PubSubName))
		}
		if s.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: maxRetries cannot be negative", i))
		}
	}

	apps := make(map[string]bool, len(m.Apps))
	for i, a := range m.Apps {
		if a.AppID == "" || a.Address == "" {
			errs = append(errs, fmt.Errorf("apps[%d]: appID and address are required", i))
			continue
		}
		if apps[a.AppID] {
			errs = append(errs, fmt.Errorf("apps[%d]: duplicate app %q", i, a.AppID))
		}
		apps[a.AppID] = true
	}

	return errors.Join(errs...)
}

// ComponentsOfKind returns the specs of one kind in declaration order.
func (m *Manifest) ComponentsOfKind(kind string) []ComponentSpec {
	var out []ComponentSpec
	for _, c := range m.Components {
		if c.Kind() == kind {
			out = append(out, c)
		}
	}
	return out
}

var sensitiveMetadataKeys = []string{"password", "secret", "token", "accesskey", "connectionstring", "credentials"}

// RedactedMetadata returns a copy of md safe to log.
func RedactedMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		lower := strings.ToLower(k)
		switch {
		case containsAny(lower, sensitiveMetadataKeys):
			out[k] = "***REDACTED***"
		case strings.Contains(v, "://"):
			out[k] = redactURLCredentials(v)
		default:
			out[k] = v
		}
	}
	return out
}

func (c ComponentSpec) String() string {
	return fmt.Sprintf("{Name:%s Type:%s Version:%s Metadata:%v}", c.Name, c.Type, c.Version, RedactedMetadata(c.Metadata))
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
