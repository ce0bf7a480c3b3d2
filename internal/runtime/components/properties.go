package components

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Properties is the string metadata of one component declaration.
type Properties map[string]string

// String returns the trimmed value for key or def when absent.
func (p Properties) String(key, def string) string {
	if v, ok := p[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Required returns the value for key or an error naming the missing key.
func (p Properties) Required(key string) (string, error) {
	v := p.String(key, "")
	if v == "" {
		return "", fmt.Errorf("metadata %q is required", key)
	}
	return v, nil
}

// Int parses key as an integer.
func (p Properties) Int(key string, def int) (int, error) {
	raw := p.String(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("metadata %q: %w", key, err)
	}
	return v, nil
}

// Bool parses key as a boolean.
func (p Properties) Bool(key string, def bool) (bool, error) {
	raw := p.String(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("metadata %q: %w", key, err)
	}
	return v, nil
}

// Duration parses key as a Go duration. A bare integer is read as seconds.
func (p Properties) Duration(key string, def time.Duration) (time.Duration, error) {
	raw := p.String(key, "")
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("metadata %q: %w", key, err)
	}
	return v, nil
}

// List splits a comma separated value, dropping empty entries.
func (p Properties) List(key string) []string {
	raw := p.String(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
