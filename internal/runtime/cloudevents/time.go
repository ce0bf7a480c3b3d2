package cloudevents

import (
	"time"
)

const (
	TimeFormat     = time.RFC3339
	TimeFormatNano = time.RFC3339Nano
)

var extraTimeFormats = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts RFC3339 with or without fractions and a few looser
// layouts seen in hand-written events.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormatNano, s); err == nil {
		return t, nil
	}
	for _, layout := range extraTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{
		Layout:  TimeFormat,
		Value:   s,
		Message: ": cannot parse as CloudEvents time",
	}
}

// FormatTime renders t in UTC, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormatNano)
}

// Now returns the current UTC time.
func Now() time.Time {
	return time.Now().UTC()
}
