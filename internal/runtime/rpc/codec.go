package rpc

import (
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
)

func encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case struct{}:
		return nil, nil
	}
	return jsoncodec.Marshal(v)
}

func decode(data []byte, v any) error {
	if raw, ok := v.(*[]byte); ok {
		*raw = append([]byte(nil), data...)
		return nil
	}
	return jsoncodec.Unmarshal(data, v)
}

// Encode marshals v into a payload. Byte slices pass through untouched.
func Encode(v any) ([]byte, error) { return encode(v) }

// Decode unmarshals a payload into v. A *[]byte target receives a copy.
func Decode(data []byte, v any) error { return decode(data, v) }
