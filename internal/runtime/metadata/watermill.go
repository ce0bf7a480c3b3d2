package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies broker message metadata.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies metadata into a broker message metadata map.
func ToWatermill(metadata Metadata) message.Metadata {
	if len(metadata) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(metadata))
	for k, v := range metadata {
		wm[k] = v
	}
	return wm
}

// ApplyTo sets every entry of md on msg, overwriting existing keys.
func (m Metadata) ApplyTo(msg *message.Message) {
	if msg == nil {
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata, len(m))
	}
	for k, v := range m {
		msg.Metadata.Set(k, v)
	}
}
