package encoder

import (
	"fmt"

	"github.com/jittakal/kafeventsink/pkg/encoder"
	"github.com/jittakal/kafeventsink/pkg/event"
)

// Factory creates encoders based on format and configuration.
type Factory struct {
	messageFormat string
	format        event.PayloadFormat
}

// NewFactory creates a new encoder factory. A non-empty messageFormat takes
// precedence over format.
func NewFactory(messageFormat string, format event.PayloadFormat) *Factory {
	return &Factory{
		messageFormat: messageFormat,
		format:        format,
	}
}

// CreateEncoder creates an encoder based on the configured format.
func (f *Factory) CreateEncoder() (encoder.Encoder, error) {
	if f.messageFormat != "" {
		return NewTemplateEncoder(f.messageFormat), nil
	}

	switch f.format {
	case event.FormatJSON, "":
		return NewJSONEncoder(), nil
	case event.FormatAvroJSON:
		return NewAvroJSONEncoder()
	default:
		return nil, fmt.Errorf("unsupported payload format: %s", f.format)
	}
}

// SupportedFormats returns a list of supported payload formats.
func SupportedFormats() []event.PayloadFormat {
	return []event.PayloadFormat{
		event.FormatJSON,
		event.FormatAvroJSON,
	}
}
