package encoder

import (
	"github.com/jittakal/kafeventsink/internal/fieldref"
	"github.com/jittakal/kafeventsink/pkg/encoder"
	"github.com/jittakal/kafeventsink/pkg/event"
)

// Ensure implementations satisfy interface at compile time.
var (
	_ encoder.Encoder = (*TemplateEncoder)(nil)
	_ encoder.Encoder = (*JSONEncoder)(nil)
)

// TemplateEncoder renders a message_format template with the same field
// reference rules as path templates.
type TemplateEncoder struct {
	format string
}

// NewTemplateEncoder creates an encoder for format.
func NewTemplateEncoder(format string) *TemplateEncoder {
	return &TemplateEncoder{format: format}
}

// Encode expands the template against record.
func (e *TemplateEncoder) Encode(record *event.Record) ([]byte, error) {
	return []byte(fieldref.Expand(e.format, record)), nil
}

// Name returns "template".
func (e *TemplateEncoder) Name() string { return "template" }

// JSONEncoder renders the full record as one JSON document.
type JSONEncoder struct{}

// NewJSONEncoder creates a JSON encoder.
func NewJSONEncoder() *JSONEncoder {
	return &JSONEncoder{}
}

// Encode serializes record with Record.MarshalJSON.
func (e *JSONEncoder) Encode(record *event.Record) ([]byte, error) {
	return record.MarshalJSON()
}

// Name returns "json".
func (e *JSONEncoder) Name() string { return string(event.FormatJSON) }
