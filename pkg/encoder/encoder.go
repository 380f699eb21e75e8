// Package encoder defines the interface for rendering one event as an output line.
package encoder

import "github.com/jittakal/kafeventsink/pkg/event"

// Encoder renders a record as the payload of one output line.
type Encoder interface {
	// Encode returns the payload without a trailing newline.
	Encode(record *event.Record) ([]byte, error)

	// Name identifies the encoder in logs ("template", "json", "avro_json").
	Name() string
}
