// Package encoder renders events as output lines.
//
// # Encoders
//
//   - TemplateEncoder: expands sink.message_format with %{...} field references
//   - JSONEncoder: the full record as one JSON document (default)
//   - AvroJSONEncoder: the record as Avro JSON text against the sink record schema
//
// # Encoder Factory
//
// A configured message format always wins over the payload format:
//
//	factory := encoder.NewFactory(cfg.MessageFormat, event.FormatJSON)
//	enc, err := factory.CreateEncoder()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	payload, err := enc.Encode(record)
//
// Encoders never append the line terminator; the stream layer writes it.
//
// # Thread Safety
//
// Encoder instances hold no per-record state and are safe for concurrent use.
package encoder
