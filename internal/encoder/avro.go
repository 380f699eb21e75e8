package encoder

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/jittakal/kafeventsink/pkg/encoder"
	"github.com/jittakal/kafeventsink/pkg/event"
)

// Ensure implementation satisfies interface at compile time.
var _ encoder.Encoder = (*AvroJSONEncoder)(nil)

// AvroJSONEncoder renders records as Avro JSON text, one document per line,
// against the sink record schema.
type AvroJSONEncoder struct {
	codec *goavro.Codec
}

// NewAvroJSONEncoder creates a new Avro JSON encoder.
func NewAvroJSONEncoder() (*AvroJSONEncoder, error) {
	codec, err := goavro.NewCodec(avroSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}
	return &AvroJSONEncoder{codec: codec}, nil
}

// avroSchema returns the Avro schema for sink records.
func avroSchema() string {
	return `{
		"type": "record",
		"name": "SinkRecord",
		"namespace": "com.kafka.event.sink",
		"fields": [
			{"name": "spec_version", "type": "string"},
			{"name": "id", "type": "string"},
			{"name": "source", "type": "string"},
			{"name": "type", "type": "string"},
			{"name": "subject", "type": ["null", "string"], "default": null},
			{"name": "data_content_type", "type": ["null", "string"], "default": null},
			{"name": "data_schema", "type": ["null", "string"], "default": null},
			{"name": "time", "type": ["null", "string"], "default": null},
			{"name": "extensions", "type": {"type": "map", "values": "string"}, "default": {}},
			{"name": "data", "type": "string"},
			{"name": "kafka_topic", "type": "string"},
			{"name": "kafka_partition", "type": "int"},
			{"name": "kafka_offset", "type": "long"},
			{"name": "kafka_timestamp", "type": "string"},
			{"name": "ingested_at", "type": "string"}
		]
	}`
}

// Encode renders record as Avro JSON.
func (e *AvroJSONEncoder) Encode(record *event.Record) ([]byte, error) {
	if record.Event == nil {
		return nil, fmt.Errorf("record has no event")
	}
	native, err := convertToAvroMap(record)
	if err != nil {
		return nil, fmt.Errorf("failed to convert record: %w", err)
	}
	text, err := e.codec.TextualFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return text, nil
}

// Name returns "avro_json".
func (e *AvroJSONEncoder) Name() string { return string(event.FormatAvroJSON) }

// convertToAvroMap converts a Record to Avro map representation.
func convertToAvroMap(record *event.Record) (map[string]interface{}, error) {
	data := "null"
	if len(record.Event.Data) > 0 {
		data = string(record.Event.Data)
	}

	extensions := make(map[string]interface{}, len(record.Event.Extensions))
	for name, value := range record.Event.Extensions {
		if s, ok := value.(string); ok {
			extensions[name] = s
			continue
		}
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("extension %s: %w", name, err)
		}
		extensions[name] = string(b)
	}

	avroMap := map[string]interface{}{
		"spec_version":      record.Event.SpecVersion,
		"id":                record.Event.ID,
		"source":            record.Event.Source,
		"type":              record.Event.Type,
		"subject":           optionalString(record.Event.Subject),
		"data_content_type": optionalString(record.Event.DataContentType),
		"data_schema":       optionalString(record.Event.DataSchema),
		"time":              nil,
		"extensions":        extensions,
		"data":              data,
		"kafka_topic":       record.Kafka.Topic,
		"kafka_partition":   record.Kafka.Partition,
		"kafka_offset":      record.Kafka.Offset,
		"kafka_timestamp":   record.Kafka.Timestamp.UTC().Format(time.RFC3339Nano),
		"ingested_at":       record.ProcessedAt.UTC().Format(time.RFC3339Nano),
	}
	if record.Event.Time != nil {
		avroMap["time"] = goavro.Union("string", record.Event.Time.UTC().Format(time.RFC3339Nano))
	}

	return avroMap, nil
}

func optionalString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return goavro.Union("string", *s)
}
