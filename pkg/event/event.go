// Package event defines core event types and interfaces for event processing.
//
// This package contains the public API for working with CloudEvents
// and event metadata. It follows CloudEvents 1.0 specification.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CloudEvent represents a CloudEvents 1.0 event.
// See https://github.com/cloudevents/spec/blob/v1.0/spec.md
type CloudEvent struct {
	// Required attributes
	ID          string `json:"id"`
	Source      string `json:"source"`
	SpecVersion string `json:"specversion"`
	Type        string `json:"type"`

	// Optional attributes
	DataContentType *string    `json:"datacontenttype,omitempty"`
	DataSchema      *string    `json:"dataschema,omitempty"`
	Subject         *string    `json:"subject,omitempty"`
	Time            *time.Time `json:"time,omitempty"`

	// Event data - can be any JSON value (object, array, string, number, etc.)
	Data json.RawMessage `json:"data,omitempty"`

	// Extension attributes
	Extensions map[string]interface{} `json:"-"`
}

// KafkaMetadata contains Kafka-specific metadata for an event.
type KafkaMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Position formats where the message sits in Kafka as "topic/partition@offset".
func (m KafkaMetadata) Position() string {
	return fmt.Sprintf("%s/%d@%d", m.Topic, m.Partition, m.Offset)
}

// Record is one event as seen by the sink: the CloudEvent plus where it came from.
type Record struct {
	Event       *CloudEvent
	Kafka       KafkaMetadata
	ProcessedAt time.Time

	data        interface{}
	dataDecoded bool
}

// FileStats contains statistics about a single output stream.
type FileStats struct {
	RecordCount    int
	SizeBytes      int64
	FirstWriteTime time.Time
	LastWriteTime  time.Time
}

// PayloadFormat selects how a record is serialized when no message format is configured.
type PayloadFormat string

const (
	FormatJSON     PayloadFormat = "json"
	FormatAvroJSON PayloadFormat = "avro_json"
)

// Validator validates CloudEvents.
type Validator interface {
	// Validate checks if a CloudEvent is valid according to the spec.
	Validate(event *CloudEvent) error
}

// ConsumedEvent represents an event consumed from Kafka.
//
// When the message value is not a CloudEvent, Event is nil and DecodeErr says why.
// Raw always holds the message value.
type ConsumedEvent struct {
	Event      *CloudEvent
	Metadata   KafkaMetadata
	Raw        []byte
	DecodeErr  error
	CommitFunc func() error
}

// Record converts a successfully decoded event into a sink record.
func (c *ConsumedEvent) Record(processedAt time.Time) *Record {
	return &Record{
		Event:       c.Event,
		Kafka:       c.Metadata,
		ProcessedAt: processedAt,
	}
}

// GetEventTime returns the event's timestamp.
// It returns the CloudEvent.Time if present, otherwise falls back to Kafka message timestamp.
func (r *Record) GetEventTime() time.Time {
	if r.Event != nil && r.Event.Time != nil {
		return *r.Event.Time
	}
	// Fallback to Kafka timestamp (when message was produced)
	return r.Kafka.Timestamp
}

// EventID returns the CloudEvent id, or an empty string for a record without an event.
func (r *Record) EventID() string {
	if r.Event == nil {
		return ""
	}
	return r.Event.ID
}

// Lookup resolves a field reference against the record.
//
// A reference is either a bare name ("host") or a bracketed path
// ("[data][host]", "[kafka][headers][trace]"). Bare names are looked up as
// CloudEvents attributes first, then extension attributes, then top-level
// keys of a JSON object payload.
func (r *Record) Lookup(ref string) (interface{}, bool) {
	segments := splitFieldRef(ref)
	if len(segments) == 0 {
		return nil, false
	}

	head, rest := segments[0], segments[1:]
	switch head {
	case "kafka":
		if len(rest) > 0 {
			return r.lookupKafka(rest)
		}
	case "data":
		data, ok := r.payload()
		if !ok {
			return nil, false
		}
		return descend(data, rest)
	}

	if value, ok := r.attribute(head); ok {
		return descend(value, rest)
	}
	if r.Event != nil {
		if value, ok := r.Event.Extensions[head]; ok {
			return descend(value, rest)
		}
	}
	if data, ok := r.payload(); ok {
		if obj, isObj := data.(map[string]interface{}); isObj {
			if value, ok := obj[head]; ok {
				return descend(value, rest)
			}
		}
	}
	return nil, false
}

func (r *Record) attribute(name string) (interface{}, bool) {
	e := r.Event
	if e == nil {
		return nil, false
	}
	switch name {
	case "id":
		return e.ID, true
	case "source":
		return e.Source, true
	case "specversion":
		return e.SpecVersion, true
	case "type":
		return e.Type, true
	case "subject":
		if e.Subject != nil {
			return *e.Subject, true
		}
	case "datacontenttype":
		if e.DataContentType != nil {
			return *e.DataContentType, true
		}
	case "dataschema":
		if e.DataSchema != nil {
			return *e.DataSchema, true
		}
	case "time":
		if e.Time != nil {
			return e.Time.UTC().Format(time.RFC3339Nano), true
		}
	}
	return nil, false
}

func (r *Record) lookupKafka(path []string) (interface{}, bool) {
	switch path[0] {
	case "topic":
		return r.Kafka.Topic, len(path) == 1
	case "partition":
		return int64(r.Kafka.Partition), len(path) == 1
	case "offset":
		return r.Kafka.Offset, len(path) == 1
	case "key":
		return string(r.Kafka.Key), len(path) == 1
	case "timestamp":
		return r.Kafka.Timestamp.UTC().Format(time.RFC3339Nano), len(path) == 1
	case "headers":
		if len(path) != 2 {
			return nil, false
		}
		value, ok := r.Kafka.Headers[path[1]]
		return value, ok
	}
	return nil, false
}

// payload decodes the event data once; numbers are kept as json.Number.
func (r *Record) payload() (interface{}, bool) {
	if !r.dataDecoded {
		r.dataDecoded = true
		if r.Event != nil && len(r.Event.Data) > 0 {
			dec := json.NewDecoder(bytes.NewReader(r.Event.Data))
			dec.UseNumber()
			var v interface{}
			if err := dec.Decode(&v); err == nil {
				r.data = v
			}
		}
	}
	return r.data, r.data != nil
}

func descend(value interface{}, path []string) (interface{}, bool) {
	for _, key := range path {
		switch node := value.(type) {
		case map[string]interface{}:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			value = next
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			value = node[idx]
		default:
			return nil, false
		}
	}
	return value, true
}

// splitFieldRef turns "[a][b]" into ["a", "b"] and "a" into ["a"].
func splitFieldRef(ref string) []string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	if !strings.HasPrefix(ref, "[") {
		return []string{ref}
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(ref, "["), "]"), "][")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

// reservedKeys are the top-level keys MarshalJSON writes itself.
var reservedKeys = map[string]bool{
	"id": true, "source": true, "specversion": true, "type": true,
	"subject": true, "datacontenttype": true, "dataschema": true, "time": true,
	"data": true, "kafka": true,
}

// extensionKeyPrefix renames an extension whose name is a reserved key.
const extensionKeyPrefix = "ext_"

// MarshalJSON renders the record as a single JSON object: CloudEvents attributes and
// extensions at the top level, the raw data, and a "kafka" object. Keys are sorted.
// An extension named like a reserved key is written as "ext_<name>"; it is
// dropped only if that name is taken by another extension.
func (r *Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]interface{}, 12)

	if e := r.Event; e != nil {
		for name, value := range e.Extensions {
			if !reservedKeys[name] {
				doc[name] = value
			}
		}
		for name, value := range e.Extensions {
			if !reservedKeys[name] {
				continue
			}
			if _, taken := doc[extensionKeyPrefix+name]; !taken {
				doc[extensionKeyPrefix+name] = value
			}
		}
		doc["id"] = e.ID
		doc["source"] = e.Source
		doc["specversion"] = e.SpecVersion
		doc["type"] = e.Type
		if e.Subject != nil {
			doc["subject"] = *e.Subject
		}
		if e.DataContentType != nil {
			doc["datacontenttype"] = *e.DataContentType
		}
		if e.DataSchema != nil {
			doc["dataschema"] = *e.DataSchema
		}
		if e.Time != nil {
			doc["time"] = e.Time.UTC().Format(time.RFC3339Nano)
		}
		if len(e.Data) > 0 {
			doc["data"] = e.Data
		}
	}

	kafka := map[string]interface{}{
		"topic":     r.Kafka.Topic,
		"partition": r.Kafka.Partition,
		"offset":    r.Kafka.Offset,
	}
	if !r.Kafka.Timestamp.IsZero() {
		kafka["timestamp"] = r.Kafka.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	doc["kafka"] = kafka

	return json.Marshal(doc)
}
