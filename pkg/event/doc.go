// Package event holds the types that flow from the Kafka consumer to the sink.
//
// A ConsumedEvent is what the consumer delivers: the raw message value, its
// Kafka metadata, the decoded CloudEvent (or the reason decoding failed) and
// a CommitFunc. Once decoded it becomes a Record, the unit the sink routes
// and encodes.
//
// Path and message templates reference record fields with Lookup:
//
//	record.Lookup("host")                    // attribute, extension, then data key
//	record.Lookup("[data][request][method]") // nested payload field
//	record.Lookup("[kafka][headers][trace]") // Kafka metadata
//
// Date patterns in templates use GetEventTime, which prefers the CloudEvent
// time attribute and falls back to the Kafka message timestamp.
package event
