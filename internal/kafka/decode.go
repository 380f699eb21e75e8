package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"

	"github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/event"
)

// Kafka protocol binding header names for binary content mode.
const (
	ceHeaderPrefix    = "ce_"
	contentTypeHeader = "content-type"
)

// DecodeMessage turns a Kafka message into a CloudEvent.
//
// Messages carrying a ce_specversion header are read in binary content mode
// (attributes in headers, value is the data); anything else must be a
// structured-mode JSON CloudEvent. Version 0.3 events are converted to 1.0.
// A message that decodes but fails CloudEvents validation yields a
// *errors.ValidationError.
func DecodeMessage(message *sarama.ConsumerMessage) (*event.CloudEvent, error) {
	headers := extractHeaders(message.Headers)

	var (
		ce  cloudevents.Event
		err error
	)
	if _, binary := headers[ceHeaderPrefix+"specversion"]; binary {
		ce, err = fromBinary(headers, message.Value)
	} else {
		ce, err = fromStructured(message.Value)
	}
	if err != nil {
		return nil, err
	}

	if ce.SpecVersion() == cloudevents.VersionV03 {
		ce.SetSpecVersion(cloudevents.VersionV1)
	}

	if err := ce.Validate(); err != nil {
		return nil, &errors.ValidationError{
			EventID: ce.ID(),
			Field:   "cloudevent",
			Reason:  err.Error(),
		}
	}

	return toCloudEvent(ce), nil
}

func fromStructured(value []byte) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	if err := json.Unmarshal(value, &ce); err != nil {
		return ce, fmt.Errorf("failed to unmarshal cloud event: %w", err)
	}
	return ce, nil
}

func fromBinary(headers map[string]string, value []byte) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent(headers[ceHeaderPrefix+"specversion"])

	for name, v := range headers {
		if !strings.HasPrefix(name, ceHeaderPrefix) {
			continue
		}
		switch attr := strings.TrimPrefix(name, ceHeaderPrefix); attr {
		case "specversion":
		case "id":
			ce.SetID(v)
		case "source":
			ce.SetSource(v)
		case "type":
			ce.SetType(v)
		case "subject":
			ce.SetSubject(v)
		case "dataschema":
			ce.SetDataSchema(v)
		case "time":
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return ce, fmt.Errorf("invalid ce_time header %q: %w", v, err)
			}
			ce.SetTime(t)
		default:
			ce.SetExtension(attr, v)
		}
	}

	if ct, ok := headers[contentTypeHeader]; ok {
		ce.SetDataContentType(ct)
	}
	if len(value) > 0 {
		ce.DataEncoded = value
	}
	return ce, nil
}

func toCloudEvent(ce cloudevents.Event) *event.CloudEvent {
	out := &event.CloudEvent{
		ID:          ce.ID(),
		Source:      ce.Source(),
		SpecVersion: ce.SpecVersion(),
		Type:        ce.Type(),
	}
	if s := ce.Subject(); s != "" {
		out.Subject = &s
	}
	if s := ce.DataContentType(); s != "" {
		out.DataContentType = &s
	}
	if s := ce.DataSchema(); s != "" {
		out.DataSchema = &s
	}
	if t := ce.Time(); !t.IsZero() {
		t = t.UTC()
		out.Time = &t
	}

	if data := ce.Data(); len(data) > 0 {
		if json.Valid(data) {
			out.Data = json.RawMessage(data)
		} else {
			// non-JSON payloads are carried as a JSON string
			quoted, _ := json.Marshal(string(data))
			out.Data = quoted
		}
	}

	if exts := ce.Extensions(); len(exts) > 0 {
		out.Extensions = make(map[string]interface{}, len(exts))
		for name, value := range exts {
			s, err := types.Format(value)
			if err != nil {
				s = fmt.Sprint(value)
			}
			out.Extensions[name] = s
		}
	}

	return out
}

// extractHeaders extracts headers from a Kafka message. Header names are lower-cased.
func extractHeaders(headers []*sarama.RecordHeader) map[string]string {
	result := make(map[string]string, len(headers))
	for _, header := range headers {
		if header == nil {
			continue
		}
		result[strings.ToLower(string(header.Key))] = string(header.Value)
	}
	return result
}
