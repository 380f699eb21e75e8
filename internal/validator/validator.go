// Package validator checks records before they reach the sink.
package validator

import (
	"encoding/json"
	"fmt"

	"github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/event"
)

// Ensure implementation satisfies interface at compile time.
var _ event.Validator = (*CloudEventsValidator)(nil)

// CloudEventsValidator validates CloudEvents attributes and, optionally, that
// each record carries a set of field references.
type CloudEventsValidator struct {
	requiredFields []string
}

// NewCloudEventsValidator creates a new CloudEvents validator. requiredFields
// are field references ("host", "[data][user][id]") every record must resolve.
func NewCloudEventsValidator(requiredFields ...string) *CloudEventsValidator {
	return &CloudEventsValidator{requiredFields: requiredFields}
}

// Validate validates a CloudEvent.
func (v *CloudEventsValidator) Validate(e *event.CloudEvent) error {
	if e == nil {
		return &errors.ValidationError{Field: "event", Reason: "event is nil"}
	}

	required := []struct {
		field string
		value string
	}{
		{"id", e.ID},
		{"source", e.Source},
		{"specversion", e.SpecVersion},
		{"type", e.Type},
	}
	for _, attr := range required {
		if attr.value == "" {
			return &errors.ValidationError{
				EventID: e.ID,
				Field:   attr.field,
				Reason:  "required field is missing",
			}
		}
	}

	if e.SpecVersion != "1.0" {
		return &errors.ValidationError{
			EventID: e.ID,
			Field:   "specversion",
			Reason:  fmt.Sprintf("unsupported version: %s (supported: 1.0)", e.SpecVersion),
		}
	}

	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return &errors.ValidationError{
			EventID: e.ID,
			Field:   "data",
			Reason:  "data is not valid JSON",
		}
	}

	return nil
}

// ValidateRecord validates the record's event and checks the required fields.
func (v *CloudEventsValidator) ValidateRecord(r *event.Record) error {
	if err := v.Validate(r.Event); err != nil {
		return err
	}
	for _, ref := range v.requiredFields {
		if _, ok := r.Lookup(ref); !ok {
			return &errors.ValidationError{
				EventID: r.EventID(),
				Field:   ref,
				Reason:  "required field is missing",
			}
		}
	}
	return nil
}
