// Package errors holds the error values shared by the consumer, the sink and
// the storage backends.
//
// Two families matter to callers. Anything matching ErrInvalidEvent is a
// property of the event itself and is dead-lettered as a validation failure.
// A *StorageError is a property of the filesystem; whether retrying can help
// is reported by IsRetryable.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrConsumerClosed     = errors.New("consumer is closed")
	ErrPublisherClosed    = errors.New("dead letter publisher is closed")
	ErrInvalidEvent       = errors.New("invalid event")
	ErrSinkClosed         = errors.New("sink is closed")
	ErrStreamClosed       = errors.New("stream is closed")
	ErrInvalidTemplate    = errors.New("invalid path template")
	ErrUnsupportedBackend = errors.New("unsupported storage backend")
)

// ValidationError is an event missing a required attribute or carrying a
// malformed one.
type ValidationError struct {
	EventID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: event_id=%s field=%s: %s", e.EventID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEvent }

// EncodeError is an event whose payload cannot be rendered in the configured
// message format, e.g. data that is not valid for the Avro schema.
type EncodeError struct {
	EventID string
	Encoder string
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode error: event_id=%s encoder=%s: %v", e.EventID, e.Encoder, e.Err)
}

// Unwrap matches both ErrInvalidEvent and the encoder's own error.
func (e *EncodeError) Unwrap() []error { return []error{ErrInvalidEvent, e.Err} }

// StorageError is a failed filesystem call. Operation is one of exists,
// create, append, open, write, flush or close.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: operation=%s path=%s: %v", e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Retryable reports whether the failed call can succeed on a fresh stream.
// Lookups and closes are not retried.
func (e *StorageError) Retryable() bool {
	switch e.Operation {
	case "create", "append", "open", "write", "flush":
		return true
	}
	return false
}

// ConfigError stops the sink from starting.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: field=%s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsRetryable walks the chain for an error that reports Retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
