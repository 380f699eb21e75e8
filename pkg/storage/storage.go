// Package storage defines interfaces for event storage operations.
//
// This package provides the abstractions the sink writes through: a Backend that
// opens append-only files on some filesystem (HDFS, local disk, object stores) and
// the Handle it returns for one open file.
package storage

import (
	"context"

	"github.com/jittakal/kafeventsink/pkg/event"
)

// Backend is a filesystem the sink can open files on.
type Backend interface {
	// Name identifies the backend in logs and metrics (e.g. "hdfs", "s3").
	Name() string

	// Exists reports whether a file is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Create opens a new file at path. With overwrite set an existing file is truncated.
	Create(ctx context.Context, path string, overwrite bool) (Handle, error)

	// Append opens an existing file at path for appending.
	Append(ctx context.Context, path string) (Handle, error)

	// SetReplication sets the replication factor for path. Backends without
	// replication accept and ignore it.
	SetReplication(ctx context.Context, path string, factor int16) error

	// Close releases the backend client.
	Close() error
}

// Handle is one open, append-only file.
type Handle interface {
	// Write appends p to the file.
	Write(p []byte) (int, error)

	// Flush makes everything written so far visible to readers without closing.
	Flush(ctx context.Context) error

	// Close flushes and releases the file.
	Close(ctx context.Context) error
}

// Router determines the output path for a record.
type Router interface {
	// Route returns the cleaned absolute path the record's template resolves to.
	Route(record *event.Record) string
}
