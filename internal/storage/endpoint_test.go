package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     Endpoint
	}{
		{"hdfs://namenode:8020", Endpoint{Scheme: "hdfs", Hosts: []string{"namenode:8020"}}},
		{"hdfs://nn1:8020,nn2:8020", Endpoint{Scheme: "hdfs", Hosts: []string{"nn1:8020", "nn2:8020"}}},
		{"s3://event-archive", Endpoint{Scheme: "s3", Bucket: "event-archive"}},
		{"gs://event-archive", Endpoint{Scheme: "gs", Bucket: "event-archive"}},
		{"wasbs://events@myaccount", Endpoint{Scheme: "wasbs", Bucket: "events", Account: "myaccount"}},
		{"wasbs://events@myaccount.blob.core.windows.net", Endpoint{Scheme: "wasbs", Bucket: "events", Account: "myaccount"}},
		{"file:///", Endpoint{Scheme: "file"}},
		{"file:///srv/data/", Endpoint{Scheme: "file", Path: "/srv/data"}},
		{"memory://", Endpoint{Scheme: "memory"}},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := ParseEndpoint(tt.endpoint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEndpoint_Errors(t *testing.T) {
	tests := []string{
		"ftp://host",
		"hdfs://",
		"s3://",
		"wasbs://account",
		"://bad",
	}

	for _, endpoint := range tests {
		t.Run(endpoint, func(t *testing.T) {
			_, err := ParseEndpoint(endpoint)
			require.Error(t, err)

			var cfgErr *apperrors.ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestParseEndpoint_UnsupportedScheme(t *testing.T) {
	_, err := ParseEndpoint("ftp://host")
	assert.True(t, errors.Is(err, apperrors.ErrUnsupportedBackend))
}

func TestNewBackend_LocalBackends(t *testing.T) {
	mem, err := NewBackend("memory://", BackendConfig{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "memory", mem.Name())

	base := filepath.ToSlash(t.TempDir())
	file, err := NewBackend("file://"+base, BackendConfig{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "file", file.Name())
	assert.Equal(t, filepath.FromSlash(base), file.(*FileBackend).basePath)
}
