package storage

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAzureBackend(t *testing.T) {
	tests := []struct {
		name    string
		config  AzureConfig
		wantErr bool
	}{
		{
			name: "missing container",
			config: AzureConfig{
				AccountName: "devstoreaccount1",
				AccountKey:  "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==",
			},
			wantErr: true,
		},
		{
			name: "emulator endpoint",
			config: AzureConfig{
				AccountName:   "devstoreaccount1",
				AccountKey:    "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==",
				ContainerName: "events",
				Endpoint:      "http://127.0.0.1:10000/devstoreaccount1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := NewAzureBackend(tt.config, testLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "azure", backend.Name())
			assert.NoError(t, backend.Close())
		})
	}
}

func TestAzureConnectionString(t *testing.T) {
	withEndpoint := connectionString(AzureConfig{
		AccountName: "acct",
		AccountKey:  "key",
		Endpoint:    "http://127.0.0.1:10000/acct",
	})
	assert.Equal(t, "DefaultEndpointsProtocol=https;AccountName=acct;AccountKey=key;BlobEndpoint=http://127.0.0.1:10000/acct", withEndpoint)

	public := connectionString(AzureConfig{AccountName: "acct", AccountKey: "key"})
	assert.True(t, strings.HasSuffix(public, "EndpointSuffix=core.windows.net"))
}

func TestSplitBlocks(t *testing.T) {
	tests := []struct {
		name string
		size int
		want []int
	}{
		{name: "empty", size: 0, want: nil},
		{name: "smaller than one block", size: 10, want: []int{10}},
		{name: "exactly one block", size: 16, want: []int{16}},
		{name: "spills into second block", size: 17, want: []int{16, 1}},
		{name: "several blocks", size: 40, want: []int{16, 16, 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte("x"), tt.size)
			blocks := splitBlocks(data, 16)

			var got []int
			for _, b := range blocks {
				got = append(got, len(b))
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, data, bytes.Join(blocks, nil))
		})
	}
}

func TestAzureHandle_EmptyFlushIsNoop(t *testing.T) {
	h := &azureHandle{}
	assert.NoError(t, h.Flush(context.Background()))
}
