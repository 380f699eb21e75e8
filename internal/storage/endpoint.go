package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// BackendConfig carries per-backend settings that do not fit in an endpoint URL.
type BackendConfig struct {
	HDFS  HDFSConfig
	S3    S3Config
	GCS   GCSConfig
	Azure AzureConfig
	File  FileConfig
}

// Endpoint is a parsed storage_endpoint.
type Endpoint struct {
	Scheme string
	// Hosts holds namenode addresses for hdfs.
	Hosts []string
	// Bucket is the bucket (s3, gs) or container (wasbs).
	Bucket string
	// Account is the Azure storage account.
	Account string
	// Path is the base directory for file endpoints.
	Path string
}

// ParseEndpoint parses a storage endpoint such as "hdfs://namenode:8020",
// "s3://bucket", "gs://bucket", "wasbs://container@account", "file:///base" or "memory://".
func ParseEndpoint(endpoint string) (Endpoint, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Endpoint{}, &apperrors.ConfigError{Field: "sink.storage_endpoint", Reason: "invalid URL", Err: err}
	}

	ep := Endpoint{Scheme: strings.ToLower(u.Scheme)}
	switch ep.Scheme {
	case "hdfs":
		for _, host := range strings.Split(u.Host, ",") {
			if host = strings.TrimSpace(host); host != "" {
				ep.Hosts = append(ep.Hosts, host)
			}
		}
		if len(ep.Hosts) == 0 {
			return Endpoint{}, &apperrors.ConfigError{Field: "sink.storage_endpoint", Reason: "hdfs endpoint needs a namenode address"}
		}
	case "s3", "gs":
		ep.Bucket = u.Host
		if ep.Bucket == "" {
			return Endpoint{}, &apperrors.ConfigError{Field: "sink.storage_endpoint", Reason: ep.Scheme + " endpoint needs a bucket"}
		}
	case "wasbs", "wasb", "azure":
		if u.User != nil {
			ep.Bucket = u.User.Username()
		}
		ep.Account = strings.SplitN(u.Host, ".", 2)[0]
		if ep.Bucket == "" || ep.Account == "" {
			return Endpoint{}, &apperrors.ConfigError{Field: "sink.storage_endpoint", Reason: "azure endpoint must be container@account"}
		}
		ep.Scheme = "wasbs"
	case "file":
		if u.Path != "" && u.Path != "/" {
			ep.Path = path.Clean(u.Path)
		}
	case "memory":
	default:
		return Endpoint{}, &apperrors.ConfigError{
			Field:  "sink.storage_endpoint",
			Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme),
			Err:    apperrors.ErrUnsupportedBackend,
		}
	}
	return ep, nil
}

// NewBackend creates the backend selected by the endpoint scheme.
func NewBackend(endpoint string, cfg BackendConfig, logger *slog.Logger) (storage.Backend, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	switch ep.Scheme {
	case "hdfs":
		hdfsCfg := cfg.HDFS
		hdfsCfg.Addresses = ep.Hosts
		return NewHDFSBackend(hdfsCfg, logger)
	case "s3":
		s3Cfg := cfg.S3
		s3Cfg.Bucket = ep.Bucket
		return NewS3Backend(s3Cfg, logger)
	case "gs":
		gcsCfg := cfg.GCS
		gcsCfg.Bucket = ep.Bucket
		return NewGCSBackend(gcsCfg, logger)
	case "wasbs":
		azureCfg := cfg.Azure
		azureCfg.ContainerName = ep.Bucket
		azureCfg.AccountName = ep.Account
		return NewAzureBackend(azureCfg, logger)
	case "file":
		fileCfg := cfg.File
		if ep.Path != "" {
			fileCfg.BasePath = ep.Path
		}
		return NewFileBackend(fileCfg, logger)
	case "memory":
		logger.Warn("using in-memory storage backend; output is discarded on exit")
		return NewMemoryBackend(), nil
	}
	return nil, apperrors.ErrUnsupportedBackend
}
