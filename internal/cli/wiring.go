package cli

import (
	"time"

	"github.com/jittakal/kafeventsink/internal/config/dto"
	"github.com/jittakal/kafeventsink/internal/kafka"
	"github.com/jittakal/kafeventsink/internal/observability"
	"github.com/jittakal/kafeventsink/internal/sink"
	"github.com/jittakal/kafeventsink/internal/storage"
	"github.com/jittakal/kafeventsink/pkg/event"
)

func loggingConfig(cfg *dto.ApplicationConfig) observability.LoggingConfig {
	return observability.LoggingConfig{
		Level:     cfg.Observability.Logging.Level,
		Format:    cfg.Observability.Logging.Format,
		Output:    cfg.Observability.Logging.Output,
		AddSource: cfg.Observability.Logging.AddSource,
		Service:   cfg.Application.Name,
		Version:   cfg.Application.Version,
	}
}

func consumerConfig(cfg *dto.ApplicationConfig) kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		BootstrapServers:    cfg.Kafka.BootstrapServers,
		GroupID:             cfg.Kafka.Consumer.GroupID,
		SecurityProtocol:    cfg.Kafka.SecurityProtocol,
		SASLMechanism:       cfg.Kafka.SASLMechanism,
		SASLUsername:        cfg.Kafka.SASLUsername,
		SASLPassword:        cfg.Kafka.SASLPassword,
		AWSRegion:           cfg.Kafka.AWSRegion,
		TLSSkipVerify:       cfg.Kafka.TLSSkipVerify,
		AutoOffsetReset:     cfg.Kafka.Consumer.AutoOffsetReset,
		EnableAutoCommit:    cfg.Kafka.Consumer.EnableAutoCommit,
		MaxPollIntervalMS:   cfg.Kafka.Consumer.MaxPollIntervalMS,
		SessionTimeoutMS:    cfg.Kafka.Consumer.SessionTimeoutMS,
		HeartbeatIntervalMS: cfg.Kafka.Consumer.HeartbeatIntervalMS,
	}
}

func dlqConfig(cfg *dto.ApplicationConfig) kafka.DLQConfig {
	return kafka.DLQConfig{
		Enabled:     cfg.Kafka.DLQ.Enabled,
		TopicSuffix: cfg.Kafka.DLQ.TopicSuffix,
	}
}

func sinkConfig(cfg *dto.ApplicationConfig) sink.Config {
	return sink.Config{
		Path:            cfg.Sink.Path,
		MessageFormat:   cfg.Sink.MessageFormat,
		FilenameFailure: cfg.Sink.FilenameFailure,
		CreateIfDeleted: cfg.Sink.CreateIfDeleted,
		Gzip:            cfg.Sink.Gzip,
		FlushInterval:   time.Duration(cfg.Sink.FlushInterval) * time.Second,
		MaxOpenStreams:  cfg.Sink.MaxOpenStreams,
		PayloadFormat:   event.PayloadFormat(cfg.Sink.PayloadFormat),
	}
}

// backendConfig carries credentials; bucket, container and namenode addresses
// come from sink.storage_endpoint.
func backendConfig(cfg *dto.ApplicationConfig) storage.BackendConfig {
	s := cfg.Storage
	return storage.BackendConfig{
		HDFS: storage.HDFSConfig{
			User:                s.HDFS.User,
			BlockSize:           s.HDFS.BlockSizeMB * 1024 * 1024,
			UseDatanodeHostname: s.HDFS.UseDatanodeHostname,
		},
		S3: storage.S3Config{
			Region:          s.S3.Region,
			Endpoint:        s.S3.Endpoint,
			UsePathStyle:    s.S3.UsePathStyle,
			AccessKeyID:     s.S3.AccessKeyID,
			SecretAccessKey: s.S3.SecretAccessKey,
			SSEEnabled:      s.S3.SSEEnabled,
			SSEKMSKeyID:     s.S3.SSEKMSKeyID,
		},
		GCS: storage.GCSConfig{
			ProjectID:            s.GCS.ProjectID,
			Endpoint:             s.GCS.Endpoint,
			CredentialsFile:      s.GCS.CredentialsFile,
			CredentialsJSON:      s.GCS.CredentialsJSON,
			UseDefaultCredential: s.GCS.UseDefaultCredential,
		},
		Azure: storage.AzureConfig{
			AccountKey: s.Azure.AccountKey,
			Endpoint:   s.Azure.Endpoint,
		},
		File: storage.FileConfig{
			BasePath: s.File.BasePath,
		},
	}
}
