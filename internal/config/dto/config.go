package dto

import (
	"fmt"
	"strings"
)

// ApplicationConfig is the root configuration structure
type ApplicationConfig struct {
	Application   ApplicationInfo     `mapstructure:"application"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Sink          SinkConfig          `mapstructure:"sink"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

// ApplicationInfo contains application metadata
type ApplicationInfo struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// KafkaConfig contains Kafka-related configuration
type KafkaConfig struct {
	BootstrapServers []string       `mapstructure:"bootstrap_servers"`
	SecurityProtocol string         `mapstructure:"security_protocol"`
	SASLMechanism    string         `mapstructure:"sasl_mechanism"`
	SASLUsername     string         `mapstructure:"sasl_username"`
	SASLPassword     string         `mapstructure:"sasl_password"`
	AWSRegion        string         `mapstructure:"aws_region"`
	TLSSkipVerify    bool           `mapstructure:"tls_skip_verify"`
	Consumer         ConsumerConfig `mapstructure:"consumer"`
	DLQ              DLQConfig      `mapstructure:"dlq"`
}

// ConsumerConfig contains Kafka consumer configuration
type ConsumerConfig struct {
	GroupID             string   `mapstructure:"group_id"`
	Topics              []string `mapstructure:"topics"`
	AutoOffsetReset     string   `mapstructure:"auto_offset_reset"`
	EnableAutoCommit    bool     `mapstructure:"enable_auto_commit"`
	MaxPollIntervalMS   int      `mapstructure:"max_poll_interval_ms"`
	SessionTimeoutMS    int      `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMS int      `mapstructure:"heartbeat_interval_ms"`
}

// DLQConfig contains dead letter queue configuration
type DLQConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	TopicSuffix string `mapstructure:"topic_suffix"`
}

// SinkConfig contains the path routing and stream settings.
type SinkConfig struct {
	Path            string `mapstructure:"path"`
	MessageFormat   string `mapstructure:"message_format"`
	StorageEndpoint string `mapstructure:"storage_endpoint"`
	// FlushInterval is in seconds.
	FlushInterval   int      `mapstructure:"flush_interval"`
	Gzip            bool     `mapstructure:"gzip"`
	FilenameFailure string   `mapstructure:"filename_failure"`
	CreateIfDeleted bool     `mapstructure:"create_if_deleted"`
	PayloadFormat   string   `mapstructure:"payload_format"`
	MaxOpenStreams  int      `mapstructure:"max_open_streams"`
	Workers         int      `mapstructure:"workers"`
	RequiredFields  []string `mapstructure:"required_fields"`
}

// StorageConfig contains per-backend credentials. The backend itself is
// selected by sink.storage_endpoint.
type StorageConfig struct {
	HDFS  HDFSConfig  `mapstructure:"hdfs"`
	S3    S3Config    `mapstructure:"s3"`
	Azure AzureConfig `mapstructure:"azure"`
	GCS   GCSConfig   `mapstructure:"gcs"`
	File  FileConfig  `mapstructure:"file"`
}

// HDFSConfig contains HDFS client settings
type HDFSConfig struct {
	User                string `mapstructure:"user"`
	BlockSizeMB         int64  `mapstructure:"block_size_mb"`
	UseDatanodeHostname bool   `mapstructure:"use_datanode_hostname"`
}

// S3Config contains AWS S3 configuration
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SSEEnabled      bool   `mapstructure:"sse_enabled"`
	SSEKMSKeyID     string `mapstructure:"sse_kms_key_id"`
}

// AzureConfig contains Azure Blob Storage configuration
type AzureConfig struct {
	AccountKey string `mapstructure:"account_key"`
	Endpoint   string `mapstructure:"endpoint"`
}

// GCSConfig contains Google Cloud Storage configuration
type GCSConfig struct {
	ProjectID            string `mapstructure:"project_id"`
	Endpoint             string `mapstructure:"endpoint"`
	CredentialsFile      string `mapstructure:"credentials_file"`
	CredentialsJSON      string `mapstructure:"credentials_json"`
	UseDefaultCredential bool   `mapstructure:"use_default_credential"`
}

// FileConfig contains local filesystem configuration
type FileConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	AddSource bool   `mapstructure:"add_source"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig contains health check settings
type HealthConfig struct {
	Port int `mapstructure:"port"`
}

// ShutdownConfig contains shutdown settings
type ShutdownConfig struct {
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if c.Application.Name == "" {
		return fmt.Errorf("application name is required")
	}
	if len(c.Kafka.BootstrapServers) == 0 {
		return fmt.Errorf("kafka bootstrap servers are required")
	}
	if c.Kafka.Consumer.GroupID == "" {
		return fmt.Errorf("kafka consumer group ID is required")
	}
	if err := c.Sink.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate validates sink configuration.
func (c *SinkConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("sink path is required")
	}
	if c.StorageEndpoint == "" {
		return fmt.Errorf("sink storage endpoint is required")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("sink flush interval must not be negative: %d", c.FlushInterval)
	}
	if c.MaxOpenStreams < 0 {
		return fmt.Errorf("sink max open streams must not be negative: %d", c.MaxOpenStreams)
	}
	if c.Workers < 1 {
		return fmt.Errorf("sink workers must be at least 1: %d", c.Workers)
	}
	// Workers share the failure path and every partition-independent path.
	// HDFS grants one writer lease per file, so a second worker's append is
	// refused and a racing create would replace the first worker's file.
	if c.Workers > 1 && strings.HasPrefix(strings.ToLower(c.StorageEndpoint), "hdfs://") {
		return fmt.Errorf("sink workers must be 1 for hdfs endpoints: %d", c.Workers)
	}
	return nil
}

// Validate validates S3 configuration.
func (c *S3Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("s3 access key id and secret access key must be set together")
	}
	return nil
}

// Validate validates GCS configuration.
func (c *GCSConfig) Validate() error {
	if c.CredentialsFile != "" && c.CredentialsJSON != "" {
		return fmt.Errorf("gcs credentials_file and credentials_json are mutually exclusive")
	}
	return nil
}
