package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jittakal/kafeventsink/internal/config/dto"
	"github.com/jittakal/kafeventsink/internal/encoder"
	"github.com/jittakal/kafeventsink/internal/storage"
	"github.com/jittakal/kafeventsink/pkg/event"
)

// DefaultEnvFile is read before the environment is consulted, when present.
const DefaultEnvFile = ".env"

// Loader handles configuration loading and validation
type Loader struct {
	v        *viper.Viper
	envFiles []string
}

// NewLoader creates a new configuration loader. envFiles are loaded with
// godotenv before viper reads the environment; variables already set in the
// process win. With no envFiles, DefaultEnvFile is tried.
func NewLoader(envFiles ...string) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(envFiles) == 0 {
		envFiles = []string{DefaultEnvFile}
	}
	return &Loader{v: v, envFiles: envFiles}
}

// Load loads configuration from file and environment variables
func (l *Loader) Load(path string) (*dto.ApplicationConfig, error) {
	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Expand ${VAR} references left in config values
	for _, key := range l.v.AllKeys() {
		value := l.v.GetString(key)
		if strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	var config dto.ApplicationConfig
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (l *Loader) loadEnvFiles() error {
	for _, file := range l.envFiles {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}
	return nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("application.name", "kafeventsink")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")

	// Kafka defaults
	l.v.SetDefault("kafka.security_protocol", "PLAINTEXT")
	l.v.SetDefault("kafka.sasl_mechanism", "PLAIN")
	l.v.SetDefault("kafka.sasl_username", "")
	l.v.SetDefault("kafka.sasl_password", "")
	l.v.SetDefault("kafka.aws_region", "")
	l.v.SetDefault("kafka.tls_skip_verify", false)
	l.v.SetDefault("kafka.consumer.auto_offset_reset", "earliest")
	l.v.SetDefault("kafka.consumer.enable_auto_commit", false)
	l.v.SetDefault("kafka.consumer.max_poll_interval_ms", 300000)
	l.v.SetDefault("kafka.consumer.session_timeout_ms", 30000)
	l.v.SetDefault("kafka.consumer.heartbeat_interval_ms", 10000)
	l.v.SetDefault("kafka.dlq.enabled", true)
	l.v.SetDefault("kafka.dlq.topic_suffix", "-dlq")

	// Sink defaults
	l.v.SetDefault("sink.message_format", "")
	l.v.SetDefault("sink.flush_interval", 2)
	l.v.SetDefault("sink.gzip", false)
	l.v.SetDefault("sink.filename_failure", "_filepath_failures")
	l.v.SetDefault("sink.create_if_deleted", true)
	l.v.SetDefault("sink.payload_format", string(event.FormatJSON))
	l.v.SetDefault("sink.max_open_streams", 0)
	l.v.SetDefault("sink.workers", 1)

	// Storage defaults
	l.v.SetDefault("storage.hdfs.user", "")
	l.v.SetDefault("storage.hdfs.block_size_mb", 0)
	l.v.SetDefault("storage.s3.region", "")
	l.v.SetDefault("storage.s3.use_path_style", false)
	l.v.SetDefault("storage.s3.sse_enabled", true)
	l.v.SetDefault("storage.azure.account_key", "")
	l.v.SetDefault("storage.gcs.project_id", "")
	l.v.SetDefault("storage.gcs.use_default_credential", true)

	// Observability defaults
	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stdout")
	l.v.SetDefault("observability.logging.add_source", false)
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.port", 9090)
	l.v.SetDefault("observability.health.port", 8080)

	// Shutdown defaults
	l.v.SetDefault("shutdown.grace_period_seconds", 30)
}

// Validate validates the configuration
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	// Application, Kafka and sink field checks
	if err := config.Validate(); err != nil {
		return err
	}
	if len(config.Kafka.Consumer.Topics) == 0 {
		return errors.New("kafka.consumer.topics is required")
	}
	if !slices.Contains(encoder.SupportedFormats(), event.PayloadFormat(config.Sink.PayloadFormat)) {
		return fmt.Errorf("unsupported sink.payload_format: %s", config.Sink.PayloadFormat)
	}

	// Storage validation, per backend selected by the endpoint scheme
	endpoint, err := storage.ParseEndpoint(config.Sink.StorageEndpoint)
	if err != nil {
		return err
	}
	switch endpoint.Scheme {
	case "s3":
		if config.Storage.S3.Region == "" {
			return errors.New("storage.s3.region is required for S3 endpoints")
		}
		if err := config.Storage.S3.Validate(); err != nil {
			return err
		}
	case "gs":
		if err := config.Storage.GCS.Validate(); err != nil {
			return err
		}
	case "wasbs":
		if config.Storage.Azure.AccountKey == "" {
			return errors.New("storage.azure.account_key is required for Azure endpoints")
		}
	}

	// Port validation
	if config.Observability.Metrics.Port < 1 || config.Observability.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", config.Observability.Metrics.Port)
	}
	if config.Observability.Health.Port < 1 || config.Observability.Health.Port > 65535 {
		return fmt.Errorf("invalid health port: %d", config.Observability.Health.Port)
	}

	return nil
}
