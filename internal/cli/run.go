package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jittakal/kafeventsink/internal/config"
	"github.com/jittakal/kafeventsink/internal/config/dto"
	"github.com/jittakal/kafeventsink/internal/kafka"
	"github.com/jittakal/kafeventsink/internal/observability"
	"github.com/jittakal/kafeventsink/internal/pipeline"
	"github.com/jittakal/kafeventsink/internal/server"
	"github.com/jittakal/kafeventsink/internal/sink"
	"github.com/jittakal/kafeventsink/internal/storage"
	"github.com/jittakal/kafeventsink/internal/validator"
)

const defaultConfigPath = "config/application.yaml"

func newRunCmd() *cobra.Command {
	var configPath string
	var envFiles []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume events and write them to storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(envFiles...).Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runService(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (default $CONFIG_PATH or "+defaultConfigPath+")")
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files loaded before the environment is read (default .env)")

	return cmd
}

// resolveConfigPath applies the precedence flag > CONFIG_PATH > default.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return defaultConfigPath
}

// runService runs until ctx is cancelled or the consumer stops, then shuts
// down in order: consumption, worker queues, sinks, DLQ and consumer,
// storage backend, HTTP server.
func runService(ctx context.Context, cfg *dto.ApplicationConfig) error {
	// stop also ends the flushers and the consumer group when the pipeline
	// returns on its own
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	logger := observability.NewLogger(loggingConfig(cfg))
	logger.Info("starting kafeventsink",
		"version", Version,
		"environment", cfg.Application.Environment,
		"path", cfg.Sink.Path,
		"storage_endpoint", cfg.Sink.StorageEndpoint,
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// Track cleanup functions, run in registration order
	var cleanupFuncs []func()
	addCleanup := func(name string, fn func() error) {
		cleanupFuncs = append(cleanupFuncs, func() {
			if err := fn(); err != nil {
				logger.Error("cleanup failed", "component", name, "error", err)
			}
		})
		logger.Debug("registered cleanup", "component", name)
	}
	defer func() {
		for _, cleanup := range cleanupFuncs {
			cleanup()
		}
	}()

	gracePeriod := time.Duration(cfg.Shutdown.GracePeriodSeconds) * time.Second
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}

	backend, err := storage.NewBackend(cfg.Sink.StorageEndpoint, backendConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}

	sinks := make([]*sink.Sink, 0, cfg.Sink.Workers)
	for i := 0; i < cfg.Sink.Workers; i++ {
		s, err := sink.New(sinkConfig(cfg), backend, logger, metrics)
		if err != nil {
			_ = backend.Close()
			return fmt.Errorf("failed to create sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	checker := server.NewComponentChecker()
	var consumerReady atomic.Bool
	checker.Register("consumer", func(context.Context) bool { return consumerReady.Load() })
	for i, s := range sinks {
		checker.Register(fmt.Sprintf("sink-%d", i), func(context.Context) bool { return s.Ready() })
	}

	httpServer := server.NewServer(
		cfg.Observability.Health.Port,
		cfg.Observability.Metrics.Port,
		checker,
		registry,
		logger,
	)
	if err := httpServer.Start(); err != nil {
		_ = backend.Close()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	consumer, err := kafka.NewSaramaConsumer(consumerConfig(cfg), logger, metrics)
	if err != nil {
		shutdownHTTP(httpServer, gracePeriod, logger)
		_ = backend.Close()
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	processorID := cfg.Application.Name + "-" + uuid.NewString()
	dlq, err := kafka.NewDLQPublisher(cfg.Kafka.BootstrapServers, consumerConfig(cfg), dlqConfig(cfg), logger, metrics, processorID)
	if err != nil {
		_ = consumer.Close()
		shutdownHTTP(httpServer, gracePeriod, logger)
		_ = backend.Close()
		return fmt.Errorf("failed to create DLQ publisher: %w", err)
	}

	// From here on shutdown follows the cleanup order.
	addCleanup("sinks", func() error { return closeSinks(sinks, gracePeriod, logger) })
	addCleanup("dlq-publisher", dlq.Close)
	addCleanup("kafka-consumer", consumer.Close)
	addCleanup("storage-backend", backend.Close)
	addCleanup("http-server", func() error {
		checker.MarkShuttingDown()
		shutdownHTTP(httpServer, gracePeriod, logger)
		return nil
	})

	if err := consumer.Subscribe(ctx, cfg.Kafka.Consumer.Topics); err != nil {
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}

	events, errs, err := consumer.Consume(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shutdown requested before the consumer joined its group")
			return nil
		}
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	consumerReady.Store(true)

	var flushers sync.WaitGroup
	for _, s := range sinks {
		flushers.Add(1)
		go func() {
			defer flushers.Done()
			s.Run(ctx)
		}()
	}

	receivers := make([]pipeline.Receiver, len(sinks))
	for i, s := range sinks {
		receivers[i] = s
	}
	p := pipeline.New(
		receivers,
		validator.NewCloudEventsValidator(cfg.Sink.RequiredFields...),
		dlq,
		logger,
		metrics,
	)

	logger.Info("application started successfully",
		"workers", len(sinks),
		"topics", cfg.Kafka.Consumer.Topics,
	)

	// Run returns after ctx is cancelled, the consumer stops or a partition
	// stalls, and every worker queue is drained.
	runErr := p.Run(ctx, events, errs)
	if ctx.Err() != nil {
		logger.Info("received termination signal, shutting down")
	}
	stop()
	checker.MarkShuttingDown()
	consumerReady.Store(false)
	flushers.Wait()

	if runErr != nil {
		logger.Error("pipeline stopped", "error", runErr)
		return runErr
	}
	logger.Info("application stopped successfully")
	return nil
}

func closeSinks(sinks []*sink.Sink, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(ctx); err != nil {
			logger.Error("failed to close sink", "sink_id", s.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func shutdownHTTP(srv *server.Server, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down HTTP server", "error", err)
	}
}
