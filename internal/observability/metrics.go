package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
//
// It satisfies the kafka, storage and sink MetricsCollector interfaces.
type Metrics struct {
	// Consumer metrics
	MessagesConsumed   *prometheus.CounterVec
	OffsetCommits      *prometheus.CounterVec
	Rebalances         *prometheus.CounterVec
	RebalanceDuration  *prometheus.HistogramVec
	PartitionsAssigned *prometheus.GaugeVec
	CommitLatency      *prometheus.HistogramVec
	DLQPublished       *prometheus.CounterVec

	// Sink metrics
	EventsRouted           *prometheus.CounterVec
	SandboxViolations      prometheus.Counter
	MissingTargetRedirects prometheus.Counter
	EventsFailed           *prometheus.CounterVec

	// Stream metrics
	StreamsOpened   *prometheus.CounterVec
	StreamsOpen     prometheus.Gauge
	StreamEvictions prometheus.Counter
	BytesWritten    prometheus.Counter
	FlushDuration   prometheus.Histogram
	StreamErrors    *prometheus.CounterVec
	StorageErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		// Consumer metrics
		MessagesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_messages_consumed_total",
				Help: "Total number of messages consumed from Kafka",
			},
			[]string{"topic", "partition"},
		),
		OffsetCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_offset_commit_total",
				Help: "Total number of offset commits",
			},
			[]string{"topic", "partition", "status"},
		),
		Rebalances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_rebalance_total",
				Help: "Total number of consumer group rebalances",
			},
			[]string{"group"},
		),
		RebalanceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_rebalance_duration_seconds",
				Help:    "Duration of consumer group rebalances",
				Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"group"},
		),
		PartitionsAssigned: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kafka_partitions_assigned",
				Help: "Number of partitions currently assigned to this consumer",
			},
			[]string{"topic"},
		),
		CommitLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_commit_latency_seconds",
				Help:    "Latency of offset commit operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"topic", "partition"},
		),
		DLQPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlq_published_total",
				Help: "Total number of events published to the dead-letter queue",
			},
			[]string{"reason", "status"},
		),

		// Sink metrics
		EventsRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_routed_total",
				Help: "Total number of events written, by destination (computed or failure)",
			},
			[]string{"destination"},
		),
		SandboxViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_violations_total",
				Help: "Total number of events whose path resolved outside the static root",
			},
		),
		MissingTargetRedirects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "missing_target_redirects_total",
				Help: "Total number of events redirected because their target file was missing",
			},
		),
		EventsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_failed_total",
				Help: "Total number of events that could not be written",
			},
			[]string{"topic", "reason"},
		),

		// Stream metrics
		StreamsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streams_opened_total",
				Help: "Total number of output streams opened, by mode (append or create)",
			},
			[]string{"mode"},
		),
		StreamsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "streams_open",
				Help: "Number of output streams currently open",
			},
		),
		StreamEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stream_evictions_total",
				Help: "Total number of streams closed by the bounded stream cache",
			},
		),
		BytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bytes_written_total",
				Help: "Total number of uncompressed bytes written to streams",
			},
		),
		FlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flush_duration_seconds",
				Help:    "Duration of flushing all open streams",
				Buckets: prometheus.DefBuckets,
			},
		),
		StreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_errors_total",
				Help: "Total number of stream flush and close failures",
			},
			[]string{"operation"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"backend", "operation"},
		),
	}
}

// IncMessagesConsumed increments messages consumed counter.
func (m *Metrics) IncMessagesConsumed(topic string, partition int32) {
	m.MessagesConsumed.WithLabelValues(topic, partitionLabel(partition)).Inc()
}

// IncRebalances increments rebalances counter.
func (m *Metrics) IncRebalances(groupID string) {
	m.Rebalances.WithLabelValues(groupID).Inc()
}

// IncOffsetCommits increments offset commits counter.
func (m *Metrics) IncOffsetCommits(topic string, partition int32, status string) {
	m.OffsetCommits.WithLabelValues(topic, partitionLabel(partition), status).Inc()
}

// ObserveRebalanceDuration observes rebalance duration.
func (m *Metrics) ObserveRebalanceDuration(groupID string, duration float64) {
	m.RebalanceDuration.WithLabelValues(groupID).Observe(duration)
}

// ObserveCommitLatency observes commit latency.
func (m *Metrics) ObserveCommitLatency(topic string, partition int32, duration float64) {
	m.CommitLatency.WithLabelValues(topic, partitionLabel(partition)).Observe(duration)
}

// SetPartitionsAssigned sets partitions assigned gauge.
func (m *Metrics) SetPartitionsAssigned(topic string, count float64) {
	m.PartitionsAssigned.WithLabelValues(topic).Set(count)
}

// IncDLQPublished increments the DLQ publish counter.
func (m *Metrics) IncDLQPublished(reason string, status string) {
	m.DLQPublished.WithLabelValues(reason, status).Inc()
}

// IncEventsRouted increments the routed events counter.
func (m *Metrics) IncEventsRouted(destination string) {
	m.EventsRouted.WithLabelValues(destination).Inc()
}

// IncSandboxViolations increments the sandbox violations counter.
func (m *Metrics) IncSandboxViolations() {
	m.SandboxViolations.Inc()
}

// IncMissingTargetRedirects increments the missing target redirects counter.
func (m *Metrics) IncMissingTargetRedirects() {
	m.MissingTargetRedirects.Inc()
}

// IncEventsFailed increments the failed events counter.
func (m *Metrics) IncEventsFailed(topic string, reason string) {
	m.EventsFailed.WithLabelValues(topic, reason).Inc()
}

// IncStreamsOpened increments the opened streams counter.
func (m *Metrics) IncStreamsOpened(mode string) {
	m.StreamsOpened.WithLabelValues(mode).Inc()
}

// AddStreamsOpen adjusts the open streams gauge.
func (m *Metrics) AddStreamsOpen(delta float64) {
	m.StreamsOpen.Add(delta)
}

// IncStreamEvictions increments the stream evictions counter.
func (m *Metrics) IncStreamEvictions() {
	m.StreamEvictions.Inc()
}

// AddBytesWritten adds to the bytes written counter.
func (m *Metrics) AddBytesWritten(n float64) {
	m.BytesWritten.Add(n)
}

// ObserveFlushDuration observes flush duration.
func (m *Metrics) ObserveFlushDuration(duration float64) {
	m.FlushDuration.Observe(duration)
}

// IncStreamErrors increments the stream errors counter.
func (m *Metrics) IncStreamErrors(operation string) {
	m.StreamErrors.WithLabelValues(operation).Inc()
}

// IncStorageErrors increments storage errors counter.
func (m *Metrics) IncStorageErrors(backend string, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}

func partitionLabel(partition int32) string {
	return strconv.FormatInt(int64(partition), 10)
}
