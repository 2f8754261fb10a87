package metrics

import (
	"k8s.io/component-base/metrics"
	"k8s.io/component-base/metrics/legacyregistry"
)

const (
	namespace = "kubeevents"
)

var (
	// WatchErrorsTotal counts failed list/watch cycles per namespace.
	// reason is one of "transient", "expired" or "list".
	WatchErrorsTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Namespace:      namespace,
			Name:           "watch_errors_total",
			Help:           "Number of watch errors",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"namespace", "reason"},
	)

	// WatchRestartsTotal counts full relists ("resync") and supervisor
	// cohort restarts ("cohort").
	WatchRestartsTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Namespace:      namespace,
			Name:           "watch_restarts_total",
			Help:           "Number of watcher restarts",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"cause"},
	)

	// EventsDroppedTotal counts events dropped because the ingestion queue was full.
	EventsDroppedTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Namespace:      namespace,
			Name:           "events_dropped_total",
			Help:           "Number of events dropped because the ingestion queue was full",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"namespace"},
	)

	// EventsFilteredTotal counts events rejected by the admission filter.
	EventsFilteredTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Namespace:      namespace,
			Name:           "events_filtered_total",
			Help:           "Number of events rejected by the admission filter",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"namespace"},
	)

	// EventsDuplicateTotal counts events skipped because their (uid, count) was already stored.
	EventsDuplicateTotal = metrics.NewCounter(
		&metrics.CounterOpts{
			Namespace:      namespace,
			Name:           "events_duplicate_total",
			Help:           "Number of redelivered events skipped by deduplication",
			StabilityLevel: metrics.ALPHA,
		},
	)

	// QueueDepth reports the number of entries waiting in the ingestion queue.
	QueueDepth = metrics.NewGauge(
		&metrics.GaugeOpts{
			Namespace:      namespace,
			Name:           "queue_depth",
			Help:           "Number of events waiting in the ingestion queue",
			StabilityLevel: metrics.ALPHA,
		},
	)

	// BatchSize tracks how many entries each batch window collected.
	BatchSize = metrics.NewHistogram(
		&metrics.HistogramOpts{
			Namespace:      namespace,
			Name:           "batch_size",
			Help:           "Number of events collected per batch window",
			StabilityLevel: metrics.ALPHA,
			// 1 to 512
			Buckets: metrics.ExponentialBuckets(1, 2, 10),
		},
	)

	// BatchesTotal counts persisted batches by result ("committed", "failed", "duplicate").
	BatchesTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Namespace:      namespace,
			Name:           "batches_total",
			Help:           "Number of batches handed to the store by result",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"result"},
	)

	// BatchPersistDuration tracks the time spent deduplicating and inserting one batch.
	BatchPersistDuration = metrics.NewHistogram(
		&metrics.HistogramOpts{
			Namespace:      namespace,
			Name:           "batch_persist_duration_seconds",
			Help:           "Duration of batch persistence in seconds",
			StabilityLevel: metrics.ALPHA,
			// Buckets from 1ms to ~16s
			Buckets: metrics.ExponentialBuckets(0.001, 2, 15),
		},
	)

	// ClickHouseQueryDuration tracks the duration of ClickHouse queries
	ClickHouseQueryDuration = metrics.NewHistogramVec(
		&metrics.HistogramOpts{
			Namespace:      namespace,
			Name:           "clickhouse_query_duration_seconds",
			Help:           "Duration of ClickHouse queries in seconds",
			StabilityLevel: metrics.ALPHA,
			Buckets:        metrics.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"operation"},
	)

	// ClickHouseQueryErrors tracks failed ClickHouse queries
	ClickHouseQueryErrors = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Namespace:      namespace,
			Name:           "clickhouse_query_errors_total",
			Help:           "Total number of failed ClickHouse queries",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"operation"},
	)

	// RetentionRunsTotal counts retention sweeps by result.
	RetentionRunsTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Namespace:      namespace,
			Name:           "retention_runs_total",
			Help:           "Number of retention sweeps by result",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"result"},
	)

	// FeedPublishedTotal and FeedPublishErrors track the live feed publisher.
	FeedPublishedTotal = metrics.NewCounter(
		&metrics.CounterOpts{
			Namespace:      namespace,
			Name:           "feed_published_total",
			Help:           "Number of stored events published to the live feed",
			StabilityLevel: metrics.ALPHA,
		},
	)

	FeedPublishErrors = metrics.NewCounter(
		&metrics.CounterOpts{
			Namespace:      namespace,
			Name:           "feed_publish_errors_total",
			Help:           "Number of errors publishing to the live feed",
			StabilityLevel: metrics.ALPHA,
		},
	)
)

// init registers all custom metrics with the legacy registry
// This ensures they're included in the /metrics endpoint
func init() {
	legacyregistry.MustRegister(
		WatchErrorsTotal,
		WatchRestartsTotal,
		EventsDroppedTotal,
		EventsFilteredTotal,
		EventsDuplicateTotal,
		QueueDepth,
		BatchSize,
		BatchesTotal,
		BatchPersistDuration,
		ClickHouseQueryDuration,
		ClickHouseQueryErrors,
		RetentionRunsTotal,
		FeedPublishedTotal,
		FeedPublishErrors,
	)
}
