package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts queued operations by kind and terminal state
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_operations_total",
			Help: "Total number of sync operations by kind and final state",
		},
		[]string{"kind", "state"},
	)

	// OperationRetriesTotal counts scheduled retries
	OperationRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_operation_retries_total",
			Help: "Total number of operation retries scheduled",
		},
		[]string{"kind", "reason"},
	)

	// OperationDurationSeconds measures a single attempt
	OperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudsync_operation_duration_seconds",
			Help:    "Duration of a single operation attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// QueueDepth is the number of operations not yet terminal
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudsync_queue_depth",
			Help: "Number of operations waiting or executing",
		},
	)

	// QueueSuspended is 1 while the queue is suspended
	QueueSuspended = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudsync_queue_suspended",
			Help: "Whether the operation queue is suspended",
		},
	)

	// RateLimitRequestsTotal counts operation starts seen by the limiter
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_rate_limit_requests_total",
			Help: "Operation starts by rate limiter outcome",
		},
		[]string{"status"},
	)

	// PullRecordsTotal counts records applied by pulls
	PullRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_pull_records_total",
			Help: "Remote records processed by pull, by outcome",
		},
		[]string{"outcome"},
	)

	// PushRecordsTotal counts records sent by pushes
	PushRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_push_records_total",
			Help: "Records processed by push, by outcome",
		},
		[]string{"outcome"},
	)

	// PushBatchesTotal counts modify requests sent to the remote
	PushBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudsync_push_batches_total",
			Help: "Total number of push batches sent",
		},
	)

	// ConflictsTotal counts version conflicts by how they were resolved
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_conflicts_total",
			Help: "Version conflicts by resolution",
		},
		[]string{"resolution"},
	)

	// DeferredRecords is the number of remote records parked for a later pull
	DeferredRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudsync_deferred_records",
			Help: "Remote records waiting for references or schema",
		},
	)

	// PendingTransactions is the number of local changes not yet pushed
	PendingTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudsync_pending_transactions",
			Help: "Local change transactions awaiting push",
		},
	)

	// TransformErrorsTotal counts failed conversions
	TransformErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_transform_errors_total",
			Help: "Record transformation failures",
		},
		[]string{"direction", "type"},
	)

	// CompressionBytesTotal tracks payload sizes around compression
	CompressionBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_compression_bytes_total",
			Help: "Binary payload bytes before and after compression",
		},
		[]string{"codec", "stage"},
	)

	// CompressionFallbackTotal counts payloads stored raw after codec failure
	CompressionFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_compression_fallback_total",
			Help: "Payloads stored uncompressed because compression failed or did not help",
		},
		[]string{"codec"},
	)

	// MappingCacheLookupsTotal counts mapping cache hits and misses
	MappingCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_mapping_cache_lookups_total",
			Help: "Object/record mapping cache lookups",
		},
		[]string{"result"},
	)

	// MappingCacheEntries is the number of cached mappings
	MappingCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudsync_mapping_cache_entries",
			Help: "Number of entries in the mapping cache",
		},
	)

	// StoreTransactionsTotal counts local store transactions
	StoreTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_store_transactions_total",
			Help: "Local store transactions by result",
		},
		[]string{"kind", "result"},
	)

	// RemoteRequestDurationSeconds measures calls to the remote store
	RemoteRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudsync_remote_request_duration_seconds",
			Help:    "Duration of remote store requests",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "method"},
	)

	// RemoteErrorsTotal counts failed remote requests by error class
	RemoteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_remote_errors_total",
			Help: "Remote store errors by class",
		},
		[]string{"backend", "type"},
	)

	// CircuitBreakerState is 0 closed, 1 open, 2 half-open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudsync_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	// ReachabilityStatus is 1 for the current status label
	ReachabilityStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudsync_reachability_status",
			Help: "Current network reachability (1 for the active status)",
		},
		[]string{"status"},
	)

	// SessionEventsTotal counts events published by the cloud store
	SessionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_session_events_total",
			Help: "Cloud store lifecycle events",
		},
		[]string{"event"},
	)

	// HealthStatus is 1 when the named component is healthy
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudsync_health_status",
			Help: "Health of a component (1 healthy, 0 unhealthy)",
		},
		[]string{"component"},
	)

	// BufferPoolOperations counts scratch buffer pool traffic
	BufferPoolOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_buffer_pool_operations_total",
			Help: "Scratch buffer pool operations by pool and kind",
		},
		[]string{"pool", "op"},
	)
)
