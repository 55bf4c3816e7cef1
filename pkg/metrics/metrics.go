// Package metrics exposes Prometheus collectors for every hot path in the
// engine: the operation log, the indexer pool, the cache query planner, the
// DAG epoch protocol, the SQL operators, and the API frontends.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Endpoint metrics
	EndpointsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dozer_endpoints_total",
			Help: "Total number of materialized endpoints",
		},
	)

	EndpointPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dozer_endpoint_phase",
			Help: "Current phase of an endpoint (0 = snapshotting, 1 = streaming)",
		},
		[]string{"endpoint"},
	)

	// Operation log metrics
	OplogOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_oplog_operations_total",
			Help: "Total number of operations appended to the log by kind",
		},
		[]string{"endpoint", "kind"},
	)

	OplogTailPosition = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dozer_oplog_tail_position",
			Help: "Current tail operation id of the log",
		},
		[]string{"endpoint"},
	)

	OplogReadTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_oplog_read_timeouts_total",
			Help: "Total number of ranged reads that returned due to timeout",
		},
		[]string{"endpoint"},
	)

	// Indexer metrics
	IndexerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dozer_indexer_lag",
			Help: "Number of operations an index is behind the log tail",
		},
		[]string{"endpoint", "index"},
	)

	IndexerCatchupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dozer_indexer_catchup_duration_seconds",
			Help:    "Time taken for an indexer chunk apply in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "index"},
	)

	IndexerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_indexer_failures_total",
			Help: "Total number of indexer chunk-apply failures",
		},
		[]string{"endpoint", "index"},
	)

	// Cache query metrics
	CacheQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dozer_cache_query_duration_seconds",
			Help:    "Time taken to plan and execute a cache query in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "plan"},
	)

	CacheQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_cache_queries_total",
			Help: "Total number of cache queries by plan kind",
		},
		[]string{"endpoint", "plan"},
	)

	// DAG engine metrics
	DagEpochDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dozer_dag_epoch_duration_seconds",
			Help:    "Time taken for an epoch to complete across the DAG",
			Buckets: prometheus.DefBuckets,
		},
	)

	DagEpochsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dozer_dag_epochs_completed_total",
			Help: "Total number of epochs committed by every sink",
		},
	)

	DagNodeQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dozer_dag_node_queue_depth",
			Help: "Number of buffered records on a node's input channel",
		},
		[]string{"node"},
	)

	DagNodeProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_dag_node_processed_total",
			Help: "Total number of records processed by a node",
		},
		[]string{"node"},
	)

	// SQL operator metrics
	AggregationGroupsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dozer_sql_aggregation_groups_active",
			Help: "Number of live groups held by an aggregation operator",
		},
		[]string{"node"},
	)

	JoinMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_sql_join_matches_total",
			Help: "Total number of matched join output rows",
		},
		[]string{"node"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dozer_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	OnEventSubscribersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dozer_api_on_event_subscribers_active",
			Help: "Number of active OnEvent subscribers per endpoint",
		},
		[]string{"endpoint"},
	)

	OnEventLaggedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_api_on_event_lagged_total",
			Help: "Total number of times a subscriber fell behind and was sent a Lagged marker",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(EndpointsTotal)
	prometheus.MustRegister(EndpointPhase)
	prometheus.MustRegister(OplogOperationsTotal)
	prometheus.MustRegister(OplogTailPosition)
	prometheus.MustRegister(OplogReadTimeouts)
	prometheus.MustRegister(IndexerLag)
	prometheus.MustRegister(IndexerCatchupDuration)
	prometheus.MustRegister(IndexerFailuresTotal)
	prometheus.MustRegister(CacheQueryDuration)
	prometheus.MustRegister(CacheQueriesTotal)
	prometheus.MustRegister(DagEpochDuration)
	prometheus.MustRegister(DagEpochsCompletedTotal)
	prometheus.MustRegister(DagNodeQueueDepth)
	prometheus.MustRegister(DagNodeProcessedTotal)
	prometheus.MustRegister(AggregationGroupsActive)
	prometheus.MustRegister(JoinMatchesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(OnEventSubscribersActive)
	prometheus.MustRegister(OnEventLaggedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
