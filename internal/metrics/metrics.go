package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline
type Metrics struct {
	// Queue metrics
	ItemsProcessed *prometheus.CounterVec
	ItemDuration   *prometheus.HistogramVec
	BatchesPolled  *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	Requeued       *prometheus.CounterVec
	PollsSkipped   prometheus.Counter

	// Provider metrics
	EmbeddingRequests *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec

	// Graph metrics
	SummariesCreated *prometheus.CounterVec
	SessionsOpened   prometheus.Counter
	PatternsMerged   *prometheus.CounterVec
	SweepUpdates     *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// Get returns the process-wide metrics, registering them on first use
func Get() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			ItemsProcessed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patterngraph_items_processed_total",
					Help: "Queue items processed, by queue and outcome",
				},
				[]string{"queue", "result"},
			),
			ItemDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "patterngraph_item_duration_seconds",
					Help:    "Time spent processing one queue item",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to 20s
				},
				[]string{"queue"},
			),
			BatchesPolled: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patterngraph_batches_polled_total",
					Help: "Dequeue polls that claimed at least one item",
				},
				[]string{"queue"},
			),
			QueueDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "patterngraph_queue_depth",
					Help: "Queue items by status",
				},
				[]string{"queue", "status"},
			),
			Requeued: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patterngraph_items_requeued_total",
					Help: "Failed items returned to pending or moved to dead letter",
				},
				[]string{"to"},
			),
			PollsSkipped: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "patterngraph_polls_skipped_total",
					Help: "Polls skipped because host CPU was over budget",
				},
			),
			EmbeddingRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patterngraph_embedding_requests_total",
					Help: "Embedding resolutions by source (precomputed, cached, provider, failed)",
				},
				[]string{"source"},
			),
			ProviderLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "patterngraph_provider_latency_seconds",
					Help:    "Latency of embedding and completion calls",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
				},
				[]string{"call"},
			),
			SummariesCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patterngraph_summaries_total",
					Help: "Entity summaries written, by entity type and outcome",
				},
				[]string{"entity_type", "result"},
			),
			SessionsOpened: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "patterngraph_sessions_opened_total",
					Help: "Sessions created by the aggregator",
				},
			),
			PatternsMerged: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patterngraph_patterns_merged_total",
					Help: "Pattern merges by detection strategy",
				},
				[]string{"strategy"},
			),
			SweepUpdates: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patterngraph_sweep_updates_total",
					Help: "Patterns touched by the maintenance sweep",
				},
				[]string{"kind"},
			),
		}
	})
	return sharedMetrics
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
