package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "inspectq"

var (
	ArtifactsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_enqueued_total",
			Help:      "Total number of artifacts handed to the upload queue.",
		},
		[]string{"mission"},
	)

	StoreAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_attempts_total",
			Help:      "Total number of backend Store calls, labeled by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	StoreLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_latency_seconds",
			Help:      "Latency of a single backend Store call (seconds).",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	MessagesFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_finished_total",
			Help:      "Total number of upload messages that left the queue, labeled by terminal outcome.",
		},
		[]string{"outcome"},
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "End-to-end latency from enqueue to terminal outcome (seconds).",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"outcome"},
	)

	RetriesScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Total number of upload messages scheduled for another pass.",
		},
	)

	StatusEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_events_total",
			Help:      "Total number of status events handed to sinks, labeled by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)

	StatusEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_events_dropped_total",
			Help:      "Total number of status events dropped because the publisher buffer was full.",
		},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of ingest requests rejected by the rate limiter.",
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		ArtifactsEnqueuedTotal,
		StoreAttemptsTotal,
		StoreLatencySeconds,
		MessagesFinishedTotal,
		DeliveryLatencySeconds,
		RetriesScheduledTotal,
		StatusEventsTotal,
		StatusEventsDroppedTotal,
		RateLimitHitsTotal,
	)
}
