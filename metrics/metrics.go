// Package metrics exposes optimizer counters on the default Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imageoptimizer"

var (
	Optimizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "optimizations_total",
		Help:      "Optimization attempts by engine and outcome.",
	}, []string{"engine", "outcome"})

	BytesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_saved_total",
		Help:      "Bytes removed from optimized files.",
	})

	OptimizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "optimize_duration_seconds",
		Help:      "Time spent optimizing one file.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"engine"})

	CloudRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cloud_requests_total",
		Help:      "Requests sent to the compression API by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatches_total",
		Help:      "Attachment dispatches by mode.",
	}, []string{"mode"})

	WaveTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wave_timeouts_total",
		Help:      "Parallel waves cut short by their deadline.",
	})

	PoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_queue_depth",
		Help:      "Jobs waiting in the optimize worker pool.",
	})

	QueueMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_messages_total",
		Help:      "Background work items by driver and outcome.",
	}, []string{"driver", "outcome"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
