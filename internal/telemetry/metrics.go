package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "detections_submitted_total", Help: "Detection jobs accepted for processing"})
	CompletedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "detections_completed_total", Help: "Detection jobs finished successfully"})
	FailedCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "detections_failed_total", Help: "Detection jobs finished with an error"}, []string{"code"})
	RetryCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "detections_retried_total", Help: "User-initiated retries accepted"})
	ReapedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "detections_reaped_total", Help: "Stuck jobs force-failed by the timeout reaper"})
	CleanedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "detections_cleaned_total", Help: "Jobs soft-deleted by the retention cleaner"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploads_rate_limited_total", Help: "Uploads rejected by the per-user rate limiter"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "detections_inflight", Help: "Detection runs currently executing"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "detections_queue_depth", Help: "Jobs waiting for a worker"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			CompletedCounter,
			FailedCounter,
			RetryCounter,
			ReapedCounter,
			CleanedCounter,
			RateLimitRejects,
			InFlightGauge,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
