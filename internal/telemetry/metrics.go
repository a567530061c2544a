package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversion_jobs_submitted_total", Help: "Conversion jobs accepted into the queue"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversion_jobs_completed_total", Help: "Conversion jobs that produced an output"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conversion_jobs_failed_total", Help: "Conversion jobs that ended failed, by stage"}, []string{"stage"})
	HandlerPanics    = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversion_handler_panics_total", Help: "Panics recovered in pool workers"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "conversion_queue_depth", Help: "Jobs waiting for a worker"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "conversion_inflight", Help: "Jobs currently held by a worker"})
	ArchiveChains    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "archive_chain_conversions_total", Help: "Archive chain conversions by outcome"}, []string{"outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversion_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conversion_duration_seconds",
		Help:    "Converter run time",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"family"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			HandlerPanics,
			QueueDepthGauge,
			InFlightGauge,
			ArchiveChains,
			RateLimitRejects,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
