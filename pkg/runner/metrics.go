package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobrunner",
		Name:      "dispatch_total",
		Help:      "Job run requests dispatched.",
	})
	metricJobsOK = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobrunner",
		Name:      "jobs_ok_total",
		Help:      "Jobs reported ok by the execution endpoint.",
	})
	metricJobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobrunner",
		Name:      "jobs_failed_total",
		Help:      "Jobs reported failed by the execution endpoint.",
	})
	metricErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobrunner",
		Name:      "errors_total",
		Help:      "Transport errors and malformed run responses.",
	})
	metricHeapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobrunner",
		Name:      "heap_bytes",
		Help:      "Runner heap allocation.",
	})
)
