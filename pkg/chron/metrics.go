package chron

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobchron",
		Name:      "cycles_total",
		Help:      "Reclamation cycles run under the pool lock.",
	})
	metricRaced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobchron",
		Name:      "raced_total",
		Help:      "Cycles skipped because every pool lock slot was held.",
	})
	metricFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobchron",
		Name:      "failed_cycles_total",
		Help:      "Cycles with a skipped partition, script failure or aggregator write failure.",
	})
	metricScriptErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobchron",
		Name:      "script_errors_total",
		Help:      "Per-queue reclaim script failures.",
	})
	metricReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobchron",
		Name:      "released_total",
		Help:      "Expired claims recycled to the unclaimed list.",
	})
	metricAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobchron",
		Name:      "abandoned_total",
		Help:      "Expired claims abandoned over the attempt limit.",
	})
	metricPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobchron",
		Name:      "pruned_total",
		Help:      "Abandoned jobs pruned after the retention window.",
	})
	metricUndelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobchron",
		Name:      "undelayed_total",
		Help:      "Delayed jobs promoted to the unclaimed list.",
	})
	metricReadyQueues = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobchron",
		Name:      "ready_queues",
		Help:      "Queues with ready jobs in the last published cycle.",
	})
)
