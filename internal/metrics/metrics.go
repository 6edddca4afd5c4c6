// Package metrics provides Prometheus metrics for the maintenance console and the job service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsconsole_poll_cycles_total",
			Help: "Total number of refresh cycles executed by the live poller",
		},
	)
	PollCyclesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsconsole_poll_cycles_skipped_total",
			Help: "Refresh cycles dropped because another cycle was in flight",
		},
		[]string{"trigger"},
	)
	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opsconsole_poll_cycle_duration_seconds",
			Help:    "Wall time of one refresh cycle",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	FetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsconsole_fetch_failures_total",
			Help: "Failed fetches from the job service by source",
		},
		[]string{"source"},
	)
	OperationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsconsole_operations_started_total",
			Help: "Operations successfully submitted from the console",
		},
		[]string{"kind"},
	)
	OperationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsconsole_operations_rejected_total",
			Help: "Start requests that did not produce an operation, by reason",
		},
		[]string{"kind", "reason"},
	)
	OperationsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsconsole_operations_abandoned_total",
			Help: "Optimistically inserted operations never confirmed by the job service",
		},
	)
	TrackedOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opsconsole_tracked_operations",
			Help: "Operations currently tracked by the console registry by status",
		},
		[]string{"status"},
	)
	JobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsconsole_jobservice_operations_created_total",
			Help: "Operations accepted by the job service",
		},
		[]string{"kind"},
	)
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsconsole_jobservice_operations_finished_total",
			Help: "Operations finished by the job service runner",
		},
		[]string{"kind", "status"},
	)
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsconsole_jobservice_operation_duration_seconds",
			Help:    "Operation execution duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"kind", "status"},
	)
	JobQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsconsole_jobservice_queue_depth",
			Help: "Operations waiting for the runner",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsconsole_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsconsole_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordPollCycle(duration time.Duration) {
	PollCycles.Inc()
	PollCycleDuration.Observe(duration.Seconds())
}

func RecordPollSkipped(trigger string) {
	PollCyclesSkipped.WithLabelValues(trigger).Inc()
}

func RecordFetchFailure(source string) {
	FetchFailures.WithLabelValues(source).Inc()
}

func RecordOperationStarted(kind string) {
	OperationsStarted.WithLabelValues(kind).Inc()
}

func RecordOperationRejected(kind, reason string) {
	OperationsRejected.WithLabelValues(kind, reason).Inc()
}

func RecordOperationsAbandoned(n int) {
	OperationsAbandoned.Add(float64(n))
}

func UpdateTrackedOperations(byStatus map[string]int) {
	TrackedOperations.Reset()
	for status, count := range byStatus {
		TrackedOperations.WithLabelValues(status).Set(float64(count))
	}
}

func RecordJobCreated(kind string) {
	JobsCreated.WithLabelValues(kind).Inc()
}

func RecordJobFinished(kind, status string, duration time.Duration) {
	JobsFinished.WithLabelValues(kind, status).Inc()
	JobDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

func UpdateJobQueueDepth(depth int) {
	JobQueueDepth.Set(float64(depth))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
