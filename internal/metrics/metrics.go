// Package metrics provides Prometheus metrics for the broadcast engine, the queue and the HTTP API.
package metrics

import (
	"time"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexarena_broadcasts_total",
			Help: "Total number of broadcasts started",
		},
		[]string{"trigger"},
	)
	BroadcastDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexarena_broadcast_duration_seconds",
			Help:    "Time from broadcast start until every task reached a terminal state",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"trigger"},
	)
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexarena_tasks_total",
			Help: "Total number of streaming tasks by terminal state",
		},
		[]string{"model", "state"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexarena_task_duration_seconds",
			Help:    "Streaming task duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model", "state"},
	)
	TaskTTFT = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexarena_task_ttft_seconds",
			Help:    "Time to first output chunk in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"model"},
	)
	TaskOutputRate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexarena_task_output_rate",
			Help:    "Output units per second of finalized tasks",
			Buckets: []float64{1, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"model"},
	)
	OutputUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexarena_output_units_total",
			Help: "Total output units produced per model",
		},
		[]string{"model"},
	)
	TasksStreaming = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexarena_tasks_streaming",
			Help: "Number of streaming tasks currently in flight",
		},
	)
	QueueItemsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexarena_queue_items_enqueued_total",
			Help: "Total number of prompts enqueued",
		},
	)
	QueueItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexarena_queue_items_processed_total",
			Help: "Total number of queue items consumed",
		},
		[]string{"outcome"},
	)
	QueueWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexarena_queue_wait_time_seconds",
			Help:    "Time queue items spend in the backlog before their broadcast starts",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexarena_queue_depth",
			Help: "Current number of items in the backlog",
		},
	)
	QueuePaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexarena_queue_paused_items",
			Help: "Current number of paused items in the backlog",
		},
	)
	JudgeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexarena_judge_runs_total",
			Help: "Total number of judge calls by outcome",
		},
		[]string{"outcome"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexarena_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexarena_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordBroadcast(trigger string, duration time.Duration) {
	BroadcastsTotal.WithLabelValues(trigger).Inc()
	BroadcastDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

func TaskStarted() {
	TasksStreaming.Inc()
}

// RecordTaskEnd closes out a task started with TaskStarted.
func RecordTaskEnd(model, state string, m domain.Metrics) {
	TasksStreaming.Dec()
	TasksTotal.WithLabelValues(model, state).Inc()
	TaskDuration.WithLabelValues(model, state).Observe(float64(m.TotalDurationMs) / 1000)

	if m.OutputUnits == 0 {
		return
	}
	TaskTTFT.WithLabelValues(model).Observe(float64(m.TTFTMs) / 1000)
	OutputUnitsTotal.WithLabelValues(model).Add(float64(m.OutputUnits))
	if state == "finalized" {
		TaskOutputRate.WithLabelValues(model).Observe(m.OutputRate)
	}
}

func RecordItemEnqueued() {
	QueueItemsEnqueued.Inc()
}

func RecordItemProcessed(outcome string, wait time.Duration) {
	QueueItemsProcessed.WithLabelValues(outcome).Inc()
	QueueWaitTime.Observe(wait.Seconds())
}

func UpdateQueueGauges(depth, paused int) {
	QueueDepth.Set(float64(depth))
	QueuePaused.Set(float64(paused))
}

func RecordJudgeRun(outcome string) {
	JudgeRunsTotal.WithLabelValues(outcome).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
