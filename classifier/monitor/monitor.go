package monitor

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestCount       *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	PredictionCount    *prometheus.CounterVec
	TrainingTaskCount  *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	TrainingQueueGauge prometheus.Gauge

	initOnce sync.Once
)

// PrometheusInit registers the broker metrics with the default registry.
// Calls after the first are ignored.
func PrometheusInit(serverName string) {
	if serverName == "" {
		panic("server name must be provided")
	}

	initOnce.Do(func() {
		labels := prometheus.Labels{"server": serverName}

		RequestCount = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			}, []string{"method", "path", "status"})

		RequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			}, []string{"method", "path"})

		PredictionCount = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "predictions_total",
				Help:        "Total number of predictions by label",
				ConstLabels: labels,
			}, []string{"label"})

		TrainingTaskCount = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "training_tasks_total",
				Help:        "Total number of training tasks by outcome",
				ConstLabels: labels,
			}, []string{"progress"})

		StageDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "pipeline_stage_duration_seconds",
				Help:        "Duration of pipeline stages",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
			}, []string{"stage", "status"})

		TrainingQueueGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "training_tasks_unfinished",
				Help:        "Number of training tasks waiting or running",
				ConstLabels: labels,
			})

		prometheus.MustRegister(RequestCount)
		prometheus.MustRegister(RequestDuration)
		prometheus.MustRegister(PredictionCount)
		prometheus.MustRegister(TrainingTaskCount)
		prometheus.MustRegister(StageDuration)
		prometheus.MustRegister(TrainingQueueGauge)
	})
}

// TrackMetrics records request counts and latencies per route.
func TrackMetrics() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		if RequestCount == nil {
			return
		}
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RequestCount.WithLabelValues(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		RequestDuration.WithLabelValues(ctx.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func IncPrediction(label string) {
	if PredictionCount != nil {
		PredictionCount.WithLabelValues(label).Inc()
	}
}

func IncTrainingTask(progress string) {
	if TrainingTaskCount != nil {
		TrainingTaskCount.WithLabelValues(progress).Inc()
	}
}

func ObserveStage(stage, status string, d time.Duration) {
	if StageDuration != nil {
		StageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
	}
}

func SetUnfinishedTasks(n int64) {
	if TrainingQueueGauge != nil {
		TrainingQueueGauge.Set(float64(n))
	}
}
