package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device registry metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuengine_devices_total",
			Help: "Total number of devices by capability class and allocation state",
		},
		[]string{"capability_class", "state"},
	)

	DeviceUtilizationPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuengine_device_utilization_percent",
			Help: "Last-reported utilization percentage per device",
		},
		[]string{"device_id"},
	)

	// Model staging cache metrics
	ModelCacheEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuengine_model_cache_entries_total",
			Help: "Total number of models currently staged on disk",
		},
	)

	ModelStagingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpuengine_model_staging_duration_seconds",
			Help:    "Time taken to stage a model (fetch or cache hit) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ModelFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuengine_model_fetches_total",
			Help: "Total number of model fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Session registry metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuengine_sessions_total",
			Help: "Total number of sessions by state",
		},
		[]string{"state"},
	)

	SessionQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuengine_session_queue_depth",
			Help: "Current queued-task depth per session",
		},
		[]string{"session_id"},
	)

	SessionsSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuengine_sessions_swept_total",
			Help: "Total sessions killed by the idle/max-life sweeper, by reason",
		},
		[]string{"reason"},
	)

	// Task pipeline metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuengine_tasks_total",
			Help: "Total number of tasks currently tracked by state",
		},
		[]string{"state"},
	)

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuengine_task_outcomes_total",
			Help: "Total completed tasks by terminal outcome",
		},
		[]string{"outcome"},
	)

	TaskPipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpuengine_task_pipeline_duration_seconds",
			Help:    "End-to-end task pipeline duration in seconds, by stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Container driver metrics
	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpuengine_container_create_duration_seconds",
			Help:    "Time taken to create a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpuengine_container_stop_duration_seconds",
			Help:    "Time taken to stop a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainersFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuengine_containers_failed_total",
			Help: "Total number of containers that failed to start or exited non-zero",
		},
	)

	// Admission API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuengine_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpuengine_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(DeviceUtilizationPercent)
	prometheus.MustRegister(ModelCacheEntriesTotal)
	prometheus.MustRegister(ModelStagingDuration)
	prometheus.MustRegister(ModelFetchesTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionQueueDepth)
	prometheus.MustRegister(SessionsSweptTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskOutcomesTotal)
	prometheus.MustRegister(TaskPipelineDuration)
	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ContainerStopDuration)
	prometheus.MustRegister(ContainersFailed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
