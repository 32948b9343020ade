/*
Package metrics provides Prometheus metrics collection and exposition for the
GPU task engine.

Metrics are defined and registered with the Prometheus client library at
package init, giving visibility into device allocation, model staging
latency, session lifecycle, task outcomes, and container driver behavior.
Metrics are exposed over HTTP for scraping.

# Metric Categories

Device Registry:
  - gpuengine_devices_total{capability_class,state}: gauge, device count by
    capability class and allocation state (free/allocated)
  - gpuengine_device_utilization_percent{device_id}: gauge, last reported
    per-device utilization

Model Staging Cache:
  - gpuengine_model_cache_entries_total: gauge, models currently staged
  - gpuengine_model_staging_duration_seconds: histogram, stage() latency
  - gpuengine_model_fetches_total{outcome}: counter, fetch attempts by
    outcome (success, failed)

Session Registry:
  - gpuengine_sessions_total{state}: gauge, session count by state
  - gpuengine_session_queue_depth{session_id}: gauge, queued task count
  - gpuengine_sessions_swept_total{reason}: counter, sweeper kills by reason
    (idle_timeout, max_lifetime)

Task Pipeline:
  - gpuengine_tasks_total{state}: gauge, tracked task count by state
  - gpuengine_task_outcomes_total{outcome}: counter, terminal task outcomes
  - gpuengine_task_pipeline_duration_seconds{stage}: histogram, per-stage
    pipeline latency

Container Driver:
  - gpuengine_container_create_duration_seconds: histogram
  - gpuengine_container_stop_duration_seconds: histogram
  - gpuengine_containers_failed_total: counter

Admission API:
  - gpuengine_api_requests_total{route,status}: counter
  - gpuengine_api_request_duration_seconds{route}: histogram

# Collector

Collector polls DeviceSnapshotter and SessionSnapshotter (implemented by
pkg/devices.Registry and pkg/sessions.Registry) on a ticker and refreshes
the device/session gauges. It takes no lock of its own; each Snapshot()
call takes and releases the source's own mutex, so the collector never
holds a registry lock across Prometheus updates.

# Health

A separate HealthChecker tracks component liveness (containerd, devices,
api) for HealthHandler and ReadyHandler, which cmd/gpuengine mounts at
/healthz and /readyz, and for LivenessHandler, independent of the
Prometheus registry.

# Usage

	metrics.DevicesTotal.WithLabelValues("high", "allocated").Set(3)

	timer := metrics.NewTimer()
	// ... stage a model ...
	timer.ObserveDuration(metrics.ModelStagingDuration)

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
