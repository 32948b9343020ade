// Package config loads the GPU task engine's configuration from environment
// variables, in the same plain stdlib style the rest of the codebase uses
// for ad hoc environment reads (os.Getenv with an explicit fallback),
// scaled up to this service's larger environment-variable surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
)

// Config is the full set of environment-derived settings for the engine.
type Config struct {
	// Devices maps device id to its capability class, e.g. "0:low,1:high".
	Devices []DeviceConfig

	// Session registry.
	SessionIdleTimeout    time.Duration
	SessionMaxLifetime    time.Duration
	SessionQueueCapacity  int
	SessionSweepInterval  time.Duration

	// Task timeouts, seconds.
	DefaultTaskTimeoutSeconds int
	MaxTaskTimeoutSeconds     int

	// Container resource caps applied to every launched container.
	ContainerMemoryLimitMB int64
	ContainerCPULimit      float64

	// Model staging cache.
	ModelCacheDir   string
	ModelAutoFetch  bool
	FileServiceURL  string
	FileServiceKey  string

	// Template catalog.
	TemplateDir string

	// Admission API.
	AdmissionAPIKey string
	CORSOrigins     []string
	ListenAddr      string

	// Telemetry refresh cadence for the device registry.
	TelemetryInterval time.Duration

	// Logging.
	LogLevel  string
	LogJSON   bool
}

// DeviceConfig is one statically configured device.
type DeviceConfig struct {
	ID              int
	CapabilityClass gpuengine.CapabilityClass
}

// Load reads the configuration from the process environment, applying the
// defaults spelled out below wherever a variable is unset.
func Load() (*Config, error) {
	devices, err := parseDevices(getEnv("GPUENGINE_DEVICES", "0:low,1:high"))
	if err != nil {
		return nil, fmt.Errorf("parsing GPUENGINE_DEVICES: %w", err)
	}

	cfg := &Config{
		Devices: devices,

		SessionIdleTimeout:   getEnvDuration("GPUENGINE_SESSION_IDLE_TIMEOUT", 10*time.Minute),
		SessionMaxLifetime:   getEnvDuration("GPUENGINE_SESSION_MAX_LIFETIME", 2*time.Hour),
		SessionQueueCapacity: getEnvInt("GPUENGINE_SESSION_QUEUE_CAPACITY", 5),
		SessionSweepInterval: getEnvDuration("GPUENGINE_SESSION_SWEEP_INTERVAL", 30*time.Second),

		DefaultTaskTimeoutSeconds: getEnvInt("GPUENGINE_DEFAULT_TASK_TIMEOUT_SECONDS", 60),
		MaxTaskTimeoutSeconds:     getEnvInt("GPUENGINE_MAX_TASK_TIMEOUT_SECONDS", 1800),

		ContainerMemoryLimitMB: getEnvInt64("GPUENGINE_CONTAINER_MEMORY_LIMIT_MB", 8192),
		ContainerCPULimit:      getEnvFloat("GPUENGINE_CONTAINER_CPU_LIMIT", 2.0),

		ModelCacheDir:  getEnv("GPUENGINE_MODEL_CACHE_DIR", "./model-cache"),
		ModelAutoFetch: getEnvBool("GPUENGINE_MODEL_AUTO_FETCH", true),
		FileServiceURL: getEnv("GPUENGINE_FILE_SERVICE_URL", ""),
		FileServiceKey: getEnv("GPUENGINE_FILE_SERVICE_KEY", ""),

		TemplateDir: getEnv("GPUENGINE_TEMPLATE_DIR", "./templates"),

		AdmissionAPIKey: getEnv("GPUENGINE_ADMISSION_API_KEY", ""),
		CORSOrigins:     splitCSV(getEnv("GPUENGINE_CORS_ORIGINS", "")),
		ListenAddr:      getEnv("GPUENGINE_LISTEN_ADDR", ":8090"),

		TelemetryInterval: getEnvDuration("GPUENGINE_TELEMETRY_INTERVAL", 5*time.Second),

		LogLevel: getEnv("GPUENGINE_LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("GPUENGINE_LOG_JSON", true),
	}

	if cfg.AdmissionAPIKey == "" {
		return nil, fmt.Errorf("GPUENGINE_ADMISSION_API_KEY must be set")
	}

	return cfg, nil
}

func parseDevices(spec string) ([]DeviceConfig, error) {
	var devices []DeviceConfig
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed device entry %q, want id:class", entry)
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("malformed device id in %q: %w", entry, err)
		}
		class := gpuengine.CapabilityClass(strings.TrimSpace(parts[1]))
		if class != gpuengine.CapabilityLow && class != gpuengine.CapabilityHigh {
			return nil, fmt.Errorf("unknown capability class %q in %q", class, entry)
		}
		devices = append(devices, DeviceConfig{ID: id, CapabilityClass: class})
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}
	return devices, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
