// Package gpuengine defines the shared domain types for the GPU task engine:
// devices, model artifacts, task templates, tasks, sessions, and stream
// events. Every other package depends on these types but not on each other's
// concrete implementations.
package gpuengine

import "time"

// Device is one accelerator in the fixed pool.
type Device struct {
	ID              int
	Vendor          string
	CapabilityClass CapabilityClass
	TotalMemoryMB   int64
	UsedMemoryMB    int64
	TemperatureC    float64
	UtilizationPct  float64
	Available       bool
	HolderID        string // task or session id; empty when Available
	CreatedAt       time.Time
}

// CapabilityClass partitions devices into coarse tiers.
type CapabilityClass string

const (
	CapabilityLow  CapabilityClass = "low"
	CapabilityHigh CapabilityClass = "high"
)

// ModelArtifact is a content-addressed model staged on local disk.
type ModelArtifact struct {
	ModelID   string
	Path      string
	SizeBytes int64
	StagedAt  time.Time
}

// TaskTemplateDefinition is the "definition" third of a task template: name,
// default mode, default capability class, default timeout, default
// metadata, and an optional model identifier.
type TaskTemplateDefinition struct {
	Name                  string            `yaml:"name"`
	Mode                  TaskMode          `yaml:"mode"`
	DefaultCapabilityClass CapabilityClass  `yaml:"capability_class"`
	DefaultTimeoutSeconds int               `yaml:"timeout_seconds"`
	DefaultMetadata       map[string]string `yaml:"metadata"`
	ModelID               string            `yaml:"model_id,omitempty"`
}

// TaskMode is the execution mode a template defaults to.
type TaskMode string

const (
	TaskModeOneoff  TaskMode = "oneoff"
	TaskModeSession TaskMode = "session"
)

// TaskAction is the "action" third of a task template: what actually runs.
type TaskAction struct {
	Name       string   `yaml:"name"`
	Image      string   `yaml:"image"`
	Command    []string `yaml:"command"`
	Env        []string `yaml:"env"`
	BuildArgs  map[string]string `yaml:"build_args,omitempty"`
}

// ModelPathEntry is the optional "model path" third of a task template: an
// on-disk anchor for a named model.
type ModelPathEntry struct {
	ModelID string `yaml:"model_id"`
	Path    string `yaml:"path"`
}

// TaskTemplate is the resolved, three-part template a request names by name.
type TaskTemplate struct {
	Definition TaskTemplateDefinition
	Action     TaskAction
	ModelPath  *ModelPathEntry
}

// Task is a single request to run a template to completion, either in its
// own ephemeral container or as an entry in a session's queue.
type Task struct {
	ID              string
	TemplateName    string
	Mode            TaskMode
	CapabilityClass CapabilityClass
	TimeoutSeconds  int
	Metadata        map[string]string
	SessionID       string // empty for one-off tasks
	ContainerID     string
	State           TaskState
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	Error           string
	RetryCount      int // operator-visible only; does not affect any invariant
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
)

// Session is a long-lived container bound to one device and one model,
// accepting a bounded FIFO of follow-up tasks.
type Session struct {
	ID              string
	ContainerID     string
	DeviceID        int
	ModelID         string
	CapabilityClass CapabilityClass
	State           SessionState
	CreatedAt       time.Time
	LastActivityAt  time.Time
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	CurrentTaskID   string
	TasksServed     int // operator-visible only; does not affect any invariant
}

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionStateInitializing SessionState = "initializing"
	SessionStateWaiting      SessionState = "waiting"
	SessionStateWorking      SessionState = "working"
	SessionStateKilled       SessionState = "killed"
)

// KillReason records why a session was killed, for metrics and logging.
type KillReason string

const (
	KillReasonIdleTimeout KillReason = "idle_timeout"
	KillReasonMaxLifetime KillReason = "max_lifetime"
	KillReasonManual      KillReason = "manual"
)

// EventVariant names a stream event's shape (see StreamEvent).
type EventVariant string

const (
	EventConnection EventVariant = "connection"
	EventWorker     EventVariant = "worker"
	EventTextDelta  EventVariant = "text_delta"
	EventText       EventVariant = "text"
	EventLogs       EventVariant = "logs"
	EventTaskFinish EventVariant = "task_finish"
)

// StreamEvent is one frame on a task's event stream: a variant tag plus a
// structured payload. Data holds the payload as a plain map so the wire
// encoder and the parser share one representation without a type switch
// over every variant's bespoke struct.
type StreamEvent struct {
	Variant EventVariant
	Data    map[string]any
}
