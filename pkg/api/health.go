package api

import (
	"encoding/json"
	"net/http"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
)

// DeviceLister is the subset of the device registry the health endpoints need.
type DeviceLister interface {
	All() []gpuengine.Device
}

// SessionLister is the subset of the session registry the health endpoints need.
type SessionLister interface {
	All() []gpuengine.Session
}

// TaskLister is the subset of the pipeline the health endpoints need.
type TaskLister interface {
	RunningTaskIDs() []string
}

// healthSummary is the body of GET /health.
type healthSummary struct {
	Status        string `json:"status"`
	DeviceCount   int    `json:"device_count"`
	DevicesFree   int    `json:"devices_free"`
	SessionCount  int    `json:"session_count"`
	RunningTasks  int    `json:"running_tasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}

	devices := s.devices.All()
	free := 0
	for _, d := range devices {
		if d.Available {
			free++
		}
	}

	status := "healthy"
	if len(devices) == 0 {
		status = "unhealthy"
	} else if free == 0 {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthSummary{
		Status:       status,
		DeviceCount:  len(devices),
		DevicesFree:  free,
		SessionCount: len(s.sessions.All()),
		RunningTasks: len(s.tasks.RunningTaskIDs()),
	})
}

// deviceResource is one device's allocation snapshot for GET /health/resources.
type deviceResource struct {
	ID              int     `json:"id"`
	CapabilityClass string  `json:"capability_class"`
	Available       bool    `json:"available"`
	HolderID        string  `json:"holder_id,omitempty"`
	UsedMemoryMB    int64   `json:"used_memory_mb"`
	TemperatureC    float64 `json:"temperature_c"`
	UtilizationPct  float64 `json:"utilization_pct"`
}

// sessionResource is one session's allocation snapshot for GET /health/resources.
type sessionResource struct {
	ID         string `json:"id"`
	DeviceID   int    `json:"device_id"`
	ModelID    string `json:"model_id"`
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth,omitempty"`
}

type resourceSnapshot struct {
	Devices      []deviceResource  `json:"devices"`
	Sessions     []sessionResource `json:"sessions"`
	RunningTasks []string          `json:"running_tasks"`
}

func (s *Server) handleHealthResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}

	devices := s.devices.All()
	resources := make([]deviceResource, 0, len(devices))
	for _, d := range devices {
		resources = append(resources, deviceResource{
			ID:              d.ID,
			CapabilityClass: string(d.CapabilityClass),
			Available:       d.Available,
			HolderID:        d.HolderID,
			UsedMemoryMB:    d.UsedMemoryMB,
			TemperatureC:    d.TemperatureC,
			UtilizationPct:  d.UtilizationPct,
		})
	}

	sessions := s.sessions.All()
	sessionSnapshots := make([]sessionResource, 0, len(sessions))
	for _, sess := range sessions {
		sessionSnapshots = append(sessionSnapshots, sessionResource{
			ID:       sess.ID,
			DeviceID: sess.DeviceID,
			ModelID:  sess.ModelID,
			State:    string(sess.State),
		})
	}

	writeJSON(w, http.StatusOK, resourceSnapshot{
		Devices:      resources,
		Sessions:     sessionSnapshots,
		RunningTasks: s.tasks.RunningTaskIDs(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
