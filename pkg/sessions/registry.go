// Package sessions owns the set of live sessions: their per-session FIFO
// task queue, state machine, and the idle/max-lifetime sweeper that tears
// them down.
package sessions

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
	"github.com/Yuanxyyds/steven-universe/pkg/metrics"
	"github.com/Yuanxyyds/steven-universe/pkg/telelog"
)

// DeviceReleaser is the subset of the device registry kill needs.
type DeviceReleaser interface {
	Release(deviceID int)
}

// entry is the internal, mutex-guarded record for one session.
type entry struct {
	session *gpuengine.Session
	queue   []gpuengine.Task
}

// Registry is the session registry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	order    []string // insertion order, for find_idle_with_model scan order

	queueCapacity int
	devices       DeviceReleaser

	stopCh chan struct{}
}

// New creates an empty session registry.
func New(queueCapacity int, devices DeviceReleaser) *Registry {
	if queueCapacity <= 0 {
		queueCapacity = 5
	}
	return &Registry{
		sessions:      make(map[string]*entry),
		queueCapacity: queueCapacity,
		devices:       devices,
		stopCh:        make(chan struct{}),
	}
}

// Create registers a new session bound to one device and container,
// starting in the initializing state.
func (r *Registry) Create(containerID string, deviceID int, modelID string, class gpuengine.CapabilityClass, idleTimeout, maxLifetime time.Duration) *gpuengine.Session {
	now := time.Now()
	s := &gpuengine.Session{
		ID:              uuid.NewString(),
		ContainerID:     containerID,
		DeviceID:        deviceID,
		ModelID:         modelID,
		CapabilityClass: class,
		State:           gpuengine.SessionStateInitializing,
		CreatedAt:       now,
		LastActivityAt:  now,
		IdleTimeout:     idleTimeout,
		MaxLifetime:     maxLifetime,
	}

	r.mu.Lock()
	r.sessions[s.ID] = &entry{session: s}
	r.order = append(r.order, s.ID)
	r.mu.Unlock()

	return s
}

// Get returns a copy of a session by id.
func (r *Registry) Get(sessionID string) (gpuengine.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return gpuengine.Session{}, false
	}
	return *e.session, true
}

// FindIdleWithModel scans sessions in insertion order and returns the first
// that is waiting, matches modelID, and has queue room.
func (r *Registry) FindIdleWithModel(modelID string) (gpuengine.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		e := r.sessions[id]
		if e == nil {
			continue
		}
		if e.session.State == gpuengine.SessionStateWaiting &&
			e.session.ModelID == modelID &&
			len(e.queue) < r.queueCapacity {
			return *e.session, true
		}
	}
	return gpuengine.Session{}, false
}

// Enqueue appends a task to a session's queue. Returns false if the queue
// is already at capacity or the session doesn't exist.
func (r *Registry) Enqueue(sessionID string, task gpuengine.Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if len(e.queue) >= r.queueCapacity {
		return false
	}
	e.queue = append(e.queue, task)
	return true
}

// Dequeue pops the oldest task in a session's queue, if any.
func (r *Registry) Dequeue(sessionID string) (gpuengine.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || len(e.queue) == 0 {
		return gpuengine.Task{}, false
	}

	task := e.queue[0]
	e.queue = e.queue[1:]
	e.session.State = gpuengine.SessionStateWorking
	e.session.CurrentTaskID = task.ID
	return task, true
}

// MarkActivity stamps a session's last-activity time to now.
func (r *Registry) MarkActivity(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[sessionID]; ok {
		e.session.LastActivityAt = time.Now()
	}
}

// SetState transitions a session to a new state. Completion of the current
// task (working -> waiting) clears current_task_id.
func (r *Registry) SetState(sessionID string, state gpuengine.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if e.session.State == gpuengine.SessionStateKilled {
		return
	}
	if state == gpuengine.SessionStateWaiting {
		e.session.CurrentTaskID = ""
	}
	e.session.State = state
	e.session.LastActivityAt = time.Now()
}

// Kill transitions a session to killed, passes its container id to stop
// (Kill itself does not remove the container), releases its device, drops
// pending queue tasks, and removes the session from the registry. Dropped tasks are returned so the caller can
// surface task_finish{cancelled} on their event streams.
func (r *Registry) Kill(sessionID string, reason gpuengine.KillReason, stop func(containerID string)) []gpuengine.Task {
	log := telelog.WithSessionID(sessionID)

	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		log.Warn().Msg("kill: unknown session id")
		return nil
	}
	e.session.State = gpuengine.SessionStateKilled
	dropped := e.queue
	e.queue = nil
	containerID := e.session.ContainerID
	deviceID := e.session.DeviceID
	delete(r.sessions, sessionID)
	r.removeFromOrder(sessionID)
	r.mu.Unlock()

	log.Info().Str("reason", string(reason)).Int("dropped_tasks", len(dropped)).Msg("killing session")

	if stop != nil {
		stop(containerID)
	}
	if r.devices != nil {
		r.devices.Release(deviceID)
	}

	return dropped
}

func (r *Registry) removeFromOrder(sessionID string) {
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// All returns a copy of every live session.
func (r *Registry) All() []gpuengine.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]gpuengine.Session, 0, len(r.sessions))
	for _, id := range r.order {
		if e, ok := r.sessions[id]; ok {
			out = append(out, *e.session)
		}
	}
	return out
}

// Snapshot returns the collector-facing view of every live session.
func (r *Registry) Snapshot() []metrics.SessionSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]metrics.SessionSample, 0, len(r.sessions))
	for _, id := range r.order {
		e, ok := r.sessions[id]
		if !ok {
			continue
		}
		out = append(out, metrics.SessionSample{
			ID:         e.session.ID,
			State:      string(e.session.State),
			QueueDepth: len(e.queue),
		})
	}
	return out
}

// sweepTarget is a point-in-time copy of a session used by the sweeper so
// it never holds the registry lock while deciding or calling Kill.
type sweepTarget struct {
	id        string
	createdAt time.Time
	lastIdle  time.Time
	state     gpuengine.SessionState
	maxLife   time.Duration
	idleTO    time.Duration
}

// Sweep runs one pass of the idle/max-lifetime sweeper: it copies the
// session list, decides kill targets off that copy, then kills them one by
// one, each acquiring the registry lock independently.
func (r *Registry) Sweep(stop func(containerID string)) {
	r.mu.Lock()
	targets := make([]sweepTarget, 0, len(r.sessions))
	for _, id := range r.order {
		e, ok := r.sessions[id]
		if !ok {
			continue
		}
		targets = append(targets, sweepTarget{
			id:        e.session.ID,
			createdAt: e.session.CreatedAt,
			lastIdle:  e.session.LastActivityAt,
			state:     e.session.State,
			maxLife:   e.session.MaxLifetime,
			idleTO:    e.session.IdleTimeout,
		})
	}
	r.mu.Unlock()

	now := time.Now()
	for _, t := range targets {
		if t.maxLife > 0 && now.Sub(t.createdAt) > t.maxLife {
			r.Kill(t.id, gpuengine.KillReasonMaxLifetime, stop)
			metrics.SessionsSweptTotal.WithLabelValues(string(gpuengine.KillReasonMaxLifetime)).Inc()
			continue
		}
		if t.state == gpuengine.SessionStateWaiting && t.idleTO > 0 && now.Sub(t.lastIdle) > t.idleTO {
			r.Kill(t.id, gpuengine.KillReasonIdleTimeout, stop)
			metrics.SessionsSweptTotal.WithLabelValues(string(gpuengine.KillReasonIdleTimeout)).Inc()
		}
	}
}

// StartSweeper runs Sweep on a fixed interval until StopSweeper is called.
func (r *Registry) StartSweeper(interval time.Duration, stop func(containerID string)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				r.Sweep(stop)
			case <-r.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// StopSweeper ends the sweeper loop.
func (r *Registry) StopSweeper() {
	close(r.stopCh)
}

// ErrSessionNotFound is returned by callers that need a typed not-found
// signal rather than a zero value; Registry itself uses (value, bool).
var ErrSessionNotFound = fmt.Errorf("session not found")
