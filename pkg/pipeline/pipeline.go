// Package pipeline implements the Task Pipeline: the per-submission
// orchestrator that resolves a template, stages its model, allocates a
// device, launches a container, streams its output as parsed events, and
// cleans up on every exit path.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Yuanxyyds/steven-universe/pkg/apierrors"
	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
	"github.com/Yuanxyyds/steven-universe/pkg/metrics"
	"github.com/Yuanxyyds/steven-universe/pkg/rundriver"
	"github.com/Yuanxyyds/steven-universe/pkg/streamevents"
	"github.com/Yuanxyyds/steven-universe/pkg/telelog"
	"github.com/Yuanxyyds/steven-universe/pkg/templates"
)

// DeviceAllocator is the subset of the device registry the pipeline needs.
type DeviceAllocator interface {
	Allocate(class gpuengine.CapabilityClass, holderID string) (int, bool)
	Release(deviceID int)
}

// ModelStager is the subset of the model cache the pipeline needs.
type ModelStager interface {
	Ensure(modelID string) (string, bool)
}

// ContainerDriver is the subset of the container driver the pipeline
// needs. Implemented by *rundriver.Driver.
type ContainerDriver interface {
	CreateOneoff(ctx context.Context, taskID string, deviceID int, image string, command, env []string, limits rundriver.ResourceLimits) (string, error)
	CreateSession(ctx context.Context, sessionID string, deviceID int, image string, command, env []string, modelHostPath string, limits rundriver.ResourceLimits) (string, error)
	StreamLogs(ctx context.Context, containerID string) (<-chan rundriver.LogLine, func() (string, int64), error)
	Exec(ctx context.Context, containerID string, command []string) (string, error)
	Stop(ctx context.Context, containerID string, graceSeconds int) error
}

// SessionManager is the subset of the session registry the pipeline needs
// for the session branch.
type SessionManager interface {
	Get(sessionID string) (gpuengine.Session, bool)
	FindIdleWithModel(modelID string) (gpuengine.Session, bool)
	Enqueue(sessionID string, task gpuengine.Task) bool
	Dequeue(sessionID string) (gpuengine.Task, bool)
	Create(containerID string, deviceID int, modelID string, class gpuengine.CapabilityClass, idleTimeout, maxLifetime time.Duration) *gpuengine.Session
	SetState(sessionID string, state gpuengine.SessionState)
}

// Request is an accepted submission before template resolution.
type Request struct {
	TemplateName    string
	TimeoutSeconds  int
	Metadata        map[string]string
	SessionID       string
	CreateSession   bool
	CapabilityClass gpuengine.CapabilityClass
}

// Settings carries the pipeline's environment-derived limits.
type Settings struct {
	DefaultTimeoutSeconds int
	MaxTimeoutSeconds     int
	IdleTimeout           time.Duration
	MaxLifetime           time.Duration
	ContainerLimits       rundriver.ResourceLimits
}

// runningTask is the running-task map entry: enough to force-shutdown a
// task from outside its own goroutine.
type runningTask struct {
	task      *gpuengine.Task
	cancel    context.CancelFunc
	startedAt time.Time
}

// admission is the result of the pipeline's synchronous admission phase
// (steps 1-3): everything the asynchronous continuation needs to run
// steps 4-7 without re-resolving the template, re-staging the model, or
// re-allocating a device.
type admission struct {
	task          *gpuengine.Task
	def           gpuengine.TaskTemplateDefinition
	action        gpuengine.TaskAction
	modelHostPath string
	sessionID     string
	containerID   string // set only when reusing an existing session
	deviceID      int
	deviceHeld    bool
	reuseSession  bool
}

// Pipeline wires the Device Registry, Model Staging Cache, Container
// Driver, Session Registry, Template Catalog, and Event Stream together.
type Pipeline struct {
	templates *templates.Catalog
	models    ModelStager
	devices   DeviceAllocator
	driver    ContainerDriver
	sessions  SessionManager
	broker    *streamevents.Broker
	settings  Settings

	mu        sync.Mutex
	running   map[string]*runningTask
	wakeChans map[string]chan struct{}    // per-session worker wake signal
	taskDone  map[string]chan struct{}    // per-task completion signal for session-queued tasks
}

// New creates a pipeline from its collaborators.
func New(catalog *templates.Catalog, models ModelStager, devices DeviceAllocator, driver ContainerDriver, sessions SessionManager, broker *streamevents.Broker, settings Settings) *Pipeline {
	return &Pipeline{
		templates: catalog,
		models:    models,
		devices:   devices,
		driver:    driver,
		sessions:  sessions,
		broker:    broker,
		settings:  settings,
		running:   make(map[string]*runningTask),
		wakeChans: make(map[string]chan struct{}),
		taskDone:  make(map[string]chan struct{}),
	}
}

// Events opens the broker's event channel for taskID, replacing any channel
// already open for it, and returns it. Submit opens the channel for its own
// tasks; Run opens none, so its events reach no reader.
func (p *Pipeline) Events(taskID string) <-chan gpuengine.StreamEvent {
	return p.broker.Open(taskID)
}

// Run executes one submission end to end and blocks until it finishes.
// Most callers want Submit instead, which returns the task id and its
// event channel before the orchestration begins.
func (p *Pipeline) Run(ctx context.Context, req Request) {
	taskID := uuid.NewString()
	adm, err := p.admit(taskID, req)
	if err != nil {
		return
	}
	p.continueRun(ctx, adm)
}

// Submit runs admission (steps 1-3: resolve template, stage model,
// attach to or allocate for a session/device) synchronously, before any
// event channel opens. A failure here is returned as a typed
// *apierrors.Error with no channel ever opened, so the Admission API can
// surface it as a pre-stream HTTP status instead of an in-stream
// task_finish. On success, the event channel opens immediately and the
// remaining steps (4-7: connect, create container, register, stream) run
// in the background, so no early event is lost to an unopened broker
// subscription.
func (p *Pipeline) Submit(ctx context.Context, req Request) (string, <-chan gpuengine.StreamEvent, error) {
	taskID := uuid.NewString()

	adm, err := p.admit(taskID, req)
	if err != nil {
		return taskID, nil, err
	}

	events := p.broker.Open(taskID)
	go p.continueRun(ctx, adm)
	return taskID, events, nil
}

// admit performs the pipeline's synchronous admission steps: resolve
// template, stage model (if named), attach to a session's queue (reusing
// its device and container) or allocate a fresh device. Every failure
// here maps to a typed apierrors.Error; nothing it decides is undone by
// the caller on error, because nothing downstream (container creation,
// event publication) has happened yet.
func (p *Pipeline) admit(taskID string, req Request) (*admission, *apierrors.Error) {
	log := telelog.WithTaskID(taskID)

	task := &gpuengine.Task{
		ID:           taskID,
		TemplateName: req.TemplateName,
		Metadata:     req.Metadata,
		State:        gpuengine.TaskStatePending,
		CreatedAt:    time.Now(),
	}

	// Step 1: resolve template.
	def, action, modelPath, err := p.templates.Resolve(req.TemplateName, templates.Overrides{
		CapabilityClass: req.CapabilityClass,
		TimeoutSeconds:  req.TimeoutSeconds,
		Metadata:        req.Metadata,
	})
	if err != nil {
		log.Warn().Err(err).Msg("resolving template")
		return nil, apierrors.Wrap(apierrors.KindNotFound, err.Error(), err)
	}

	timeout := def.DefaultTimeoutSeconds
	if timeout <= 0 {
		timeout = p.settings.DefaultTimeoutSeconds
	}
	if p.settings.MaxTimeoutSeconds > 0 && timeout > p.settings.MaxTimeoutSeconds {
		timeout = p.settings.MaxTimeoutSeconds
	}
	task.Mode = def.Mode
	task.CapabilityClass = def.DefaultCapabilityClass
	task.TimeoutSeconds = timeout

	// Step 2: stage model, if the template names one.
	var modelHostPath string
	if def.ModelID != "" {
		if modelPath != nil {
			modelHostPath = modelPath.Path
		}
		stageTimer := metrics.NewTimer()
		path, ok := p.models.Ensure(def.ModelID)
		stageTimer.ObserveDuration(metrics.ModelStagingDuration)
		if !ok {
			metrics.ModelFetchesTotal.WithLabelValues("failed").Inc()
			log.Warn().Str("model_id", def.ModelID).Msg("staging model failed")
			return nil, apierrors.New(apierrors.KindModelFetchFailed, "model fetch failed")
		}
		metrics.ModelFetchesTotal.WithLabelValues("success").Inc()
		modelHostPath = path
	}

	// Session branch bookkeeping: decide up front whether this run attaches
	// to an existing/new session, per the session-branch rule in §4.5.
	sessionID := req.SessionID
	var reuseSession bool
	var containerID string
	var deviceID = -1
	if sessionID != "" {
		sess, ok := p.sessions.Get(sessionID)
		if !ok {
			return nil, apierrors.New(apierrors.KindNotFound, "unknown session")
		}
		if sess.ModelID != def.ModelID {
			return nil, apierrors.New(apierrors.KindValidation, "session model mismatch")
		}
		if !p.sessions.Enqueue(sessionID, *task) {
			return nil, apierrors.New(apierrors.KindQueueFull, "session queue full")
		}
		reuseSession = true
		deviceID = sess.DeviceID
		containerID = sess.ContainerID
	} else if def.Mode == gpuengine.TaskModeSession {
		if existing, ok := p.sessions.FindIdleWithModel(def.ModelID); ok {
			sessionID = existing.ID
			deviceID = existing.DeviceID
			containerID = existing.ContainerID
			if !p.sessions.Enqueue(sessionID, *task) {
				return nil, apierrors.New(apierrors.KindQueueFull, "session queue full")
			}
			reuseSession = true
		}
	}

	var deviceHeld bool
	if !reuseSession {
		// Step 3: allocate device of requested class.
		id, ok := p.devices.Allocate(def.DefaultCapabilityClass, taskID)
		if !ok {
			return nil, apierrors.New(apierrors.KindNoDevice, "no matching device available")
		}
		deviceID = id
		deviceHeld = true
	}

	task.SessionID = sessionID

	return &admission{
		task:          task,
		def:           def,
		action:        action,
		modelHostPath: modelHostPath,
		sessionID:     sessionID,
		containerID:   containerID,
		deviceID:      deviceID,
		deviceHeld:    deviceHeld,
		reuseSession:  reuseSession,
	}, nil
}

// continueRun runs the asynchronous remainder of the seven-step table
// (steps 4-7: emit connection, create container or deliver into a
// session's queue, register, stream/await) once admit has decided the
// device, container, and session. The Finally cleanup path runs on every
// exit, including ctx cancellation (client disconnect).
func (p *Pipeline) continueRun(ctx context.Context, adm *admission) {
	task := adm.task
	taskID := task.ID
	log := telelog.WithTaskID(taskID)

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskPipelineDuration, "total")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deviceID := adm.deviceID
	deviceHeld := adm.deviceHeld
	containerID := adm.containerID
	sessionID := adm.sessionID
	var oneoff bool

	finish := func(status string, elapsed float64, errMsg string) {
		p.broker.Publish(taskID, streamevents.TaskFinish(status, elapsed, errMsg))
	}

	defer func() {
		// Finally: unregister task, release device for one-off tasks only
		// (a session's device is released when the session is killed).
		p.mu.Lock()
		_, registered := p.running[taskID]
		delete(p.running, taskID)
		p.mu.Unlock()
		if registered {
			metrics.TasksTotal.WithLabelValues(string(gpuengine.TaskStateRunning)).Dec()
		}

		if deviceHeld && oneoff && p.devices != nil {
			p.devices.Release(deviceID)
		}

		p.broker.Close(taskID)
	}()

	// Step 4: emit connection event.
	gpuID := deviceID
	p.broker.Publish(taskID, streamevents.Connection("allocated", &gpuID, sessionID))

	// Step 5: create container, for a new one-off or session only. A
	// reused session already has a running container; its queued task is
	// delivered by the session's worker instead (step 7).
	if !adm.reuseSession {
		if adm.def.Mode == gpuengine.TaskModeOneoff {
			oneoff = true
			id, err := p.driver.CreateOneoff(runCtx, taskID, deviceID, adm.action.Image, adm.action.Command, adm.action.Env, p.settings.ContainerLimits)
			if err != nil {
				p.devices.Release(deviceID)
				deviceHeld = false
				log.Error().Err(err).Msg("creating one-off container")
				finish("failed", 0, err.Error())
				return
			}
			containerID = id
		} else {
			newSessionID := uuid.NewString()
			id, err := p.driver.CreateSession(runCtx, newSessionID, deviceID, adm.action.Image, adm.action.Command, adm.action.Env, adm.modelHostPath, p.settings.ContainerLimits)
			if err != nil {
				p.devices.Release(deviceID)
				deviceHeld = false
				log.Error().Err(err).Msg("creating session container")
				finish("failed", 0, err.Error())
				return
			}
			containerID = id
			sess := p.sessions.Create(containerID, deviceID, adm.def.ModelID, adm.def.DefaultCapabilityClass, p.settings.IdleTimeout, p.settings.MaxLifetime)
			sessionID = sess.ID
			task.SessionID = sessionID
			p.startSessionWorker(sessionID, containerID)
		}
	}

	task.ContainerID = containerID
	task.State = gpuengine.TaskStateRunning
	task.StartedAt = time.Now()

	// Step 6: register for operational visibility and forced shutdown.
	p.mu.Lock()
	p.running[taskID] = &runningTask{task: task, cancel: cancel, startedAt: task.StartedAt}
	p.mu.Unlock()
	metrics.TasksTotal.WithLabelValues(string(gpuengine.TaskStateRunning)).Inc()

	// Step 7: stream execution (one-off and founding session tasks attach
	// to the container's own log stream) or, for a task reusing an
	// existing session, wake that session's worker and wait for it to
	// deliver this task via Exec and report its own completion.
	if adm.reuseSession {
		p.wakeSession(sessionID)
		p.awaitSessionTask(runCtx, taskID)
	} else {
		p.stream(runCtx, taskID, containerID, task, finish)
	}
}

// stream attaches to the container's logs, parses each line into an
// event, enforces the task's timeout, and emits the terminal task_finish.
func (p *Pipeline) stream(ctx context.Context, taskID, containerID string, task *gpuengine.Task, finish func(status string, elapsed float64, errMsg string)) {
	log := telelog.WithTaskID(taskID)

	lines, _, err := p.driver.StreamLogs(ctx, containerID)
	if err != nil {
		log.Error().Err(err).Msg("attaching to container logs")
		finish("failed", 0, err.Error())
		return
	}

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			// The run context is already cancelled here, so stopping the
			// container needs a fresh context rather than the one that
			// just fired.
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.driver.Stop(stopCtx, containerID, 5); err != nil {
				log.Warn().Err(err).Msg("stopping container after client disconnect")
			}
			stopCancel()
			finish("cancelled", time.Since(task.StartedAt).Seconds(), "client disconnected")
			return

		case <-deadline.C:
			_ = p.driver.Stop(ctx, containerID, 5)
			finish("timeout", time.Since(task.StartedAt).Seconds(), "Task timeout exceeded")
			return

		case line, ok := <-lines:
			if !ok {
				finish("completed", time.Since(task.StartedAt).Seconds(), "")
				metrics.TaskOutcomesTotal.WithLabelValues("completed").Inc()
				return
			}
			if line.Err != nil {
				finish("completed", time.Since(task.StartedAt).Seconds(), "")
				metrics.TaskOutcomesTotal.WithLabelValues("completed").Inc()
				return
			}
			if event, ok := parseOrSkip(line.Text); ok {
				p.broker.Publish(taskID, event)
			}
		}
	}
}

// startSessionWorker launches the single goroutine that serializes every
// task later delivered into this session's queue. The worker marks the
// session waiting at once and then runs on each wake signal; the founding
// task is not queued, since it streams the container's own logs.
func (p *Pipeline) startSessionWorker(sessionID, containerID string) {
	wake := make(chan struct{}, 1)
	p.mu.Lock()
	p.wakeChans[sessionID] = wake
	p.mu.Unlock()
	go p.runSessionWorker(sessionID, containerID, wake)
}

// runSessionWorker drains sessionID's task queue in FIFO order for the
// lifetime of the session: each wake signal drains every task currently
// queued via Dequeue, executing it through driver.Exec against the
// session's already-running container, independent of which goroutine
// originally submitted it. The session is reported waiting whenever the
// queue is empty, matching the initializing -> waiting -> working ->
// waiting state machine. The worker exits on the first wake after the
// session no longer exists (it was killed).
func (p *Pipeline) runSessionWorker(sessionID, containerID string, wake chan struct{}) {
	p.sessions.SetState(sessionID, gpuengine.SessionStateWaiting)

	for range wake {
		for {
			task, ok := p.sessions.Dequeue(sessionID)
			if !ok {
				break
			}
			p.executeSessionTask(sessionID, containerID, task)
			p.signalTaskDone(task.ID)
		}

		if _, exists := p.sessions.Get(sessionID); !exists {
			p.mu.Lock()
			delete(p.wakeChans, sessionID)
			p.mu.Unlock()
			return
		}
		p.sessions.SetState(sessionID, gpuengine.SessionStateWaiting)
	}
}

// executeSessionTask re-resolves task's template (the session worker
// holds no cached action from admission time) and delivers it to the
// session's container via a one-shot Exec, publishing the resulting
// output and terminal task_finish on the task's own event stream.
func (p *Pipeline) executeSessionTask(sessionID, containerID string, task gpuengine.Task) {
	log := telelog.WithTaskID(task.ID)
	start := time.Now()

	_, action, _, err := p.templates.Resolve(task.TemplateName, templates.Overrides{
		CapabilityClass: task.CapabilityClass,
		TimeoutSeconds:  task.TimeoutSeconds,
		Metadata:        task.Metadata,
	})
	if err != nil {
		log.Warn().Err(err).Msg("resolving template for queued session task")
		p.broker.Publish(task.ID, streamevents.TaskFinish("failed", 0, err.Error()))
		return
	}

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(p.settings.DefaultTimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	output, err := p.driver.Exec(execCtx, containerID, action.Command)
	if err != nil {
		log.Error().Err(err).Msg("delivering queued task to session container")
		p.broker.Publish(task.ID, streamevents.TaskFinish("failed", time.Since(start).Seconds(), err.Error()))
		metrics.TaskOutcomesTotal.WithLabelValues("failed").Inc()
		return
	}

	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		if event, ok := parseOrSkip(line); ok {
			p.broker.Publish(task.ID, event)
		}
	}

	p.broker.Publish(task.ID, streamevents.TaskFinish("completed", time.Since(start).Seconds(), ""))
	metrics.TaskOutcomesTotal.WithLabelValues("completed").Inc()
}

// wakeSession signals sessionID's worker that its queue may have new
// work. A safe no-op if the session has no worker (shouldn't happen: one
// is started the moment a session is created) or the worker's wake
// buffer is already full, since the worker always drains the whole
// queue on each wake.
func (p *Pipeline) wakeSession(sessionID string) {
	p.mu.Lock()
	wake := p.wakeChans[sessionID]
	p.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// registerTaskDone creates and registers the completion channel
// awaitSessionTask blocks on for taskID. If the worker already finished
// taskID, the closed channel it left behind is returned instead.
func (p *Pipeline) registerTaskDone(taskID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.taskDone[taskID]; ok {
		delete(p.taskDone, taskID)
		return ch
	}
	ch := make(chan struct{})
	p.taskDone[taskID] = ch
	return ch
}

// signalTaskDone closes and removes taskID's completion channel. Safe to
// call before anyone waits on it: a closed channel is then left for
// registerTaskDone to hand out, so the completion is not lost.
func (p *Pipeline) signalTaskDone(taskID string) {
	p.mu.Lock()
	ch, ok := p.taskDone[taskID]
	if ok {
		delete(p.taskDone, taskID)
	} else {
		done := make(chan struct{})
		close(done)
		p.taskDone[taskID] = done
	}
	p.mu.Unlock()
	if ok {
		close(ch)
	}
}

// awaitSessionTask blocks the submitting goroutine until the session
// worker reports taskID done (so Finally's bookkeeping only clears once
// the task truly finishes) or ctx is cancelled (client disconnect): the
// worker keeps running the task to completion regardless, since it
// belongs to the session's container, not to this request.
func (p *Pipeline) awaitSessionTask(ctx context.Context, taskID string) {
	done := p.registerTaskDone(taskID)
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func parseOrSkip(line string) (gpuengine.StreamEvent, bool) {
	return streamevents.ParseLine(line)
}

// ForceShutdown cancels a running task's context from outside its own
// goroutine, triggering the same cleanup path as a client disconnect.
// An unknown task id is returned as a not-found *apierrors.Error, not
// panicked on.
func (p *Pipeline) ForceShutdown(taskID string) error {
	p.mu.Lock()
	rt, ok := p.running[taskID]
	p.mu.Unlock()
	if !ok {
		return apierrors.New(apierrors.KindNotFound, fmt.Sprintf("task not running: %s", taskID))
	}
	rt.cancel()
	return nil
}

// RunningTaskIDs returns the ids of every task currently registered, for
// the health/resources endpoint.
func (p *Pipeline) RunningTaskIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	return ids
}
