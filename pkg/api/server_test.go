package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuanxyyds/steven-universe/pkg/apierrors"
	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
	"github.com/Yuanxyyds/steven-universe/pkg/pipeline"
)

type fakePipeline struct {
	events   chan gpuengine.StreamEvent
	admitErr error
}

func (f *fakePipeline) Submit(ctx context.Context, req pipeline.Request) (string, <-chan gpuengine.StreamEvent, error) {
	if f.admitErr != nil {
		return "", nil, f.admitErr
	}
	return "task-1", f.events, nil
}

type fakeSessions struct {
	sessions  map[string]gpuengine.Session
	activity  []string
	killed    []string
}

func (f *fakeSessions) Get(id string) (gpuengine.Session, bool) {
	s, ok := f.sessions[id]
	return s, ok
}
func (f *fakeSessions) All() []gpuengine.Session {
	out := make([]gpuengine.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}
func (f *fakeSessions) MarkActivity(id string) { f.activity = append(f.activity, id) }
func (f *fakeSessions) Kill(id string, reason gpuengine.KillReason, stop func(string)) []gpuengine.Task {
	f.killed = append(f.killed, id)
	stop(f.sessions[id].ContainerID)
	delete(f.sessions, id)
	return nil
}

type fakeDevices struct{ devices []gpuengine.Device }

func (f *fakeDevices) All() []gpuengine.Device { return f.devices }

type fakeTasks struct{ ids []string }

func (f *fakeTasks) RunningTaskIDs() []string { return f.ids }

type fakeDriver struct{ stopped []string }

func (f *fakeDriver) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	f.stopped = append(f.stopped, containerID)
	return nil
}

func newTestServer() (*Server, *fakeSessions, *fakeDevices) {
	sessions := &fakeSessions{sessions: map[string]gpuengine.Session{
		"sess-1": {ID: "sess-1", DeviceID: 0, ModelID: "demo", ContainerID: "container-1", State: gpuengine.SessionStateWaiting},
	}}
	devices := &fakeDevices{devices: []gpuengine.Device{
		{ID: 0, CapabilityClass: gpuengine.CapabilityLow, Available: true},
	}}
	tasks := &fakeTasks{ids: []string{"task-1"}}
	driver := &fakeDriver{}
	pipe := &fakePipeline{events: make(chan gpuengine.StreamEvent, 4)}

	s := New(Config{ListenAddr: ":0", APIKey: "secret", CORSOrigins: []string{"*"}}, pipe, sessions, devices, tasks, driver)
	return s, sessions, devices
}

func (s *Server) testHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks/predefined", s.handleTasksPredefined)
	mux.HandleFunc("/tasks/custom", s.handleTasksCustom)
	mux.HandleFunc("/sessions", s.handleSessionsCollection)
	mux.HandleFunc("/sessions/", s.handleSessionsItem)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/resources", s.handleHealthResources)
	return chain(mux, withRecovery(), withLogging(), withCORS(s.cfg.CORSOrigins), withAuth(s.cfg.APIKey))
}

func TestHandleTasksCustomReturnsNotImplemented(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/tasks/custom", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandleTasksPredefinedMissingAPIKeyIsUnauthorized(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/tasks/predefined", strings.NewReader(`{"task_name":"classify"}`))
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleTasksPredefinedValidatesTimeoutRange(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/tasks/predefined", strings.NewReader(`{"task_name":"classify","timeout_seconds":5}`))
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTasksPredefinedStreamsFrames(t *testing.T) {
	s, _, _ := newTestServer()
	pipe := s.pipeline.(*fakePipeline)
	pipe.events <- gpuengine.StreamEvent{Variant: gpuengine.EventConnection, Data: map[string]any{"status": "allocated"}}
	pipe.events <- gpuengine.StreamEvent{Variant: gpuengine.EventTaskFinish, Data: map[string]any{"status": "completed"}}

	req := httptest.NewRequest(http.MethodPost, "/tasks/predefined", strings.NewReader(`{"task_name":"classify"}`))
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	scanner := bufio.NewScanner(rec.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, "connection", scanner.Text())
}

func TestHandleTasksPredefinedAdmissionFailureIsPreStreamError(t *testing.T) {
	s, _, _ := newTestServer()
	pipe := s.pipeline.(*fakePipeline)
	pipe.admitErr = apierrors.New(apierrors.KindNoDevice, "no matching device available")

	req := httptest.NewRequest(http.MethodPost, "/tasks/predefined", strings.NewReader(`{"task_name":"classify"}`))
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no matching device available")
}

func TestHandleSessionsCollectionListsSessions(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sess-1")
}

func TestHandleSessionGetUnknownIsNotFound(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/sessions/ghost", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSessionKeepaliveMarksActivity(t *testing.T) {
	s, sessions, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/keepalive", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"sess-1"}, sessions.activity)
}

func TestHandleSessionDeleteKillsSessionAndStopsContainer(t *testing.T) {
	s, sessions, _ := newTestServer()
	driver := s.driver.(*fakeDriver)

	req := httptest.NewRequest(http.MethodDelete, "/sessions/sess-1", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"sess-1"}, sessions.killed)
	assert.Equal(t, []string{"container-1"}, driver.stopped)
}

func TestHandleHealthReportsDegradedWhenNoDeviceFree(t *testing.T) {
	s, _, devices := newTestServer()
	devices.devices[0].Available = false

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestHandleHealthUnauthenticatedIsAllowed(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthResourcesIncludesRunningTasks(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health/resources", nil)
	rec := httptest.NewRecorder()

	s.testHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "task-1")
}
