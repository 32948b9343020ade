package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Yuanxyyds/steven-universe/pkg/apierrors"
	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
	"github.com/Yuanxyyds/steven-universe/pkg/pipeline"
	"github.com/Yuanxyyds/steven-universe/pkg/streamevents"
	"github.com/Yuanxyyds/steven-universe/pkg/telelog"
)

// TaskSubmitter is the subset of the pipeline the task handlers need.
// Submit runs admission synchronously and returns an error, with no event
// channel opened, when the request can't be admitted (unknown template,
// no matching device, a full session queue, or a failed model fetch) so
// the handler can report it as a pre-stream HTTP status rather than an
// in-stream task_finish.
type TaskSubmitter interface {
	Submit(ctx context.Context, req pipeline.Request) (string, <-chan gpuengine.StreamEvent, error)
}

// SessionManager is the subset of the session registry the session
// handlers need.
type SessionManager interface {
	Get(sessionID string) (gpuengine.Session, bool)
	All() []gpuengine.Session
	MarkActivity(sessionID string)
	Kill(sessionID string, reason gpuengine.KillReason, stop func(containerID string)) []gpuengine.Task
}

// ContainerStopper stops a container by id, used when an operator kills a
// session through the API.
type ContainerStopper interface {
	Stop(ctx context.Context, containerID string, graceSeconds int) error
}

// Config configures the Admission API server.
type Config struct {
	ListenAddr  string
	APIKey      string
	CORSOrigins []string
}

// Server is the Admission API's HTTP server.
type Server struct {
	cfg      Config
	pipeline TaskSubmitter
	sessions SessionManager
	devices  DeviceLister
	tasks    TaskLister
	driver   ContainerStopper

	http *http.Server
}

// New builds the Admission API server and wires its routes behind the
// recovery, logging, CORS, and auth middleware chain.
func New(cfg Config, pipe TaskSubmitter, sessions SessionManager, devices DeviceLister, tasks TaskLister, driver ContainerStopper) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: pipe,
		sessions: sessions,
		devices:  devices,
		tasks:    tasks,
		driver:   driver,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/tasks/predefined", s.handleTasksPredefined)
	mux.HandleFunc("/tasks/custom", s.handleTasksCustom)
	mux.HandleFunc("/sessions", s.handleSessionsCollection)
	mux.HandleFunc("/sessions/", s.handleSessionsItem)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/resources", s.handleHealthResources)

	handler := chain(mux,
		withRecovery(),
		withLogging(),
		withCORS(cfg.CORSOrigins),
		withAuth(cfg.APIKey),
	)

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses can run far longer than the task timeout ceiling
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	telelog.WithComponent("api").Info().Str("addr", s.cfg.ListenAddr).Msg("admission API listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// taskSubmitRequest is the body of POST /tasks/predefined.
type taskSubmitRequest struct {
	TaskName       string            `json:"task_name"`
	TaskDifficulty string            `json:"task_difficulty,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	CreateSession  bool              `json:"create_session,omitempty"`
}

func (s *Server) handleTasksPredefined(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r.Method)
		return
	}

	var body taskSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.WriteJSON(w, apierrors.New(apierrors.KindValidation, "malformed request body"))
		return
	}
	if body.TaskName == "" {
		apierrors.WriteJSON(w, apierrors.New(apierrors.KindValidation, "task_name is required"))
		return
	}
	if body.TimeoutSeconds != 0 && (body.TimeoutSeconds < 10 || body.TimeoutSeconds > 1800) {
		apierrors.WriteJSON(w, apierrors.New(apierrors.KindValidation, "timeout_seconds must be between 10 and 1800"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierrors.WriteJSON(w, apierrors.New(apierrors.KindInternal, "streaming not supported by response writer"))
		return
	}

	req := pipeline.Request{
		TemplateName:    body.TaskName,
		TimeoutSeconds:  body.TimeoutSeconds,
		Metadata:        body.Metadata,
		SessionID:       body.SessionID,
		CreateSession:   body.CreateSession,
		CapabilityClass: gpuengine.CapabilityClass(body.TaskDifficulty),
	}

	ctx := r.Context()

	// Admission (template resolve, model stage, device allocate or session
	// queue attach) runs synchronously inside Submit and must fail here,
	// before any byte of the response is written, so it surfaces as a
	// typed HTTP status instead of an in-stream task_finish.
	_, events, err := s.pipeline.Submit(ctx, req)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := streamevents.WriteAndFlush(w, event); err != nil {
				telelog.WithComponent("api").Warn().Err(err).Msg("writing event frame")
				return
			}
			if event.Variant == gpuengine.EventTaskFinish {
				return
			}
		}
	}
}

func (s *Server) handleTasksCustom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r.Method)
		return
	}
	apierrors.WriteJSON(w, apierrors.New(apierrors.KindNotImplemented, "custom tasks are not implemented"))
}

func (s *Server) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	writeJSON(w, http.StatusOK, sessionsToResources(s.sessions.All()))
}

func (s *Server) handleSessionsItem(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/sessions/")
	sessionID, action, hasAction := strings.Cut(sessionID, "/")
	if sessionID == "" {
		apierrors.WriteJSON(w, apierrors.New(apierrors.KindValidation, "session id is required"))
		return
	}

	if hasAction {
		if action != "keepalive" || r.Method != http.MethodPost {
			apierrors.WriteJSON(w, apierrors.New(apierrors.KindValidation, fmt.Sprintf("unsupported action %q", action)))
			return
		}
		s.handleSessionKeepalive(w, sessionID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleSessionGet(w, sessionID)
	case http.MethodDelete:
		s.handleSessionDelete(w, r.Context(), sessionID)
	default:
		methodNotAllowed(w, r.Method)
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, sessionID string) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		apierrors.WriteJSON(w, apierrors.New(apierrors.KindNotFound, "unknown session"))
		return
	}
	writeJSON(w, http.StatusOK, sessionToResource(sess))
}

func (s *Server) handleSessionKeepalive(w http.ResponseWriter, sessionID string) {
	if _, ok := s.sessions.Get(sessionID); !ok {
		apierrors.WriteJSON(w, apierrors.New(apierrors.KindNotFound, "unknown session"))
		return
	}
	s.sessions.MarkActivity(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, ctx context.Context, sessionID string) {
	if _, ok := s.sessions.Get(sessionID); !ok {
		apierrors.WriteJSON(w, apierrors.New(apierrors.KindNotFound, "unknown session"))
		return
	}
	s.sessions.Kill(sessionID, gpuengine.KillReasonManual, func(containerID string) {
		if s.driver == nil {
			return
		}
		if err := s.driver.Stop(ctx, containerID, 5); err != nil {
			telelog.WithComponent("api").Warn().Err(err).Str("container_id", containerID).Msg("stopping session container")
		}
	})
	w.WriteHeader(http.StatusNoContent)
}

func sessionsToResources(sessions []gpuengine.Session) []sessionResource {
	out := make([]sessionResource, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionToResource(sess))
	}
	return out
}

func sessionToResource(sess gpuengine.Session) sessionResource {
	return sessionResource{
		ID:       sess.ID,
		DeviceID: sess.DeviceID,
		ModelID:  sess.ModelID,
		State:    string(sess.State),
	}
}
