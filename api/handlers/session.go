package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/agent"
	"github.com/BaSui01/taskflow/types"
)

// SessionHandler serves the request/response command surface. It is a second
// view onto the same agent transition methods the WebSocket path uses; no
// command logic lives here.
type SessionHandler struct {
	registry *agent.Registry
	logger   *zap.Logger
}

// NewSessionHandler creates the session command handler.
func NewSessionHandler(registry *agent.Registry, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		registry: registry,
		logger:   logger.With(zap.String("component", "session_handler")),
	}
}

// Register mounts the session routes on mux.
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions/{session}/start", h.HandleStart)
	mux.HandleFunc("GET /v1/sessions/{session}/state", h.HandleState)
	mux.HandleFunc("GET /v1/sessions/{session}/status/{id}", h.HandleStatus)
	mux.HandleFunc("POST /v1/sessions/{session}/pause/{id}", h.HandlePause)
	mux.HandleFunc("POST /v1/sessions/{session}/resume/{id}", h.HandleResume)
	mux.HandleFunc("POST /v1/sessions/{session}/cancel/{id}", h.HandleCancel)
}

// StartRequest is the HTTP start payload.
type StartRequest struct {
	TaskID string             `json:"taskId,omitempty"`
	Params *agent.StartParams `json:"params,omitempty"`
}

// CommandResponse carries the post-operation state snapshot.
type CommandResponse struct {
	InstanceID string              `json:"instanceId,omitempty"`
	Status     string              `json:"status,omitempty"`
	Output     interface{}         `json:"output,omitempty"`
	State      *agent.SessionState `json:"state"`
}

// HandleStart launches a task for the session.
func (h *SessionHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req StartRequest
	if r.ContentLength > 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	var items []string
	if req.Params != nil {
		items = req.Params.Items
	}

	instanceID, state, err := h.registry.Get(session).StartTask(r.Context(), req.TaskID, items)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, CommandResponse{InstanceID: instanceID, State: state})
}

// HandleState returns the current session snapshot.
func (h *SessionHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, CommandResponse{State: h.registry.Get(session).State()})
}

// HandleStatus merges the runtime's instance view with the session snapshot.
func (h *SessionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	session, instanceID, ok := h.sessionAndInstance(w, r)
	if !ok {
		return
	}

	info, state, err := h.registry.Get(session).QueryStatus(r.Context(), instanceID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, CommandResponse{
		InstanceID: instanceID,
		Status:     string(info.Status),
		Output:     info.Output,
		State:      state,
	})
}

// HandlePause pauses the active task.
func (h *SessionHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*agent.Agent).PauseTask)
}

// HandleResume resumes the active task.
func (h *SessionHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*agent.Agent).ResumeTask)
}

// HandleCancel cancels the active task.
func (h *SessionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*agent.Agent).CancelTask)
}

func (h *SessionHandler) control(w http.ResponseWriter, r *http.Request, call func(*agent.Agent, context.Context, string) (*agent.SessionState, error)) {
	session, instanceID, ok := h.sessionAndInstance(w, r)
	if !ok {
		return
	}

	state, err := call(h.registry.Get(session), r.Context(), instanceID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, CommandResponse{InstanceID: instanceID, State: state})
}

func (h *SessionHandler) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	session := r.PathValue("session")
	if session == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session id is required", h.logger)
		return "", false
	}
	return session, true
}

func (h *SessionHandler) sessionAndInstance(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	session, ok := h.sessionID(w, r)
	if !ok {
		return "", "", false
	}
	instanceID := r.PathValue("id")
	if instanceID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "instance id is required", h.logger)
		return "", "", false
	}
	return session, instanceID, true
}
