package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/store"
	"github.com/BaSui01/taskflow/types"
)

// HistoryHandler serves the run-history archive. History is optional; when
// no database is configured the routes are simply not mounted.
type HistoryHandler struct {
	history *store.HistoryStore
	logger  *zap.Logger
}

// NewHistoryHandler creates the run-history handler.
func NewHistoryHandler(history *store.HistoryStore, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		history: history,
		logger:  logger.With(zap.String("component", "history_handler")),
	}
}

// Register mounts the history routes on mux.
func (h *HistoryHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions/{session}/history", h.HandleList)
	mux.HandleFunc("GET /v1/history/{id}", h.HandleGet)
}

// HandleList returns a session's archived runs, newest first.
func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")
	if session == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session id is required", h.logger)
		return
	}

	filter := store.HistoryFilter{
		Session:  session,
		Workflow: r.URL.Query().Get("workflow"),
		Status:   r.URL.Query().Get("status"),
		Limit:    50,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be 1-500", h.logger)
			return
		}
		filter.Limit = limit
	}

	rows, err := h.history.List(r.Context(), filter)
	if err != nil {
		WriteError(w, types.NewError(types.ErrStoreFailure, "failed to list run history").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, rows)
}

// HandleGet returns one archived run by instance id.
func (h *HistoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if instanceID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "instance id is required", h.logger)
		return
	}

	row, err := h.history.Get(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, types.NewNotFoundError("run not found"), h.logger)
			return
		}
		WriteError(w, types.NewError(types.ErrStoreFailure, "failed to load run").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, row)
}
