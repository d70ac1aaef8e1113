package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/agent"
)

// WSHandler upgrades connections onto a session's real-time channel. Each
// accepted socket becomes one agent connection: broadcasts flow out through
// the agent's per-connection queue, frames read here flow into the agent's
// command dispatch.
type WSHandler struct {
	registry *agent.Registry
	logger   *zap.Logger
}

// NewWSHandler creates the WebSocket endpoint handler.
func NewWSHandler(registry *agent.Registry, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		registry: registry,
		logger:   logger.With(zap.String("component", "ws_handler")),
	}
}

// Register mounts the WebSocket route on mux.
func (h *WSHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions/{session}/ws", h.HandleConnect)
}

// HandleConnect upgrades the request and pumps frames until either side
// closes.
func (h *WSHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")
	if session == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer c.Close(websocket.StatusInternalError, "closing")

	ag := h.registry.Get(session)
	sink := newWSSink(c)
	conn := ag.Connect(sink)
	defer ag.Disconnect(conn.ID())

	h.logger.Info("websocket connected",
		zap.String("session", session),
		zap.String("conn_id", conn.ID()),
	)

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			h.logger.Debug("websocket closed",
				zap.String("conn_id", conn.ID()),
				zap.Error(err),
			)
			c.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		ag.Receive(ctx, conn, data)
	}
}

// wsSink adapts a websocket connection to the agent Sink. Writes are
// serialized; the socket does not support concurrent writers.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Send(ctx context.Context, msg agent.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}
