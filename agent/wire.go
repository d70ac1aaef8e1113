package agent

import (
	"encoding/json"
	"fmt"
)

// Client command tags.
const (
	MsgStart  = "start"
	MsgStatus = "status"
	MsgPause  = "pause"
	MsgResume = "resume"
	MsgCancel = "cancel"
)

// Server message tags.
const (
	MsgConnected       = "connected"
	MsgWorkflowStarted = "workflow_started"
	MsgWorkflowStatus  = "workflow_status"
	MsgStateUpdate     = "state_update"
	MsgError           = "error"
)

// StartParams is the task-specific payload of a start command.
type StartParams struct {
	Items []string `json:"items"`
}

// ClientMessage is the tagged command envelope clients send over the
// real-time channel.
type ClientMessage struct {
	Type       string       `json:"type"`
	TaskID     string       `json:"taskId,omitempty"`
	Params     *StartParams `json:"params,omitempty"`
	InstanceID string       `json:"instanceId,omitempty"`
}

// decodeClientMessage parses and validates a raw client frame.
func decodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch msg.Type {
	case MsgStart:
	case MsgStatus, MsgPause, MsgResume, MsgCancel:
		if msg.InstanceID == "" {
			return nil, fmt.Errorf("%s requires instanceId", msg.Type)
		}
	case "":
		return nil, fmt.Errorf("missing message type")
	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	return &msg, nil
}

// ServerMessage is the tagged envelope the agent sends to connections.
type ServerMessage struct {
	Type       string          `json:"type"`
	Message    string          `json:"message,omitempty"`
	InstanceID string          `json:"instanceId,omitempty"`
	Status     string          `json:"status,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	State      *SessionState   `json:"state,omitempty"`
	AgentState *SessionState   `json:"agentState,omitempty"`
}

func errorMessage(message string) ServerMessage {
	return ServerMessage{Type: MsgError, Message: message}
}
