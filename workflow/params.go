package workflow

import "encoding/json"

// TaskParams is the immutable input payload of a pipeline run. It is
// marshaled into the instance record at start time and never mutated.
type TaskParams struct {
	TaskID          string   `json:"task_id"`
	CallbackAddress string   `json:"callback_address"`
	Items           []string `json:"items"`
}

// Encode marshals the params for handoff to the runtime.
func (p TaskParams) Encode() (json.RawMessage, error) {
	return json.Marshal(p)
}

// FinalResult is the pipeline's official output, persisted by the runtime as
// the instance output and delivered to the session on completion.
type FinalResult struct {
	TaskID    string   `json:"task_id"`
	Processed int      `json:"processed"`
	Items     []string `json:"items"`
}
